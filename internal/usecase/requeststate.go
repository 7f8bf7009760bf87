package usecase

import (
	"fmt"
	"sync"
	"time"

	"github.com/gaiin-platform/amplify-gateway/internal/domain"
)

// RequestState tracks one in-flight request per (user_id, request_id).
type RequestState struct {
	CreatedAt  time.Time
	KillSwitch bool
	Finalized  bool
}

// RequestTracker owns the in-flight request map and the kill switch. A
// separate control request may set the switch; suspendable operations poll
// it at safe points and abort with Cancelled when observed true.
type RequestTracker struct {
	mu       sync.Mutex
	requests map[string]*RequestState
}

// NewRequestTracker creates an empty tracker.
func NewRequestTracker() *RequestTracker {
	return &RequestTracker{requests: make(map[string]*RequestState)}
}

func requestKey(userID, requestID string) string { return userID + "|" + requestID }

// Create registers a new request. Creation is exclusive: a duplicate
// request_id for the same user fails.
func (t *RequestTracker) Create(userID, requestID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := requestKey(userID, requestID)
	if _, exists := t.requests[key]; exists {
		return fmt.Errorf("%w: request %q", domain.ErrDuplicate, requestID)
	}
	t.requests[key] = &RequestState{CreatedAt: time.Now()}
	return nil
}

// SetKillSwitch sets the kill switch for a request. Setting the switch on an
// unknown request creates the record, so a later Create for the same id fails
// as a duplicate.
func (t *RequestTracker) SetKillSwitch(userID, requestID string, value bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := requestKey(userID, requestID)
	state, ok := t.requests[key]
	if !ok {
		state = &RequestState{CreatedAt: time.Now()}
		t.requests[key] = state
	}
	state.KillSwitch = value
}

// Killed reports the kill switch value. Poll this at safe points.
func (t *RequestTracker) Killed(userID, requestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.requests[requestKey(userID, requestID)]
	return ok && state.KillSwitch
}

// Finalize marks the request done and removes it from the tracker.
func (t *RequestTracker) Finalize(userID, requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := requestKey(userID, requestID)
	if state, ok := t.requests[key]; ok {
		state.Finalized = true
		delete(t.requests, key)
	}
}
