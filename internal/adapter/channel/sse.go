package channel

import (
	"context"
	"net/http"
	"sync"

	"github.com/gaiin-platform/amplify-gateway/internal/domain"
)

// sseSink writes canonical stream events as newline-terminated
// "data: <JSON>\n" records, flushing after every event. The 200 response
// and SSE headers are committed lazily on the first write, so pre-stream
// failures (auth, limiter) can still produce their own status codes.
// Writes are serialized; back-pressure propagates through the blocked Write.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
	closed  bool
}

// Started reports whether the stream response has been committed.
func (s *sseSink) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Write implements domain.StreamSink.
func (s *sseSink) Write(ctx context.Context, ev domain.StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := domain.EncodeStreamEvent(ev)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return http.ErrHandlerTimeout
	}

	if !s.started {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	if _, err := s.w.Write([]byte("data: ")); err != nil {
		s.closed = true
		return err
	}
	if _, err := s.w.Write(data); err != nil {
		s.closed = true
		return err
	}
	if _, err := s.w.Write([]byte("\n")); err != nil {
		s.closed = true
		return err
	}
	s.flusher.Flush()
	return nil
}

// BearerAuthenticator extracts the verified principal from the request
// headers. Token validation is performed by the fronting auth layer; the
// gateway receives the already-verified identity alongside the token.
type BearerAuthenticator struct{}

// Authenticate implements Authenticator.
func (BearerAuthenticator) Authenticate(r *http.Request) (domain.Principal, error) {
	token := r.Header.Get("Authorization")
	if len(token) > 7 && token[:7] == "Bearer " {
		token = token[7:]
	} else {
		token = ""
	}
	userID := r.Header.Get("X-User-Id")
	if userID == "" || token == "" {
		return domain.Principal{}, domain.ErrUnauthorized
	}
	return domain.Principal{
		UserID:      userID,
		AccessToken: token,
		APIKeyID:    r.Header.Get("X-Api-Key-Id"),
		AccountID:   r.Header.Get("X-Account-Id"),
	}, nil
}
