package usecase

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/gaiin-platform/amplify-gateway/internal/domain"
	"github.com/gaiin-platform/amplify-gateway/internal/infra/config"
)

const breakerShards = 16

// CircuitBreaker guards expensive calls per (function, user). A breaker
// opens when the rolling error rate exceeds the threshold or the estimated
// hourly cost exceeds the cap; while open, calls reject for the cooldown.
// After an error-rate trip, half-open allows one probe; after a cost trip, a
// fresh cost window starts.
type CircuitBreaker struct {
	cfg    config.BreakerConfig
	logger *slog.Logger
	shards [breakerShards]*breakerShard
	now    func() time.Time
}

type breakerShard struct {
	mu       sync.Mutex
	breakers map[string]*keyedBreaker
}

type keyedBreaker struct {
	cb         *gobreaker.CircuitBreaker[struct{}]
	lastUsed   time.Time
	costWindow time.Time
	hourlyCost float64
}

// NewCircuitBreaker creates the sharded breaker map and starts the
// background sweeper that trims entries idle for more than 24 hours.
func NewCircuitBreaker(ctx context.Context, cfg config.BreakerConfig, logger *slog.Logger) *CircuitBreaker {
	b := &CircuitBreaker{cfg: cfg, logger: logger, now: time.Now}
	for i := range b.shards {
		b.shards[i] = &breakerShard{breakers: make(map[string]*keyedBreaker)}
	}
	go b.sweep(ctx)
	return b
}

// Key builds the breaker key: (function, user) when the user is known, else
// function-wide.
func Key(function, userID string) string {
	if userID == "" {
		return function
	}
	return function + "|" + userID
}

func (b *CircuitBreaker) shard(key string) *breakerShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return b.shards[h.Sum32()%breakerShards]
}

func (b *CircuitBreaker) get(key string) *keyedBreaker {
	s := b.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	kb, ok := s.breakers[key]
	if !ok {
		threshold := b.cfg.ErrorRateThreshold
		logger := b.logger
		kb = &keyedBreaker{
			cb: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
				Name:        key,
				MaxRequests: 1, // one probe in half-open
				Interval:    b.cfg.Window,
				Timeout:     b.cfg.Cooldown,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					if counts.Requests < 5 {
						return false
					}
					rate := float64(counts.TotalFailures) / float64(counts.Requests)
					return rate > threshold
				},
				OnStateChange: func(name string, from, to gobreaker.State) {
					logger.Warn("circuit breaker state change",
						"breaker", name,
						"from", from.String(),
						"to", to.String(),
					)
				},
			}),
		}
		s.breakers[key] = kb
	}
	kb.lastUsed = b.now()
	return kb
}

// Execute runs fn behind the breaker for key. Cost is the estimated dollar
// cost of this call, accumulated into the rolling hourly window.
func (b *CircuitBreaker) Execute(key string, cost float64, fn func() error) error {
	kb := b.get(key)

	s := b.shard(key)
	s.mu.Lock()
	now := b.now()
	if now.Sub(kb.costWindow) > time.Hour {
		kb.costWindow = now
		kb.hourlyCost = 0
	}
	wasOver := kb.hourlyCost > b.cfg.CostPerHourLimit
	kb.hourlyCost += cost
	over := kb.hourlyCost > b.cfg.CostPerHourLimit
	if over && !wasOver {
		// Reject for the cooldown, then start a fresh cost window.
		kb.costWindow = now.Add(b.cfg.Cooldown - time.Hour)
	}
	s.mu.Unlock()

	if over {
		b.logger.Warn("circuit breaker cost cap exceeded", "breaker", key, "hourly_cost", kb.hourlyCost)
		return fmt.Errorf("%w: hourly cost cap", domain.ErrCircuitOpen)
	}

	_, err := kb.cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", domain.ErrCircuitOpen, key)
	}
	return err
}

// sweep trims idle breakers every hour until ctx is done.
func (b *CircuitBreaker) sweep(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := b.now().Add(-24 * time.Hour)
			for _, s := range b.shards {
				s.mu.Lock()
				for key, kb := range s.breakers {
					if kb.lastUsed.Before(cutoff) {
						delete(s.breakers, key)
					}
				}
				s.mu.Unlock()
			}
		}
	}
}
