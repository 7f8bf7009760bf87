package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gaiin-platform/amplify-gateway/internal/domain"
	"github.com/gaiin-platform/amplify-gateway/internal/infra/config"
)

// RateLimiter applies admission control before any LLM cost is incurred.
// Limits are evaluated admin → group(s) → user; the first exceeded wins.
type RateLimiter struct {
	costs      domain.CostReader
	limits     domain.LimitReader
	violations *ViolationTracker
	logger     *slog.Logger

	adminCache    *ttlCache[[]domain.Limit]
	groupsCache   *ttlCache[[]string]
	lifetimeCache *ttlCache[float64]

	now func() time.Time
}

// NewRateLimiter creates a limiter with the configured cache TTLs.
func NewRateLimiter(costs domain.CostReader, limits domain.LimitReader, cfg config.LimiterConfig, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		costs:         costs,
		limits:        limits,
		violations:    NewViolationTracker(),
		logger:        logger,
		adminCache:    newTTLCache[[]domain.Limit](cfg.AdminConfigTTL),
		groupsCache:   newTTLCache[[]string](cfg.UserGroupsTTL),
		lifetimeCache: newTTLCache[float64](cfg.LifetimeCostTTL),
		now:           time.Now,
	}
}

// RateLimitError carries the structured 429 body describing which limit
// rejected the request.
type RateLimitError struct {
	Violation domain.LimitViolation
}

func (e *RateLimitError) Error() string {
	v := e.Violation
	if v.LimitType == domain.LimitTypeProgressiveTimeout {
		return "Too many requests in a short period. Please slow down."
	}
	return fmt.Sprintf(
		"Request limit reached. Current Spent: $%.2f spent %s (%s limit). Amplify Set Rate limit: $%.2f / %s",
		v.CurrentSpent, periodPhrase(v.Period), limitTypeLabel(v.LimitType), v.Rate, periodTitle(v.Period),
	)
}

func (e *RateLimitError) Unwrap() error { return domain.ErrRateLimited }

func periodPhrase(period string) string {
	switch period {
	case domain.PeriodHourly:
		return "this hour"
	case domain.PeriodDaily:
		return "today"
	case domain.PeriodMonthly:
		return "this month"
	case domain.PeriodTotal:
		return "in total"
	default:
		return period
	}
}

func periodTitle(period string) string {
	switch period {
	case domain.PeriodHourly:
		return "Hourly"
	case domain.PeriodDaily:
		return "Daily"
	case domain.PeriodMonthly:
		return "Monthly"
	case domain.PeriodTotal:
		return "Total"
	default:
		return period
	}
}

func limitTypeLabel(t string) string {
	switch t {
	case domain.LimitTypeAdmin:
		return "Admin"
	case domain.LimitTypeGroup:
		return "Group"
	default:
		return "User"
	}
}

// Check admits or rejects a request for the given principal. The optional
// requestLimit is the per-request limit supplied in chat options, applied at
// user priority.
func (l *RateLimiter) Check(ctx context.Context, principal domain.Principal, requestLimit *domain.Limit) error {
	userID := principal.UserID

	// Progressive timeout fails fast without consulting upstream.
	if until, active := l.violations.ActiveTimeout(userID, l.now()); active {
		l.logger.Warn("request rejected by progressive timeout",
			"user", userID,
			"until", until,
		)
		return &RateLimitError{Violation: domain.LimitViolation{
			LimitType: domain.LimitTypeProgressiveTimeout,
		}}
	}

	spend, err := l.costs.UserSpend(ctx, userID)
	if err != nil {
		// Spend unavailable: admit rather than block every user on a store
		// outage, but record it loudly.
		l.logger.Error("user spend lookup failed, admitting", "user", userID, "error", err)
		return nil
	}

	// A lifetime-cost sum for "total" limits is computed at most once per
	// request and reused.
	var lifetime float64
	lifetimeLoaded := false
	spendFor := func(period string) (float64, error) {
		if period != domain.PeriodTotal {
			return spend.ForPeriod(period, l.now()), nil
		}
		if !lifetimeLoaded {
			v, err := l.cachedLifetime(ctx, userID)
			if err != nil {
				return 0, err
			}
			lifetime = v
			lifetimeLoaded = true
		}
		return lifetime, nil
	}

	check := func(limit domain.Limit, limitType string) error {
		if limit.Unlimited() {
			return nil
		}
		current, err := spendFor(limit.Period)
		if err != nil {
			l.logger.Warn("spend lookup for limit failed, skipping limit", "period", limit.Period, "error", err)
			return nil
		}
		if current >= limit.Rate {
			l.violations.RecordViolation(userID, l.now())
			return &RateLimitError{Violation: domain.LimitViolation{
				LimitType:    limitType,
				Period:       limit.Period,
				CurrentSpent: current,
				Rate:         limit.Rate,
			}}
		}
		return nil
	}

	// Admin limits first.
	adminLimits, err := l.cachedAdminLimits(ctx)
	if err != nil {
		l.logger.Warn("admin limit lookup failed, skipping admin limits", "error", err)
	}
	for _, limit := range adminLimits {
		if err := check(limit, domain.LimitTypeAdmin); err != nil {
			return err
		}
	}

	// Then group limits.
	groups, err := l.cachedUserGroups(ctx, userID)
	if err != nil {
		l.logger.Warn("user group lookup failed, skipping group limits", "user", userID, "error", err)
	}
	for _, group := range groups {
		limit, err := l.limits.GroupLimit(ctx, group)
		if err != nil || limit == nil {
			continue
		}
		gl := *limit
		gl.GroupName = group
		if err := check(gl, domain.LimitTypeGroup); err != nil {
			return err
		}
	}

	// Finally the user's own limit, then the per-request limit.
	if userLimit, err := l.limits.UserLimit(ctx, userID); err == nil && userLimit != nil {
		if err := check(*userLimit, domain.LimitTypeUser); err != nil {
			return err
		}
	}
	if requestLimit != nil {
		if err := check(*requestLimit, domain.LimitTypeUser); err != nil {
			return err
		}
	}

	l.violations.Reset(userID)
	return nil
}

func (l *RateLimiter) cachedAdminLimits(ctx context.Context) ([]domain.Limit, error) {
	return l.adminCache.get("admin", func() ([]domain.Limit, error) {
		return l.limits.AdminLimits(ctx)
	})
}

func (l *RateLimiter) cachedUserGroups(ctx context.Context, userID string) ([]string, error) {
	return l.groupsCache.get(userID, func() ([]string, error) {
		return l.limits.UserGroups(ctx, userID)
	})
}

func (l *RateLimiter) cachedLifetime(ctx context.Context, userID string) (float64, error) {
	return l.lifetimeCache.get(userID, func() (float64, error) {
		return l.costs.LifetimeSpend(ctx, userID)
	})
}

// ttlCache is a small read-through cache. On loader failure a stale value is
// returned when one exists.
type ttlCache[V any] struct {
	ttl time.Duration
	mu  sync.Mutex
	m   map[string]ttlEntry[V]
	now func() time.Time
}

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

func newTTLCache[V any](ttl time.Duration) *ttlCache[V] {
	return &ttlCache[V]{ttl: ttl, m: make(map[string]ttlEntry[V]), now: time.Now}
}

func (c *ttlCache[V]) get(key string, load func() (V, error)) (V, error) {
	c.mu.Lock()
	entry, ok := c.m[key]
	c.mu.Unlock()

	if ok && c.now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	value, err := load()
	if err != nil {
		if ok {
			// Stale fallback.
			return entry.value, nil
		}
		var zero V
		return zero, err
	}

	c.mu.Lock()
	c.m[key] = ttlEntry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return value, nil
}
