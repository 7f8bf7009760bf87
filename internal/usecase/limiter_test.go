package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaiin-platform/amplify-gateway/internal/domain"
	"github.com/gaiin-platform/amplify-gateway/internal/infra/config"
)

type fakeCosts struct {
	spend    domain.Spend
	lifetime float64
	err      error
}

func (f *fakeCosts) UserSpend(context.Context, string) (domain.Spend, error) {
	return f.spend, f.err
}

func (f *fakeCosts) LifetimeSpend(context.Context, string) (float64, error) {
	return f.lifetime, f.err
}

type fakeLimits struct {
	admin     []domain.Limit
	groups    []string
	groupLims map[string]*domain.Limit
	user      *domain.Limit
	calls     int
	err       error
}

func (f *fakeLimits) AdminLimits(context.Context) ([]domain.Limit, error) {
	f.calls++
	return f.admin, f.err
}
func (f *fakeLimits) UserGroups(context.Context, string) ([]string, error) { return f.groups, nil }
func (f *fakeLimits) GroupLimit(_ context.Context, g string) (*domain.Limit, error) {
	return f.groupLims[g], nil
}
func (f *fakeLimits) UserLimit(context.Context, string) (*domain.Limit, error) { return f.user, nil }

func newTestLimiter(costs domain.CostReader, limits domain.LimitReader) *RateLimiter {
	cfg := config.LimiterConfig{
		AdminConfigTTL:  10 * time.Minute,
		UserGroupsTTL:   5 * time.Minute,
		LifetimeCostTTL: 30 * time.Second,
	}
	return NewRateLimiter(costs, limits, cfg, slog.Default())
}

func TestRateLimitOrderAdminWins(t *testing.T) {
	// Every limit is exceeded; the admin limit must be the one reported.
	costs := &fakeCosts{spend: domain.Spend{DailyCost: 100}}
	limits := &fakeLimits{
		admin:     []domain.Limit{{Period: domain.PeriodDaily, Rate: 10}},
		groups:    []string{"eng"},
		groupLims: map[string]*domain.Limit{"eng": {Period: domain.PeriodDaily, Rate: 20}},
		user:      &domain.Limit{Period: domain.PeriodDaily, Rate: 30},
	}
	limiter := newTestLimiter(costs, limits)

	err := limiter.Check(context.Background(), domain.Principal{UserID: "u1"}, nil)
	require.Error(t, err)

	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, domain.LimitTypeAdmin, rle.Violation.LimitType)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestRateLimitErrorMessageShape(t *testing.T) {
	costs := &fakeCosts{spend: domain.Spend{DailyCost: 12.5}}
	limits := &fakeLimits{admin: []domain.Limit{{Period: domain.PeriodDaily, Rate: 10}}}
	limiter := newTestLimiter(costs, limits)

	err := limiter.Check(context.Background(), domain.Principal{UserID: "u1"}, nil)
	require.Error(t, err)
	assert.Equal(t,
		"Request limit reached. Current Spent: $12.50 spent today (Admin limit). Amplify Set Rate limit: $10.00 / Daily",
		err.Error(),
	)
}

func TestRateLimitUnderLimitAdmits(t *testing.T) {
	costs := &fakeCosts{spend: domain.Spend{DailyCost: 5}}
	limits := &fakeLimits{admin: []domain.Limit{{Period: domain.PeriodDaily, Rate: 10}}}
	limiter := newTestLimiter(costs, limits)

	assert.NoError(t, limiter.Check(context.Background(), domain.Principal{UserID: "u1"}, nil))
}

func TestRateLimitUnlimitedPeriodNeverRejects(t *testing.T) {
	costs := &fakeCosts{spend: domain.Spend{DailyCost: 1e9}}
	limits := &fakeLimits{admin: []domain.Limit{{Period: domain.PeriodUnlimited, Rate: 0}}}
	limiter := newTestLimiter(costs, limits)

	assert.NoError(t, limiter.Check(context.Background(), domain.Principal{UserID: "u1"}, nil))
}

func TestRateLimitTotalUsesLifetimeSum(t *testing.T) {
	costs := &fakeCosts{lifetime: 500}
	limits := &fakeLimits{admin: []domain.Limit{{Period: domain.PeriodTotal, Rate: 100}}}
	limiter := newTestLimiter(costs, limits)

	err := limiter.Check(context.Background(), domain.Principal{UserID: "u1"}, nil)
	require.Error(t, err)

	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, domain.PeriodTotal, rle.Violation.Period)
	assert.Equal(t, 500.0, rle.Violation.CurrentSpent)
}

func TestRateLimitAdminConfigCached(t *testing.T) {
	costs := &fakeCosts{}
	limits := &fakeLimits{admin: []domain.Limit{{Period: domain.PeriodDaily, Rate: 1000}}}
	limiter := newTestLimiter(costs, limits)

	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.Check(context.Background(), domain.Principal{UserID: "u1"}, nil))
	}
	assert.Equal(t, 1, limits.calls, "admin config is cached for the TTL")
}

func TestRateLimitProgressiveTimeoutFailsFast(t *testing.T) {
	costs := &fakeCosts{spend: domain.Spend{DailyCost: 100}}
	limits := &fakeLimits{admin: []domain.Limit{{Period: domain.PeriodDaily, Rate: 10}}}
	limiter := newTestLimiter(costs, limits)

	// Trip the progressive timeout with five rejected requests.
	for i := 0; i < 5; i++ {
		err := limiter.Check(context.Background(), domain.Principal{UserID: "u1"}, nil)
		require.Error(t, err)
	}

	err := limiter.Check(context.Background(), domain.Principal{UserID: "u1"}, nil)
	require.Error(t, err)

	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, domain.LimitTypeProgressiveTimeout, rle.Violation.LimitType)
}

func TestRateLimitRequestLevelLimit(t *testing.T) {
	costs := &fakeCosts{spend: domain.Spend{DailyCost: 8}}
	limits := &fakeLimits{}
	limiter := newTestLimiter(costs, limits)

	err := limiter.Check(context.Background(), domain.Principal{UserID: "u1"},
		&domain.Limit{Period: domain.PeriodDaily, Rate: 5})
	require.Error(t, err)

	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, domain.LimitTypeUser, rle.Violation.LimitType)
}

func TestTTLCacheStaleFallback(t *testing.T) {
	cache := newTTLCache[int](time.Nanosecond)

	v, err := cache.get("k", func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	time.Sleep(time.Millisecond)
	v, err = cache.get("k", func() (int, error) { return 0, fmt.Errorf("store down") })
	require.NoError(t, err, "stale value is returned on loader failure")
	assert.Equal(t, 42, v)
}
