package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaiin-platform/amplify-gateway/internal/domain"
)

func TestRequestCreateIsExclusive(t *testing.T) {
	tracker := NewRequestTracker()

	require.NoError(t, tracker.Create("u1", "r1"))
	err := tracker.Create("u1", "r1")
	assert.ErrorIs(t, err, domain.ErrDuplicate)

	// Different user, same request id: independent.
	assert.NoError(t, tracker.Create("u2", "r1"))
}

func TestKillSwitchObservedByPolling(t *testing.T) {
	tracker := NewRequestTracker()
	require.NoError(t, tracker.Create("u1", "r1"))

	assert.False(t, tracker.Killed("u1", "r1"))
	tracker.SetKillSwitch("u1", "r1", true)
	assert.True(t, tracker.Killed("u1", "r1"))
	tracker.SetKillSwitch("u1", "r1", false)
	assert.False(t, tracker.Killed("u1", "r1"))
}

func TestKillSwitchBeforeCreateIsRetained(t *testing.T) {
	tracker := NewRequestTracker()
	tracker.SetKillSwitch("u1", "r1", true)
	assert.True(t, tracker.Killed("u1", "r1"), "a control request may arrive ahead of the create")
}

func TestFinalizeRemovesRequest(t *testing.T) {
	tracker := NewRequestTracker()
	require.NoError(t, tracker.Create("u1", "r1"))
	tracker.Finalize("u1", "r1")

	assert.False(t, tracker.Killed("u1", "r1"))
	assert.NoError(t, tracker.Create("u1", "r1"), "a finalized id can be reused")
}
