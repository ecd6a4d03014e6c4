package admission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestGuard(fallback Policy) (*Guard, *time.Time) {
	g := NewGuard(fallback, zap.NewNop())
	now := time.Now().UTC()
	g.now = func() time.Time { return now }
	return g, &now
}

func TestAllowWithinWindow(t *testing.T) {
	g, _ := newTestGuard(Policy{Window: time.Minute, MaxRequests: 10})

	for i := 0; i < 10; i++ {
		assert.True(t, g.Allow("scheduler", "instagram"), "request %d should pass", i+1)
	}
	assert.False(t, g.Allow("scheduler", "instagram"), "11th request must be denied")
}

func TestWindowResets(t *testing.T) {
	g, now := newTestGuard(Policy{Window: time.Minute, MaxRequests: 2})

	require.True(t, g.Allow("scheduler", "tiktok"))
	require.True(t, g.Allow("scheduler", "tiktok"))
	require.False(t, g.Allow("scheduler", "tiktok"))

	*now = now.Add(61 * time.Second)
	assert.True(t, g.Allow("scheduler", "tiktok"))
}

func TestIdentifiersTrackedSeparately(t *testing.T) {
	g, _ := newTestGuard(Policy{Window: time.Minute, MaxRequests: 1})

	assert.True(t, g.Allow("scheduler", "instagram"))
	assert.False(t, g.Allow("scheduler", "instagram"))
	assert.True(t, g.Allow("scheduler", "tiktok"))
	assert.True(t, g.Allow("publisher", "instagram"))
}

func TestBanAfterThreshold(t *testing.T) {
	g, now := newTestGuard(DefaultPolicy())
	g.SetChannelPolicy("scheduler", Policy{
		Window:       time.Minute,
		MaxRequests:  1,
		BanThreshold: 3,
		BanDuration:  10 * time.Minute,
	})

	require.True(t, g.Allow("scheduler", "spam"))
	// Three violations trip the ban.
	require.False(t, g.Allow("scheduler", "spam"))
	require.False(t, g.Allow("scheduler", "spam"))
	require.False(t, g.Allow("scheduler", "spam"))

	// Banned keys stay denied even after the window resets.
	*now = now.Add(2 * time.Minute)
	assert.False(t, g.Allow("scheduler", "spam"))

	// The ban lapses after its duration.
	*now = now.Add(10 * time.Minute)
	assert.True(t, g.Allow("scheduler", "spam"))
}

func TestZeroBanThresholdNeverBans(t *testing.T) {
	g, now := newTestGuard(Policy{Window: time.Minute, MaxRequests: 1})

	require.True(t, g.Allow("scheduler", "heavy"))
	for i := 0; i < 20; i++ {
		require.False(t, g.Allow("scheduler", "heavy"))
	}

	*now = now.Add(61 * time.Second)
	assert.True(t, g.Allow("scheduler", "heavy"), "throttle-only channel recovers on window reset")
}

func TestUnbanClearsBanAndViolations(t *testing.T) {
	g, _ := newTestGuard(DefaultPolicy())
	g.SetChannelPolicy("scheduler", Policy{
		Window:       time.Minute,
		MaxRequests:  1,
		BanThreshold: 1,
		BanDuration:  time.Hour,
	})

	require.True(t, g.Allow("scheduler", "user"))
	require.False(t, g.Allow("scheduler", "user"))
	require.False(t, g.Allow("scheduler", "user"), "banned")

	g.Unban("scheduler", "user")

	states := g.States()
	require.Len(t, states, 1)
	assert.Zero(t, states[0].Violations)
	assert.True(t, states[0].BannedUntil.IsZero())
}

func TestChannelPolicyFallback(t *testing.T) {
	g, _ := newTestGuard(Policy{Window: time.Minute, MaxRequests: 7})

	assert.Equal(t, 7, g.ChannelPolicy("unconfigured").MaxRequests)

	g.SetChannelPolicy("scheduler", Policy{Window: time.Second, MaxRequests: 3})
	assert.Equal(t, 3, g.ChannelPolicy("scheduler").MaxRequests)
	assert.Len(t, g.ChannelPolicies(), 1)
}

func TestStates(t *testing.T) {
	g, _ := newTestGuard(Policy{Window: time.Minute, MaxRequests: 5})

	g.Allow("scheduler", "instagram")
	g.Allow("scheduler", "instagram")

	states := g.States()
	require.Len(t, states, 1)
	assert.Equal(t, "scheduler", states[0].Channel)
	assert.Equal(t, "instagram", states[0].Identifier)
	assert.Equal(t, 2, states[0].Count)
}
