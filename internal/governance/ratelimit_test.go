package governance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedWindowLimiterAllowsUpToMax(t *testing.T) {
	l := NewFixedWindowLimiter(FixedWindowConfig{Window: time.Minute, MaxRequests: 3})
	now := time.Now()

	for i := 0; i < 3; i++ {
		allowed, _ := l.Allow("10.0.0.1", now)
		require.True(t, allowed, "request %d should fit in the window", i+1)
	}

	allowed, retryAfter := l.Allow("10.0.0.1", now)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, time.Minute)
}

func TestFixedWindowLimiterIdentitiesIndependent(t *testing.T) {
	l := NewFixedWindowLimiter(FixedWindowConfig{Window: time.Minute, MaxRequests: 1})
	now := time.Now()

	allowed, _ := l.Allow("10.0.0.1", now)
	require.True(t, allowed)
	allowed, _ = l.Allow("10.0.0.1", now)
	require.False(t, allowed)

	// A different identity still has its full budget.
	allowed, _ = l.Allow("10.0.0.2", now)
	assert.True(t, allowed)
}

func TestFixedWindowLimiterResetsAfterWindow(t *testing.T) {
	l := NewFixedWindowLimiter(FixedWindowConfig{Window: time.Minute, MaxRequests: 1})
	start := time.Now()

	allowed, _ := l.Allow("10.0.0.1", start)
	require.True(t, allowed)
	allowed, _ = l.Allow("10.0.0.1", start.Add(time.Second))
	require.False(t, allowed)

	allowed, _ = l.Allow("10.0.0.1", start.Add(time.Minute+time.Second))
	assert.True(t, allowed, "counter should reset once the window elapses")
}

func TestFixedWindowLimiterRetryAfterShrinks(t *testing.T) {
	l := NewFixedWindowLimiter(FixedWindowConfig{Window: time.Minute, MaxRequests: 1})
	start := time.Now()

	_, _ = l.Allow("10.0.0.1", start)
	_, first := l.Allow("10.0.0.1", start.Add(10*time.Second))
	_, second := l.Allow("10.0.0.1", start.Add(30*time.Second))

	assert.Greater(t, first, second, "retry hint should shrink as the window ages")
}

func TestFixedWindowLimiterSweep(t *testing.T) {
	l := NewFixedWindowLimiter(FixedWindowConfig{Window: time.Minute, MaxRequests: 5})
	start := time.Now()

	_, _ = l.Allow("10.0.0.1", start)
	require.Equal(t, 1, l.Count("10.0.0.1", start))

	l.Sweep(start.Add(2 * time.Minute))
	assert.Equal(t, 0, l.Count("10.0.0.1", start.Add(2*time.Minute)))
}
