package governance

import (
	"sync"
	"time"
)

// FixedWindowConfig defines the per-identity fixed-window limits.
type FixedWindowConfig struct {
	Window      time.Duration
	MaxRequests int
}

// FixedWindowLimiter implements fixed-window request counting per client
// identity. Counters for distinct identities are fully independent.
type FixedWindowLimiter struct {
	mu       sync.Mutex
	window   time.Duration
	max      int
	counters map[string]*windowCounter
}

type windowCounter struct {
	count       int
	windowStart time.Time
}

// NewFixedWindowLimiter creates a limiter with the provided configuration.
func NewFixedWindowLimiter(cfg FixedWindowConfig) *FixedWindowLimiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 100
	}
	return &FixedWindowLimiter{
		window:   cfg.Window,
		max:      cfg.MaxRequests,
		counters: make(map[string]*windowCounter),
	}
}

// Allow records a request for the identity and reports whether it fits in
// the current window. When rejected, retryAfter is the time remaining until
// the window resets.
func (l *FixedWindowLimiter) Allow(identity string, now time.Time) (allowed bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[identity]
	if !ok || now.Sub(c.windowStart) >= l.window {
		l.counters[identity] = &windowCounter{count: 1, windowStart: now}
		return true, 0
	}

	c.count++
	if c.count > l.max {
		return false, c.windowStart.Add(l.window).Sub(now)
	}
	return true, 0
}

// Count returns the request count recorded for the identity in its current
// window. Used by the risk sweep and by tests.
func (l *FixedWindowLimiter) Count(identity string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[identity]
	if !ok || now.Sub(c.windowStart) >= l.window {
		return 0
	}
	return c.count
}

// Sweep drops counters whose window expired before the cutoff.
func (l *FixedWindowLimiter) Sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for identity, c := range l.counters {
		if now.Sub(c.windowStart) >= l.window {
			delete(l.counters, identity)
		}
	}
}

// Window returns the configured window length.
func (l *FixedWindowLimiter) Window() time.Duration {
	return l.window
}
