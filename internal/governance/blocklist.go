package governance

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BlockedSet holds temporarily blocked identities. Entries self-expire via
// per-entry timers; membership always rejects before any outbound call.
type BlockedSet struct {
	mu      sync.Mutex
	entries map[string]*blockEntry
	logger  zerolog.Logger
	closed  bool
}

type blockEntry struct {
	expiresAt time.Time
	timer     *time.Timer
}

// NewBlockedSet creates an empty block set.
func NewBlockedSet(logger zerolog.Logger) *BlockedSet {
	return &BlockedSet{
		entries: make(map[string]*blockEntry),
		logger:  logger.With().Str("component", "blocklist").Logger(),
	}
}

// Block inserts the identity for the given duration, replacing any existing
// entry. Release is scheduled on a timer.
func (b *BlockedSet) Block(identity string, d time.Duration) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return time.Time{}
	}
	if existing, ok := b.entries[identity]; ok {
		existing.timer.Stop()
	}

	expiresAt := time.Now().Add(d)
	e := &blockEntry{expiresAt: expiresAt}
	e.timer = time.AfterFunc(d, func() { b.release(identity, e) })
	b.entries[identity] = e
	b.logger.Warn().
		Str("identity", identity).
		Time("expires_at", expiresAt).
		Msg("identity blocked")
	return expiresAt
}

// release is the timer callback. It removes the identity only if the stored
// entry is still the one the timer was armed for: a timer from a replaced
// block may fire after losing the Stop race and must not drop the
// replacement.
func (b *BlockedSet) release(identity string, e *blockEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cur, ok := b.entries[identity]; ok && cur == e {
		delete(b.entries, identity)
		b.logger.Info().Str("identity", identity).Msg("block released")
	}
}

// IsBlocked reports whether the identity is currently blocked and, if so,
// when the block expires. The expiry check guards against a late timer.
func (b *BlockedSet) IsBlocked(identity string, now time.Time) (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[identity]
	if !ok {
		return false, time.Time{}
	}
	if now.After(e.expiresAt) {
		e.timer.Stop()
		delete(b.entries, identity)
		return false, time.Time{}
	}
	return true, e.expiresAt
}

// Release removes the identity from the set.
func (b *BlockedSet) Release(identity string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[identity]; ok {
		e.timer.Stop()
		delete(b.entries, identity)
		b.logger.Info().Str("identity", identity).Msg("block released")
	}
}

// Len returns the number of currently blocked identities.
func (b *BlockedSet) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Close stops all pending release timers. The set rejects further inserts.
func (b *BlockedSet) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for identity, e := range b.entries {
		e.timer.Stop()
		delete(b.entries, identity)
	}
}
