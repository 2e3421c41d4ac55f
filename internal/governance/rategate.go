package governance

import (
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mocklab/devgate/pkg/domain"
)

// RateGateConfig parameterizes the composite gate.
type RateGateConfig struct {
	Window         time.Duration
	MaxRequests    int
	BlockDuration  time.Duration
	SweepInterval  time.Duration
	IdleExpiry     time.Duration
	SensitivePaths []string
	// OnBlock is invoked whenever an identity is promoted into the block
	// set. Optional; used for metrics.
	OnBlock func(identity string)
}

// ClientRiskRecord tracks per-identity request activity. Created lazily,
// mutated per request, swept after the idle expiry unless blocked.
type ClientRiskRecord struct {
	Identity     string    `json:"identity"`
	RequestCount int       `json:"requestCount"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
	Blocked      bool      `json:"blocked"`
	LastLevel    RiskLevel `json:"lastLevel"`
}

// RateGate combines the fixed-window counter, the suspicious-activity scorer
// and the temporary block set. High-risk identities that also trip the rate
// counter are promoted into the block set.
type RateGate struct {
	mu      sync.Mutex
	records map[string]*ClientRiskRecord

	limiter *FixedWindowLimiter
	scorer  *Scorer
	blocked *BlockedSet

	cfg    RateGateConfig
	logger zerolog.Logger

	sweepStop chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

// NewRateGate creates the gate and starts its periodic sweep.
func NewRateGate(cfg RateGateConfig, logger zerolog.Logger) *RateGate {
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 15 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.IdleExpiry <= 0 {
		cfg.IdleExpiry = 30 * time.Minute
	}

	g := &RateGate{
		records: make(map[string]*ClientRiskRecord),
		limiter: NewFixedWindowLimiter(FixedWindowConfig{
			Window:      cfg.Window,
			MaxRequests: cfg.MaxRequests,
		}),
		scorer:    NewScorer(cfg.SensitivePaths),
		blocked:   NewBlockedSet(logger),
		cfg:       cfg,
		logger:    logger.With().Str("component", "rategate").Logger(),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go g.sweepLoop()
	return g
}

// CheckBlocked rejects identities in the block set. It runs before the rate
// counter so blocked clients never consume window budget.
func (g *RateGate) CheckBlocked(identity string) error {
	if blocked, until := g.blocked.IsBlocked(identity, time.Now()); blocked {
		return domain.Blocked(identity, until)
	}
	return nil
}

// Check records the request against the identity's risk record, scores it,
// and applies the fixed-window counter. bypassCounter skips the counter only
// (admin principals on admin paths); scoring and blocking still apply.
func (g *RateGate) Check(r *http.Request, identity string, bypassCounter bool) error {
	now := time.Now()

	assessment := g.scorer.Assess(r, identity, now)

	g.mu.Lock()
	rec, ok := g.records[identity]
	if !ok {
		rec = &ClientRiskRecord{Identity: identity}
		g.records[identity] = rec
	}
	rec.RequestCount++
	rec.LastSeenAt = now
	rec.LastLevel = assessment.Level
	g.mu.Unlock()

	if assessment.Level != RiskLow {
		g.logger.Debug().
			Str("identity", identity).
			Str("level", string(assessment.Level)).
			Strs("reasons", assessment.Reasons).
			Msg("suspicious activity")
	}

	if bypassCounter {
		return nil
	}

	allowed, retryAfter := g.limiter.Allow(identity, now)
	if allowed {
		return nil
	}

	if assessment.Level == RiskHigh {
		until := g.blocked.Block(identity, g.cfg.BlockDuration)
		g.mu.Lock()
		rec.Blocked = true
		g.mu.Unlock()
		g.logger.Warn().
			Str("identity", identity).
			Strs("reasons", assessment.Reasons).
			Time("until", until).
			Msg("high-risk identity promoted to block set")
		if g.cfg.OnBlock != nil {
			g.cfg.OnBlock(identity)
		}
	}

	return domain.RateLimited(retryAfter)
}

// Release removes a block manually (admin surface).
func (g *RateGate) Release(identity string) {
	g.blocked.Release(identity)
	g.mu.Lock()
	if rec, ok := g.records[identity]; ok {
		rec.Blocked = false
	}
	g.mu.Unlock()
}

// Snapshot returns a copy of the current risk records.
func (g *RateGate) Snapshot() []ClientRiskRecord {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]ClientRiskRecord, 0, len(g.records))
	for _, rec := range g.records {
		out = append(out, *rec)
	}
	return out
}

func (g *RateGate) sweepLoop() {
	defer close(g.sweepDone)
	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			g.sweep(now)
		case <-g.sweepStop:
			return
		}
	}
}

// sweep evicts idle, non-blocked risk records and stale limiter/scorer state.
func (g *RateGate) sweep(now time.Time) {
	cutoff := now.Add(-g.cfg.IdleExpiry)

	g.mu.Lock()
	evicted := 0
	for identity, rec := range g.records {
		if rec.Blocked {
			if still, _ := g.blocked.IsBlocked(identity, now); still {
				continue
			}
			rec.Blocked = false
		}
		if rec.LastSeenAt.Before(cutoff) {
			delete(g.records, identity)
			evicted++
		}
	}
	g.mu.Unlock()

	g.limiter.Sweep(now)
	g.scorer.Sweep(cutoff)

	if evicted > 0 {
		g.logger.Debug().Int("evicted", evicted).Msg("swept idle risk records")
	}
}

// Close stops the sweep loop and all block-release timers.
func (g *RateGate) Close() {
	g.closeOnce.Do(func() {
		close(g.sweepStop)
		<-g.sweepDone
		g.blocked.Close()
	})
}
