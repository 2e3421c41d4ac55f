package governance

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"
)

// RiskLevel classifies suspicious-activity heuristics. Distinct from
// blocking: a high level alone does not block an identity.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Assessment is the outcome of scoring one request.
type Assessment struct {
	Level       RiskLevel
	Score       int
	Reasons     []string
	ShouldBlock bool
}

const (
	maxPayloadBytes    = 10 << 20 // 10MB
	rapidRepeatGap     = time.Second
	rapidRepeatTrigger = 5
	shortUserAgentLen  = 10

	scoreMediumThreshold = 2
	scoreHighThreshold   = 4
)

// botPatterns is the fixed set of User-Agent shapes treated as automated
// clients.
var botPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(bot|crawler|spider|scraper)\b`),
	regexp.MustCompile(`(?i)^(curl|wget|python-requests|scrapy|httpclient)`),
	regexp.MustCompile(`(?i)headless`),
}

// Scorer evaluates suspicious-activity heuristics per request. It keeps a
// small per-identity state for rapid-repeat detection that decays while the
// client behaves.
type Scorer struct {
	mu                sync.Mutex
	repeats           map[string]*repeatState
	sensitivePrefixes []string
}

type repeatState struct {
	lastSeen   time.Time
	rapidCount float64
}

// NewScorer creates a scorer guarding the given sensitive path prefixes.
func NewScorer(sensitivePrefixes []string) *Scorer {
	return &Scorer{
		repeats:           make(map[string]*repeatState),
		sensitivePrefixes: sensitivePrefixes,
	}
}

// Assess scores one request. Sensitive-path access without credentials,
// oversized payloads and rapid repeats always produce a high level with
// ShouldBlock set.
func (s *Scorer) Assess(r *http.Request, identity string, now time.Time) Assessment {
	var a Assessment

	ua := r.Header.Get("User-Agent")
	switch {
	case ua == "":
		a.Score += 2
		a.Reasons = append(a.Reasons, "missing user-agent")
	case len(ua) < shortUserAgentLen:
		a.Score++
		a.Reasons = append(a.Reasons, "short user-agent")
	}
	for _, p := range botPatterns {
		if ua != "" && p.MatchString(ua) {
			a.Score += 2
			a.Reasons = append(a.Reasons, "bot user-agent pattern")
			break
		}
	}

	s.scoreOriginReferer(r, &a)

	if s.isSensitivePath(r.URL.Path) && r.Header.Get("Authorization") == "" {
		a.Score += scoreHighThreshold
		a.Reasons = append(a.Reasons, "sensitive path without authorization")
		a.ShouldBlock = true
	}

	if r.ContentLength > maxPayloadBytes {
		a.Score += scoreHighThreshold
		a.Reasons = append(a.Reasons, "oversized payload")
		a.ShouldBlock = true
	}

	if s.recordRepeat(identity, now) {
		a.Score += scoreHighThreshold
		a.Reasons = append(a.Reasons, "rapid repeated requests")
		a.ShouldBlock = true
	}

	switch {
	case a.ShouldBlock || a.Score >= scoreHighThreshold:
		a.Level = RiskHigh
	case a.Score >= scoreMediumThreshold:
		a.Level = RiskMedium
	default:
		a.Level = RiskLow
	}
	return a
}

func (s *Scorer) scoreOriginReferer(r *http.Request, a *Assessment) {
	origin := r.Header.Get("Origin")
	referer := r.Header.Get("Referer")
	if origin == "" && referer == "" {
		return
	}

	var originHost, refererHost string
	if origin != "" {
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			a.Score += 2
			a.Reasons = append(a.Reasons, "malformed origin")
			return
		}
		originHost = u.Host
	}
	if referer != "" {
		u, err := url.Parse(referer)
		if err != nil || u.Host == "" {
			a.Score += 2
			a.Reasons = append(a.Reasons, "malformed referer")
			return
		}
		refererHost = u.Host
	}
	if originHost != "" && refererHost != "" && originHost != refererHost {
		a.Score += 2
		a.Reasons = append(a.Reasons, "origin/referer host mismatch")
	}
}

// recordRepeat tracks sub-second request gaps per identity. The counter
// decays while gaps stay comfortable, so a brief burst is forgiven.
func (s *Scorer) recordRepeat(identity string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.repeats[identity]
	if !ok {
		s.repeats[identity] = &repeatState{lastSeen: now}
		return false
	}

	gap := now.Sub(st.lastSeen)
	st.lastSeen = now
	if gap < rapidRepeatGap {
		st.rapidCount++
	} else {
		st.rapidCount -= gap.Seconds() / 5
		if st.rapidCount < 0 {
			st.rapidCount = 0
		}
	}
	return st.rapidCount >= rapidRepeatTrigger
}

func (s *Scorer) isSensitivePath(path string) bool {
	for _, prefix := range s.sensitivePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Sweep drops repeat-tracking state idle since before the cutoff.
func (s *Scorer) Sweep(cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for identity, st := range s.repeats {
		if st.lastSeen.Before(cutoff) {
			delete(s.repeats, identity)
		}
	}
}
