package proxy

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mocklab/devgate/internal/governance"
	"github.com/mocklab/devgate/pkg/domain"
	"github.com/mocklab/devgate/pkg/telemetry"
)

// hopHeaders lists hop-by-hop headers stripped before forwarding so upstream
// connection semantics remain correct.
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// maxForwardBody bounds the buffered request body. Bodies are buffered so
// transient-failure retries can replay them; anything larger is rejected
// with a 413 rather than forwarded truncated.
const maxForwardBody = 32 << 20 // 32MB

// ForwarderConfig holds the forwarder knobs resolved from configuration.
type ForwarderConfig struct {
	Timeout    time.Duration
	MaxRetries int
	// ExposeDetails includes error details in envelopes outside production.
	ExposeDetails bool
}

// RouteStats is the per-route forward counter exposed on the admin surface.
type RouteStats struct {
	Forwarded int64 `json:"forwarded"`
}

// Forwarder issues validated outbound requests for named routes and raw
// URLs. The route table is swapped wholesale on reload; in-flight requests
// keep the table they started with.
type Forwarder struct {
	client    *http.Client
	validator *TargetValidator
	retry     governance.RetryPolicy
	cache     *ResponseCache
	timeout   time.Duration
	logger    zerolog.Logger
	metrics   *telemetry.Metrics

	exposeDetails bool

	mu     sync.RWMutex
	routes map[string]*Route
	stats  map[string]*RouteStats
}

// NewForwarder constructs a forwarder with tuned transport defaults.
func NewForwarder(cfg ForwarderConfig, validator *TargetValidator, cache *ResponseCache, logger zerolog.Logger, metrics *telemetry.Metrics) *Forwarder {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Forwarder{
		client:        &http.Client{Transport: transport},
		validator:     validator,
		retry:         governance.NewRetryPolicy(cfg.MaxRetries),
		cache:         cache,
		timeout:       timeout,
		exposeDetails: cfg.ExposeDetails,
		logger:        logger.With().Str("component", "forwarder").Logger(),
		metrics:       metrics,
		routes:        make(map[string]*Route),
		stats:         make(map[string]*RouteStats),
	}
}

// SetRoutes replaces the route table. Stats for vanished routes are dropped.
func (f *Forwarder) SetRoutes(routes map[string]*Route) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes = routes
	for name := range f.stats {
		if _, ok := routes[name]; !ok {
			delete(f.stats, name)
		}
	}
}

// SetValidator replaces the domain allow/block matchers on reload.
func (f *Forwarder) SetValidator(v *TargetValidator) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validator = v
}

func (f *Forwarder) currentValidator() *TargetValidator {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.validator
}

// Route looks up a named route in the current table.
func (f *Forwarder) Route(name string) (*Route, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rt, ok := f.routes[name]
	return rt, ok
}

// RouteSummary describes one route for the admin listing.
type RouteSummary struct {
	Name      string `json:"name"`
	Target    string `json:"target"`
	AuthType  string `json:"authType"`
	CacheTTL  string `json:"cacheTtl,omitempty"`
	Forwarded int64  `json:"forwarded"`
}

// Summaries lists the current routes with their forward counts.
func (f *Forwarder) Summaries() []RouteSummary {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]RouteSummary, 0, len(f.routes))
	for name, rt := range f.routes {
		s := RouteSummary{
			Name:     name,
			Target:   rt.Target.String(),
			AuthType: string(rt.Auth.Type),
		}
		if rt.CacheTTL > 0 {
			s.CacheTTL = rt.CacheTTL.String()
		}
		if st, ok := f.stats[name]; ok {
			s.Forwarded = st.Forwarded
		}
		out = append(out, s)
	}
	return out
}

// ForwardNamed proxies a request through the named route. rest is the
// request path below the route prefix, before rewriting.
func (f *Forwarder) ForwardNamed(w http.ResponseWriter, r *http.Request, rt *Route, rest string) {
	rewritten := rt.RewritePath(rest)
	target := rt.Target.JoinPath(rewritten)
	target.RawQuery = r.URL.RawQuery
	f.forward(w, r, target.String(), rt)
}

// ForwardRaw proxies a request to an arbitrary URL from the ?url= form.
// Raw-URL forwards are never cached.
func (f *Forwarder) ForwardRaw(w http.ResponseWriter, r *http.Request, rawURL string) {
	f.forward(w, r, rawURL, nil)
}

func (f *Forwarder) forward(w http.ResponseWriter, r *http.Request, target string, rt *Route) {
	requestID := w.Header().Get("X-Request-ID")
	routeName := "raw"
	if rt != nil {
		routeName = rt.Name
	}
	logger := f.logger.With().
		Str("route", routeName).
		Str("target", target).
		Str("request_id", requestID).
		Logger()

	if err := f.currentValidator().Validate(target); err != nil {
		logger.Warn().Err(err).Msg("target rejected")
		domain.WriteError(w, requestID, err, f.exposeDetails)
		return
	}

	cacheable := rt != nil && f.cache != nil && rt.CacheTTL > 0 && r.Method == http.MethodGet
	key := CacheKey(r.Method, target)
	if cacheable {
		if cached, ok := f.cache.Get(key, time.Now()); ok {
			f.metrics.RecordCacheHit(routeName)
			writeCached(w, cached)
			f.recordForward(routeName)
			return
		}
		f.metrics.RecordCacheMiss(routeName)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxForwardBody+1))
	if err != nil {
		domain.WriteError(w, requestID, domain.Internal("failed to read request body"), f.exposeDetails)
		return
	}
	if len(body) > maxForwardBody {
		logger.Warn().Int("limit", maxForwardBody).Msg("request body over forwarding limit")
		domain.WriteError(w, requestID, domain.PayloadTooLarge(maxForwardBody), f.exposeDetails)
		return
	}

	headers := f.outboundHeaders(r, rt)

	start := time.Now()
	resp, err := f.attempt(r, target, headers, body, routeName, logger)
	f.metrics.RecordUpstream(routeName, time.Since(start))
	if err != nil {
		logger.Error().Err(err).Msg("upstream request failed after retries")
		if governance.IsTimeout(err) {
			domain.WriteError(w, requestID, domain.UpstreamTimeout(err), f.exposeDetails)
		} else {
			domain.WriteError(w, requestID, domain.UpstreamFailure(err), f.exposeDetails)
		}
		return
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("close upstream response body failed")
		}
	}()

	copyResponseHeaders(w.Header(), resp.Header)

	if cacheable && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		payload, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			domain.WriteError(w, requestID, domain.UpstreamFailure(readErr), f.exposeDetails)
			return
		}
		f.cache.Put(key, CachedResponse{
			Status: resp.StatusCode,
			Header: resp.Header.Clone(),
			Body:   payload,
		}, rt.CacheTTL, time.Now())
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(payload)
		f.recordForward(routeName)
		return
	}

	w.WriteHeader(resp.StatusCode)
	if _, copyErr := io.Copy(w, resp.Body); copyErr != nil {
		logger.Error().Err(copyErr).Msg("stream upstream response failed")
		return
	}
	f.recordForward(routeName)
}

// attempt issues the outbound call, retrying transient transport failures
// up to the configured budget with no added backoff. Upstream responses,
// 4xx included, pass through without retry.
func (f *Forwarder) attempt(r *http.Request, target string, headers http.Header, body []byte, routeName string, logger zerolog.Logger) (*http.Response, error) {
	var lastErr error
	for attemptN := 0; ; attemptN++ {
		ctx, cancel := context.WithTimeout(r.Context(), f.timeout)
		req, err := http.NewRequestWithContext(ctx, r.Method, target, bytes.NewReader(body))
		if err != nil {
			cancel()
			return nil, err
		}
		req.Header = headers.Clone()

		resp, err := f.client.Do(req)
		if err == nil {
			// The context must outlive the response body read; tie its
			// cancellation to body close.
			resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
			return resp, nil
		}
		cancel()
		lastErr = err

		if !f.retry.ShouldRetry(attemptN, err) {
			return nil, lastErr
		}
		f.metrics.RecordRetry(routeName)
		logger.Warn().Err(err).Int("attempt", attemptN+1).Msg("retrying transient upstream failure")
	}
}

// outboundHeaders merges inbound headers (minus hop-by-hop), route header
// overrides, and route auth. The inbound Authorization header is forwarded
// only when the route declares no auth of its own.
func (f *Forwarder) outboundHeaders(r *http.Request, rt *Route) http.Header {
	headers := make(http.Header)
	for name, values := range r.Header {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(name)]; hop {
			continue
		}
		for _, v := range values {
			headers.Add(name, v)
		}
	}
	headers.Del("Host")

	if rt != nil {
		for name, value := range rt.Headers {
			headers.Set(name, value)
		}
		if rt.Auth.Type != AuthNone {
			rt.Auth.Apply(headers)
		}
	}
	return headers
}

func (f *Forwarder) recordForward(routeName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.stats[routeName]
	if !ok {
		st = &RouteStats{}
		f.stats[routeName] = st
	}
	st.Forwarded++
}

// copyResponseHeaders copies upstream headers, skipping hop-by-hop entries
// and upstream CORS headers: the gateway owns the CORS surface.
func copyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		canonical := http.CanonicalHeaderKey(name)
		if _, hop := hopHeaders[canonical]; hop {
			continue
		}
		if strings.HasPrefix(canonical, "Access-Control-") {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func writeCached(w http.ResponseWriter, cached CachedResponse) {
	copyResponseHeaders(w.Header(), cached.Header)
	w.Header().Set("X-Cache", "HIT")
	w.WriteHeader(cached.Status)
	_, _ = w.Write(cached.Body)
}

// cancelOnClose releases the attempt's timeout context when the response
// body is fully consumed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
