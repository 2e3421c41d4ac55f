// Package gateway assembles the security chain, the rate gate and the proxy
// forwarder into one http.Handler with health and admin surfaces.
package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mocklab/devgate/internal/governance"
	"github.com/mocklab/devgate/pkg/config"
	"github.com/mocklab/devgate/pkg/proxy"
	"github.com/mocklab/devgate/pkg/security"
	"github.com/mocklab/devgate/pkg/telemetry"
)

// Gateway owns the constructed gates and the forwarder. Proxy routing,
// domain lists and cache policy are rebuilt wholesale on Reload; auth, CORS
// and rate-limit settings are fixed for the process lifetime.
type Gateway struct {
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	gate    *governance.RateGate
	fwd     *proxy.Forwarder
	cache   *proxy.ResponseCache
	chain   *security.Chain
	mux     *http.ServeMux

	configPath string

	mu         sync.Mutex
	advisories []string
	startedAt  time.Time
}

// New builds the gateway from configuration. configPath is re-read on
// Reload. Advisory configuration problems never abort construction; they
// are surfaced on /health.
func New(cfg *config.Config, configPath string, logger zerolog.Logger) *Gateway {
	metrics := telemetry.NewMetrics()

	gate := governance.NewRateGate(governance.RateGateConfig{
		Window:         cfg.RateLimit.Window,
		MaxRequests:    cfg.RateLimit.MaxRequests,
		BlockDuration:  cfg.RateLimit.BlockDuration,
		SweepInterval:  cfg.RateLimit.SweepInterval,
		IdleExpiry:     cfg.RateLimit.IdleExpiry,
		SensitivePaths: cfg.RateLimit.SensitivePaths,
		OnBlock:        func(string) { metrics.RecordBlocked() },
	}, logger)

	exposeDetails := !cfg.IsProduction()

	cache := proxy.NewResponseCache(cfg.Proxy.Cache.MaxEntries)
	fwd := proxy.NewForwarder(proxy.ForwarderConfig{
		Timeout:       time.Duration(cfg.Proxy.TimeoutMs) * time.Millisecond,
		MaxRetries:    cfg.Proxy.MaxRetries,
		ExposeDetails: exposeDetails,
	}, buildValidator(cfg), cache, logger, metrics)
	fwd.SetRoutes(proxy.BuildRoutes(cfg.Proxy.ResolveRoutes(logger), logger))

	chain := security.NewChain(security.ChainOptions{
		Origin:          security.NewOriginGuard(cfg.CORS),
		Gate:            gate,
		Auth:            security.NewAuthenticator(cfg.Auth),
		Metrics:         metrics,
		Logger:          logger,
		AdminPathPrefix: cfg.RateLimit.AdminPathPrefix,
		ExposeDetails:   exposeDetails,
	})

	g := &Gateway{
		logger:     logger.With().Str("component", "gateway").Logger(),
		metrics:    metrics,
		gate:       gate,
		fwd:        fwd,
		cache:      cache,
		chain:      chain,
		mux:        http.NewServeMux(),
		configPath: configPath,
		startedAt:  time.Now(),
	}
	g.recordAdvisories(cfg)
	g.registerRoutes(exposeDetails)
	return g
}

func buildValidator(cfg *config.Config) *proxy.TargetValidator {
	return proxy.NewTargetValidator(
		config.ParseList(cfg.Proxy.AllowedDomains),
		config.ParseList(cfg.Proxy.BlockedDomains),
	)
}

func (g *Gateway) registerRoutes(exposeDetails bool) {
	proxyHandler := proxy.NewHandler(g.fwd, exposeDetails)
	g.mux.Handle("/proxy", g.chain.Public(proxyHandler))
	g.mux.Handle("/proxy/", g.chain.Public(proxyHandler))

	g.mux.Handle("/health", g.chain.Public(http.HandlerFunc(g.handleHealth)))
	g.mux.Handle("/metrics", g.chain.Admin(g.metrics.Handler()))
	g.mux.Handle("/admin/routes", g.chain.Admin(http.HandlerFunc(g.handleRoutes)))
	g.mux.Handle("/admin/clients", g.chain.Admin(http.HandlerFunc(g.handleClients)))
	g.mux.Handle("/admin/reload", g.chain.Admin(http.HandlerFunc(g.handleReload)))
}

// Handler returns the composed gateway handler.
func (g *Gateway) Handler() http.Handler {
	return g.mux
}

// Chain exposes the prebuilt pipelines so callers can register additional
// route handlers (mock data, GraphQL, WebSocket upgrades) behind them.
func (g *Gateway) Chain() *security.Chain {
	return g.chain
}

// Reload rebuilds the proxy route table, domain lists and cache policy from
// a freshly loaded configuration. The cache is purged so old policies never
// serve stale bodies.
func (g *Gateway) Reload(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	g.fwd.SetValidator(buildValidator(cfg))
	g.fwd.SetRoutes(proxy.BuildRoutes(cfg.Proxy.ResolveRoutes(g.logger), g.logger))
	g.cache.Purge()
	g.recordAdvisories(cfg)

	g.logger.Info().Str("path", path).Msg("proxy configuration rebuilt")
	return nil
}

func (g *Gateway) recordAdvisories(cfg *config.Config) {
	problems := cfg.Validate()
	advisories := make([]string, 0, len(problems))
	for _, p := range problems {
		g.logger.Warn().Str("problem", p.Error()).Msg("configuration advisory")
		advisories = append(advisories, p.Error())
	}
	g.mu.Lock()
	g.advisories = advisories
	g.mu.Unlock()
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	g.mu.Lock()
	advisories := append([]string(nil), g.advisories...)
	g.mu.Unlock()

	status := "ok"
	if len(advisories) > 0 {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"uptime":     time.Since(g.startedAt).Round(time.Second).String(),
		"advisories": advisories,
	})
}

func (g *Gateway) handleRoutes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"routes": g.fwd.Summaries(),
	})
}

func (g *Gateway) handleClients(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		identity := r.URL.Query().Get("identity")
		if identity != "" {
			g.gate.Release(identity)
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"clients": g.gate.Snapshot(),
	})
}

func (g *Gateway) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := g.Reload(g.configPath); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Close stops the sweep loops and block-release timers.
func (g *Gateway) Close() {
	g.gate.Close()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
