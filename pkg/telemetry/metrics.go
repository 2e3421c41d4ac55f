// Package telemetry exposes the gateway's Prometheus metrics: request and
// denial counters for the security chain, and upstream latency, retry and
// cache counters for the proxy forwarder.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all gateway metrics on an isolated registry so tests can
// construct independent instances.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	denialsTotal    *prometheus.CounterVec
	blockedTotal    prometheus.Counter

	upstreamLatency *prometheus.HistogramVec
	upstreamRetries *prometheus.CounterVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance with its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devgate_requests_total",
				Help: "Total requests by chain, method and status",
			},
			[]string{"chain", "method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "devgate_request_duration_seconds",
				Help:    "Request latency through the security chain in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"chain"},
		),
		denialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devgate_denials_total",
				Help: "Gate denials by error code",
			},
			[]string{"code"},
		),
		blockedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "devgate_blocked_identities_total",
				Help: "Identities promoted into the temporary block set",
			},
		),
		upstreamLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "devgate_upstream_duration_seconds",
				Help:    "Outbound proxy latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		upstreamRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devgate_upstream_retries_total",
				Help: "Outbound retry attempts by route",
			},
			[]string{"route"},
		),
		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devgate_proxy_cache_hits_total",
				Help: "Proxy cache hits by route",
			},
			[]string{"route"},
		),
		cacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devgate_proxy_cache_misses_total",
				Help: "Proxy cache misses by route",
			},
			[]string{"route"},
		),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.denialsTotal,
		m.blockedTotal,
		m.upstreamLatency,
		m.upstreamRetries,
		m.cacheHits,
		m.cacheMisses,
	)
	m.registry = registry
	return m
}

// RecordRequest records one chain traversal.
func (m *Metrics) RecordRequest(chain, method string, status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(chain, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(chain).Observe(duration.Seconds())
}

// RecordDenial records one gate denial by machine code.
func (m *Metrics) RecordDenial(code string) {
	m.denialsTotal.WithLabelValues(code).Inc()
}

// RecordBlocked records one block-set promotion.
func (m *Metrics) RecordBlocked() {
	m.blockedTotal.Inc()
}

// RecordUpstream records one outbound call's latency.
func (m *Metrics) RecordUpstream(route string, duration time.Duration) {
	m.upstreamLatency.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordRetry records one outbound retry attempt.
func (m *Metrics) RecordRetry(route string) {
	m.upstreamRetries.WithLabelValues(route).Inc()
}

// RecordCacheHit records a proxy cache hit.
func (m *Metrics) RecordCacheHit(route string) {
	m.cacheHits.WithLabelValues(route).Inc()
}

// RecordCacheMiss records a proxy cache miss.
func (m *Metrics) RecordCacheMiss(route string) {
	m.cacheMisses.WithLabelValues(route).Inc()
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
