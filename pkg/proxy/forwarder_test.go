package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mocklab/devgate/pkg/config"
	"github.com/mocklab/devgate/pkg/domain"
	"github.com/mocklab/devgate/pkg/telemetry"
)

func newTestForwarder(t *testing.T, cfg ForwarderConfig, specs ...config.RouteSpec) *Forwarder {
	t.Helper()
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	cfg.ExposeDetails = true
	f := NewForwarder(cfg, NewTargetValidator(nil, nil), NewResponseCache(100),
		zerolog.Nop(), telemetry.NewMetrics())
	f.SetRoutes(BuildRoutes(specs, zerolog.Nop()))
	return f
}

func proxyRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) domain.ErrorEnvelope {
	t.Helper()
	var env domain.ErrorEnvelope
	require.NoError(t, json.NewDecoder(w.Body).Decode(&env))
	return env
}

func TestForwardNamedRewritesAndForwards(t *testing.T) {
	var gotPath, gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	f := newTestForwarder(t, ForwarderConfig{}, config.RouteSpec{
		Name:     "api",
		Target:   upstream.URL,
		Rewrites: []config.RewriteRule{{Pattern: `^/v1/(.*)$`, Replacement: "/internal/$1"}},
	})
	h := NewHandler(f, true)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, proxyRequest("GET", "/proxy/api/v1/users?page=2"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/internal/users", gotPath)
	assert.Equal(t, "page=2", gotQuery)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestForwardInjectsRouteAuth(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := newTestForwarder(t, ForwarderConfig{}, config.RouteSpec{
		Name:   "api",
		Target: upstream.URL,
		Auth:   config.RouteAuth{Type: "bearer", Token: "route-token"},
	})
	h := NewHandler(f, true)

	// The route credential replaces whatever the client sent.
	r := proxyRequest("GET", "/proxy/api/users")
	r.Header.Set("Authorization", "Bearer client-token")
	h.ServeHTTP(httptest.NewRecorder(), r)

	assert.Equal(t, "Bearer route-token", gotAuth)
}

func TestForwardPassesClientAuthWhenRouteHasNone(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := newTestForwarder(t, ForwarderConfig{}, config.RouteSpec{Name: "api", Target: upstream.URL})
	h := NewHandler(f, true)

	r := proxyRequest("GET", "/proxy/api/users")
	r.Header.Set("Authorization", "Bearer client-token")
	h.ServeHTTP(httptest.NewRecorder(), r)

	assert.Equal(t, "Bearer client-token", gotAuth)
}

func TestForwardSetsRouteHeaders(t *testing.T) {
	var gotHeader string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Tenant")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := newTestForwarder(t, ForwarderConfig{}, config.RouteSpec{
		Name:    "api",
		Target:  upstream.URL,
		Headers: map[string]string{"X-Tenant": "dev"},
	})
	h := NewHandler(f, true)

	h.ServeHTTP(httptest.NewRecorder(), proxyRequest("GET", "/proxy/api/users"))
	assert.Equal(t, "dev", gotHeader)
}

func TestForwardBodyReachesUpstream(t *testing.T) {
	var gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()

	f := newTestForwarder(t, ForwarderConfig{}, config.RouteSpec{Name: "api", Target: upstream.URL})
	h := NewHandler(f, true)

	r := httptest.NewRequest("POST", "/proxy/api/users", strings.NewReader(`{"name":"bob"}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, `{"name":"bob"}`, gotBody)
}

func TestForwardRejectsOversizedBody(t *testing.T) {
	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := newTestForwarder(t, ForwarderConfig{}, config.RouteSpec{Name: "api", Target: upstream.URL})
	h := NewHandler(f, true)

	oversized := bytes.NewReader(make([]byte, maxForwardBody+1))
	r := httptest.NewRequest("POST", "/proxy/api/upload", oversized)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	// The body must be rejected whole, never forwarded truncated.
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	env := decodeError(t, w)
	assert.Equal(t, domain.CodePayloadTooLarge, env.Error.Code)
	assert.Equal(t, int64(0), calls.Load())
}

func TestForwardBodyAtLimitForwarded(t *testing.T) {
	var gotLen int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotLen = len(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := newTestForwarder(t, ForwarderConfig{}, config.RouteSpec{Name: "api", Target: upstream.URL})
	h := NewHandler(f, true)

	r := httptest.NewRequest("POST", "/proxy/api/upload", bytes.NewReader(make([]byte, maxForwardBody)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, maxForwardBody, gotLen)
}

func TestForward4xxPassesThroughUnretried(t *testing.T) {
	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"missing"}`))
	}))
	defer upstream.Close()

	f := newTestForwarder(t, ForwarderConfig{MaxRetries: 5}, config.RouteSpec{Name: "api", Target: upstream.URL})
	h := NewHandler(f, true)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, proxyRequest("GET", "/proxy/api/users/999"))

	// Upstream responses are never retried; the status and body pass through.
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"missing"}`, w.Body.String())
	assert.Equal(t, int64(1), calls.Load())
}

func TestForwardUnreachableUpstreamIs502(t *testing.T) {
	f := newTestForwarder(t, ForwarderConfig{MaxRetries: 1}, config.RouteSpec{
		Name:   "api",
		Target: "http://127.0.0.1:1", // nothing listens here
	})
	h := NewHandler(f, true)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, proxyRequest("GET", "/proxy/api/users"))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	env := decodeError(t, w)
	assert.Equal(t, domain.CodeUpstreamError, env.Error.Code)
}

func TestForwardSlowUpstreamIs504(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := newTestForwarder(t, ForwarderConfig{Timeout: 30 * time.Millisecond, MaxRetries: 0},
		config.RouteSpec{Name: "api", Target: upstream.URL})
	h := NewHandler(f, true)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, proxyRequest("GET", "/proxy/api/slow"))

	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	env := decodeError(t, w)
	assert.Equal(t, domain.CodeUpstreamTimeout, env.Error.Code)
}

func TestForwardCachesGetResponses(t *testing.T) {
	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"n":1}`))
	}))
	defer upstream.Close()

	f := newTestForwarder(t, ForwarderConfig{}, config.RouteSpec{
		Name:     "api",
		Target:   upstream.URL,
		CacheTTL: time.Minute,
	})
	h := NewHandler(f, true)

	first := httptest.NewRecorder()
	h.ServeHTTP(first, proxyRequest("GET", "/proxy/api/users"))
	second := httptest.NewRecorder()
	h.ServeHTTP(second, proxyRequest("GET", "/proxy/api/users"))

	assert.Equal(t, int64(1), calls.Load(), "second request must be served from cache")
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.Empty(t, first.Header().Get("X-Cache"))
}

func TestForwardNeverCachesPost(t *testing.T) {
	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := newTestForwarder(t, ForwarderConfig{}, config.RouteSpec{
		Name:     "api",
		Target:   upstream.URL,
		CacheTTL: time.Minute,
	})
	h := NewHandler(f, true)

	h.ServeHTTP(httptest.NewRecorder(), proxyRequest("POST", "/proxy/api/users"))
	h.ServeHTTP(httptest.NewRecorder(), proxyRequest("POST", "/proxy/api/users"))

	assert.Equal(t, int64(2), calls.Load())
}

func TestForwardNeverCachesErrors(t *testing.T) {
	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	f := newTestForwarder(t, ForwarderConfig{}, config.RouteSpec{
		Name:     "api",
		Target:   upstream.URL,
		CacheTTL: time.Minute,
	})
	h := NewHandler(f, true)

	h.ServeHTTP(httptest.NewRecorder(), proxyRequest("GET", "/proxy/api/users"))
	h.ServeHTTP(httptest.NewRecorder(), proxyRequest("GET", "/proxy/api/users"))

	assert.Equal(t, int64(2), calls.Load())
}

func TestForwardStripsUpstreamCORSHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := newTestForwarder(t, ForwarderConfig{}, config.RouteSpec{Name: "api", Target: upstream.URL})
	h := NewHandler(f, true)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, proxyRequest("GET", "/proxy/api/users"))

	// The gateway owns CORS; upstream CORS headers must not leak through.
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "yes", w.Header().Get("X-Upstream"))
}

func TestForwardValidatorRejectsBlockedTarget(t *testing.T) {
	f := NewForwarder(ForwarderConfig{Timeout: time.Second, ExposeDetails: true},
		NewTargetValidator(nil, []string{"127.0.0.1"}), NewResponseCache(10),
		zerolog.Nop(), telemetry.NewMetrics())
	h := NewHandler(f, true)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, proxyRequest("GET", "/proxy?url=http://127.0.0.1:8080/secret"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	env := decodeError(t, w)
	assert.Equal(t, domain.CodeInvalidTarget, env.Error.Code)
}

func TestForwardRawViaURLParam(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("raw"))
	}))
	defer upstream.Close()

	f := newTestForwarder(t, ForwarderConfig{})
	h := NewHandler(f, true)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, proxyRequest("GET", "/proxy?url="+upstream.URL+"/data"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "raw", w.Body.String())
}

func TestHandlerMissingURLParam(t *testing.T) {
	f := newTestForwarder(t, ForwarderConfig{})
	h := NewHandler(f, true)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, proxyRequest("GET", "/proxy"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	env := decodeError(t, w)
	assert.Equal(t, domain.CodeInvalidTarget, env.Error.Code)
}

func TestHandlerUnknownRoute(t *testing.T) {
	f := newTestForwarder(t, ForwarderConfig{})
	h := NewHandler(f, true)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, proxyRequest("GET", "/proxy/nope/users"))

	assert.Equal(t, http.StatusNotFound, w.Code)
	env := decodeError(t, w)
	assert.Equal(t, domain.CodeRouteNotFound, env.Error.Code)
}

func TestForwarderSetRoutesDropsStaleStats(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := newTestForwarder(t, ForwarderConfig{}, config.RouteSpec{Name: "api", Target: upstream.URL})
	h := NewHandler(f, true)
	h.ServeHTTP(httptest.NewRecorder(), proxyRequest("GET", "/proxy/api/users"))

	summaries := f.Summaries()
	require.Len(t, summaries, 1)
	assert.Equal(t, int64(1), summaries[0].Forwarded)

	f.SetRoutes(BuildRoutes([]config.RouteSpec{{Name: "other", Target: upstream.URL}}, zerolog.Nop()))
	summaries = f.Summaries()
	require.Len(t, summaries, 1)
	assert.Equal(t, "other", summaries[0].Name)
	assert.Equal(t, int64(0), summaries[0].Forwarded)
}
