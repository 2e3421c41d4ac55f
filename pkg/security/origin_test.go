package security

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/mocklab/devgate/pkg/config"
)

func corsConfig(origins ...string) config.CORSConfig {
	return config.CORSConfig{
		AllowedOrigins: origins,
		AllowedMethods: "GET, POST, OPTIONS",
		AllowedHeaders: "Content-Type, Authorization",
		ExposeHeaders:  "X-Request-ID",
		MaxAge:         86400,
	}
}

func TestOriginGuardExactMatch(t *testing.T) {
	g := NewOriginGuard(corsConfig("http://localhost:3000", "https://app.example.com"))

	echo, ok := g.Validate("http://localhost:3000")
	require.True(t, ok)
	assert.Equal(t, "http://localhost:3000", echo)

	_, ok = g.Validate("http://localhost:3001")
	assert.False(t, ok)
}

func TestOriginGuardWildcardMatch(t *testing.T) {
	g := NewOriginGuard(corsConfig("https://*.example.com"))

	tests := []struct {
		origin string
		want   bool
	}{
		{"https://app.example.com", true},
		{"https://staging.app.example.com", true},
		{"https://example.com", false},
		{"https://app.example.com.evil.io", false},
		{"http://app.example.com", false},
	}
	for _, tt := range tests {
		_, ok := g.Validate(tt.origin)
		assert.Equal(t, tt.want, ok, "origin %s", tt.origin)
	}
}

func TestOriginGuardLiteralStarEchoesOrigin(t *testing.T) {
	g := NewOriginGuard(corsConfig("*"))

	echo, ok := g.Validate("https://anything.example.net")
	require.True(t, ok)
	// The requesting origin is echoed verbatim, never the literal "*", so
	// credentialed requests keep working.
	assert.Equal(t, "https://anything.example.net", echo)
}

func TestOriginGuardCheckDirectRequestPasses(t *testing.T) {
	g := NewOriginGuard(corsConfig("http://localhost:3000"))

	r := httptest.NewRequest("GET", "/api/users", nil)
	echo, err := g.Check(r)
	require.NoError(t, err)
	assert.Empty(t, echo)
}

func TestOriginGuardCheckRefererFallback(t *testing.T) {
	g := NewOriginGuard(corsConfig("http://localhost:3000"))

	r := httptest.NewRequest("GET", "/api/users", nil)
	r.Header.Set("Referer", "http://localhost:3000/dashboard/settings")
	echo, err := g.Check(r)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000", echo)

	r = httptest.NewRequest("GET", "/api/users", nil)
	r.Header.Set("Referer", "http://evil.example.com/page")
	_, err = g.Check(r)
	assert.Error(t, err)
}

func TestOriginGuardApplyCORS(t *testing.T) {
	g := NewOriginGuard(corsConfig("http://localhost:3000"))

	w := httptest.NewRecorder()
	g.ApplyCORS(w, "http://localhost:3000")
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "X-Request-ID", w.Header().Get("Access-Control-Expose-Headers"))
	assert.Contains(t, w.Header().Values("Vary"), "Origin")

	// Direct requests get no CORS headers at all.
	w = httptest.NewRecorder()
	g.ApplyCORS(w, "")
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestOriginGuardApplyPreflight(t *testing.T) {
	g := NewOriginGuard(corsConfig("http://localhost:3000"))

	w := httptest.NewRecorder()
	g.ApplyPreflight(w, "http://localhost:3000")
	assert.Equal(t, "GET, POST, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type, Authorization", w.Header().Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "86400", w.Header().Get("Access-Control-Max-Age"))
}

func TestOriginGuardWildcardProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		sub := rapid.StringMatching(`[a-z0-9-]{1,20}`).Draw(t, "sub")
		g := NewOriginGuard(corsConfig("https://*.example.com"))

		origin := "https://" + sub + ".example.com"
		echo, ok := g.Validate(origin)
		require.True(t, ok, "origin %s must match the wildcard", origin)
		require.Equal(t, origin, echo)

		// Appending a foreign suffix must break the match: the pattern is
		// anchored at both ends.
		_, ok = g.Validate(origin + ".evil.io")
		require.False(t, ok)
	})
}
