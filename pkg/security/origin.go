package security

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/mocklab/devgate/pkg/config"
	"github.com/mocklab/devgate/pkg/domain"
)

// OriginGuard validates Origin/Referer against the configured allow-list and
// emits CORS headers. Matchers are compiled once at configuration load.
type OriginGuard struct {
	allowAny  bool
	exact     map[string]struct{}
	wildcards []*regexp.Regexp
	allowList []string

	allowedMethods string
	allowedHeaders string
	exposeHeaders  string
	maxAge         string
}

// NewOriginGuard compiles the allow-list. Entries containing `*` become
// anchored regexes; the literal `*` entry echoes any requesting origin
// verbatim so credentialed cross-origin requests keep working.
func NewOriginGuard(cfg config.CORSConfig) *OriginGuard {
	g := &OriginGuard{
		exact:          make(map[string]struct{}),
		allowList:      cfg.AllowedOrigins,
		allowedMethods: cfg.AllowedMethods,
		allowedHeaders: cfg.AllowedHeaders,
		exposeHeaders:  cfg.ExposeHeaders,
		maxAge:         strconv.Itoa(cfg.MaxAge),
	}
	for _, entry := range cfg.AllowedOrigins {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "":
		case entry == "*":
			g.allowAny = true
		case strings.Contains(entry, "*"):
			pattern := "^" + strings.ReplaceAll(regexp.QuoteMeta(entry), `\*`, ".*") + "$"
			if re, err := regexp.Compile(pattern); err == nil {
				g.wildcards = append(g.wildcards, re)
			}
		default:
			g.exact[entry] = struct{}{}
		}
	}
	return g
}

// Validate checks one origin value against the allow-list and returns the
// origin to echo back on success.
func (g *OriginGuard) Validate(origin string) (echo string, ok bool) {
	if _, found := g.exact[origin]; found {
		return origin, true
	}
	for _, re := range g.wildcards {
		if re.MatchString(origin) {
			return origin, true
		}
	}
	if g.allowAny {
		return origin, true
	}
	return "", false
}

// Check extracts the requesting origin and validates it. Requests carrying
// neither Origin nor Referer are direct calls and always pass; the returned
// echo is empty for them.
func (g *OriginGuard) Check(r *http.Request) (echo string, err error) {
	origin := requestOrigin(r)
	if origin == "" {
		return "", nil
	}
	echo, ok := g.Validate(origin)
	if !ok {
		return "", domain.OriginDenied(origin, g.allowList)
	}
	return echo, nil
}

// ApplyCORS sets the response CORS headers for the validated origin. Applied
// on success and error paths alike so browsers always see them.
func (g *OriginGuard) ApplyCORS(w http.ResponseWriter, echo string) {
	if echo == "" {
		return
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", echo)
	h.Set("Access-Control-Allow-Credentials", "true")
	if g.exposeHeaders != "" {
		h.Set("Access-Control-Expose-Headers", g.exposeHeaders)
	}
	h.Add("Vary", "Origin")
}

// ApplyPreflight answers an OPTIONS preflight with the fixed allowed
// methods/headers/max-age. The caller responds 204 without reaching route
// handlers.
func (g *OriginGuard) ApplyPreflight(w http.ResponseWriter, echo string) {
	g.ApplyCORS(w, echo)
	h := w.Header()
	h.Set("Access-Control-Allow-Methods", g.allowedMethods)
	h.Set("Access-Control-Allow-Headers", g.allowedHeaders)
	h.Set("Access-Control-Max-Age", g.maxAge)
}

// requestOrigin returns the Origin header, falling back to the scheme://host
// of the Referer. A referer that does not parse is returned raw; it will not
// match the allow-list and is denied.
func requestOrigin(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" {
		return origin
	}
	referer := r.Header.Get("Referer")
	if referer == "" {
		return ""
	}
	u, err := url.Parse(referer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return referer
	}
	return u.Scheme + "://" + u.Host
}
