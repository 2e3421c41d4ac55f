// Package proxy implements the outbound forwarding engine: target
// validation against domain allow/block lists, path rewriting, per-route
// auth injection, bounded retries and an optional TTL response cache.
package proxy

import (
	"encoding/base64"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mocklab/devgate/pkg/config"
)

// AuthType selects the outbound auth injection strategy for a route.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBearer AuthType = "bearer"
	AuthBasic  AuthType = "basic"
	AuthAPIKey AuthType = "apikey"
)

// RouteAuth is the resolved outbound auth for a route.
type RouteAuth struct {
	Type     AuthType
	Token    string
	Username string
	Password string
	Header   string
	Key      string
}

// Apply injects the route's credentials into the outbound header set.
func (a RouteAuth) Apply(h http.Header) {
	switch a.Type {
	case AuthBearer:
		h.Set("Authorization", "Bearer "+a.Token)
	case AuthBasic:
		encoded := base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password))
		h.Set("Authorization", "Basic "+encoded)
	case AuthAPIKey:
		name := a.Header
		if name == "" {
			name = "X-API-Key"
		}
		h.Set(name, a.Key)
	}
}

// rewriteRule is a compiled pattern→replacement pair.
type rewriteRule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Route is an immutable named proxy target. Routes are fully rebuilt, never
// patched, on configuration reload.
type Route struct {
	Name     string
	Target   *url.URL
	Headers  map[string]string
	Auth     RouteAuth
	rewrites []rewriteRule
	// CacheTTL is zero when responses for the route are not cached.
	CacheTTL time.Duration
}

// RewritePath applies the route's ordered rewrite rules; the first matching
// pattern wins.
func (rt *Route) RewritePath(path string) string {
	for _, rule := range rt.rewrites {
		if rule.pattern.MatchString(path) {
			return rule.pattern.ReplaceAllString(path, rule.replacement)
		}
	}
	return path
}

// BuildRoutes compiles resolved route specs into the immutable table the
// forwarder serves from. Bad targets or rewrite patterns drop the offending
// route or rule with a warning, never an error: a broken route string must
// not take the gateway down.
func BuildRoutes(specs []config.RouteSpec, logger zerolog.Logger) map[string]*Route {
	routes := make(map[string]*Route, len(specs))
	for _, spec := range specs {
		target, err := url.Parse(spec.Target)
		if err != nil || target.Scheme == "" || target.Host == "" {
			logger.Warn().Str("route", spec.Name).Str("target", spec.Target).
				Msg("dropping route with unparsable target url")
			continue
		}

		rt := &Route{
			Name:     spec.Name,
			Target:   target,
			Headers:  spec.Headers,
			Auth:     buildAuth(spec.Auth, spec.Name, logger),
			CacheTTL: spec.CacheTTL,
		}
		for _, rule := range spec.Rewrites {
			re, err := regexp.Compile(rule.Pattern)
			if err != nil {
				logger.Warn().Str("route", spec.Name).Str("pattern", rule.Pattern).
					Msg("dropping unparsable rewrite rule")
				continue
			}
			rt.rewrites = append(rt.rewrites, rewriteRule{pattern: re, replacement: rule.Replacement})
		}
		routes[spec.Name] = rt
	}
	return routes
}

func buildAuth(a config.RouteAuth, routeName string, logger zerolog.Logger) RouteAuth {
	switch AuthType(strings.ToLower(a.Type)) {
	case AuthNone, "":
		return RouteAuth{Type: AuthNone}
	case AuthBearer:
		return RouteAuth{Type: AuthBearer, Token: a.Token}
	case AuthBasic:
		return RouteAuth{Type: AuthBasic, Username: a.Username, Password: a.Password}
	case AuthAPIKey:
		return RouteAuth{Type: AuthAPIKey, Header: a.Header, Key: a.Key}
	default:
		logger.Warn().Str("route", routeName).Str("type", a.Type).
			Msg("unknown route auth type; treating as none")
		return RouteAuth{Type: AuthNone}
	}
}
