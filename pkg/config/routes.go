package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// RouteSpec is a fully resolved proxy route definition, ready to be compiled
// by the forwarder. Specs are rebuilt wholesale on every reload.
type RouteSpec struct {
	Name     string
	Target   string
	Auth     RouteAuth
	Headers  map[string]string
	Rewrites []RewriteRule
	// CacheTTL is zero when caching is disabled for the route.
	CacheTTL time.Duration
}

// ParseRouteTable parses the delimited "name:url,name2:url2" route table.
// Malformed entries are dropped with a warning, never fatal.
func ParseRouteTable(table string, logger zerolog.Logger) []RouteSpec {
	if strings.TrimSpace(table) == "" {
		return nil
	}

	var specs []RouteSpec
	seen := make(map[string]bool)
	for _, entry := range strings.Split(table, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			logger.Warn().Str("entry", entry).Msg("dropping malformed proxy route entry")
			continue
		}
		name := strings.TrimSpace(parts[0])
		target := strings.TrimSpace(parts[1])
		if name == "" || target == "" {
			logger.Warn().Str("entry", entry).Msg("dropping proxy route entry with empty name or url")
			continue
		}
		if seen[name] {
			logger.Warn().Str("route", name).Msg("dropping duplicate proxy route entry")
			continue
		}
		seen[name] = true
		specs = append(specs, RouteSpec{Name: name, Target: target})
	}
	return specs
}

// ResolveRoutes merges the route table with per-route settings and the cache
// policy into the specs the forwarder consumes. Settings names match route
// names case-insensitively: the env override path lowercases route names.
func (p ProxyConfig) ResolveRoutes(logger zerolog.Logger) []RouteSpec {
	specs := ParseRouteTable(p.Routes, logger)
	settingsByName := make(map[string]RouteSettings, len(p.RouteSettings))
	for name, s := range p.RouteSettings {
		settingsByName[strings.ToLower(name)] = s
	}
	for i := range specs {
		settings, ok := settingsByName[strings.ToLower(specs[i].Name)]
		if !ok {
			if p.Cache.Enabled {
				specs[i].CacheTTL = p.Cache.TTL
			}
			continue
		}
		specs[i].Auth = settings.Auth
		specs[i].Headers = settings.Headers
		specs[i].Rewrites = settings.Rewrites
		if p.Cache.Enabled {
			specs[i].CacheTTL = p.Cache.TTL
			if settings.CacheTTL > 0 {
				specs[i].CacheTTL = settings.CacheTTL
			}
		}
	}
	return specs
}

// Validate returns advisory problems with the configuration. The gateway
// starts regardless; the list is surfaced through the health endpoint.
func (c *Config) Validate() []error {
	var problems []error

	if c.Proxy.TimeoutMs < MinProxyTimeoutMs || c.Proxy.TimeoutMs > MaxProxyTimeoutMs {
		problems = append(problems, fmt.Errorf(
			"proxy timeout %dms outside [%d,%d]ms", c.Proxy.TimeoutMs, MinProxyTimeoutMs, MaxProxyTimeoutMs))
	}
	if c.Proxy.MaxRetries < 0 || c.Proxy.MaxRetries > MaxProxyRetries {
		problems = append(problems, fmt.Errorf(
			"proxy retries %d outside [0,%d]", c.Proxy.MaxRetries, MaxProxyRetries))
	}

	for _, spec := range ParseRouteTable(c.Proxy.Routes, zerolog.Nop()) {
		if u, err := url.Parse(spec.Target); err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, fmt.Errorf("route %q has unparsable url %q", spec.Name, spec.Target))
		}
	}

	for name, settings := range c.Proxy.RouteSettings {
		if err := settings.Auth.validate(); err != nil {
			problems = append(problems, fmt.Errorf("route %q: %w", name, err))
		}
	}

	switch c.Auth.Mode {
	case AuthModeDisabled:
	case AuthModeBypass:
		if c.Auth.BypassHeader == "" || c.Auth.BypassValue == "" {
			problems = append(problems, fmt.Errorf("auth mode bypass requires bypass_header and bypass_value"))
		}
	case AuthModeDevToken:
		if c.Auth.DevToken == "" {
			problems = append(problems, fmt.Errorf("auth mode dev-token requires dev_token"))
		}
	case AuthModeBasic:
		if c.Auth.BasicUser == "" || c.Auth.BasicPass == "" {
			problems = append(problems, fmt.Errorf("auth mode basic requires basic_user and basic_pass"))
		}
	case AuthModeJWT:
		if c.Auth.JWTSecret == "" {
			problems = append(problems, fmt.Errorf("auth mode jwt requires jwt_secret"))
		}
	default:
		problems = append(problems, fmt.Errorf("unknown auth mode %q", c.Auth.Mode))
	}

	return problems
}

func (a RouteAuth) validate() error {
	switch strings.ToLower(a.Type) {
	case "", "none":
		return nil
	case "bearer":
		if a.Token == "" {
			return fmt.Errorf("bearer auth declared without token")
		}
	case "basic":
		if a.Username == "" || a.Password == "" {
			return fmt.Errorf("basic auth declared without username/password")
		}
	case "apikey":
		if a.Key == "" {
			return fmt.Errorf("apikey auth declared without key")
		}
	default:
		return fmt.Errorf("unknown auth type %q", a.Type)
	}
	return nil
}
