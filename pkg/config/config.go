// Package config provides configuration structures and loading logic for the
// gateway: server knobs, auth mode, CORS allow-list, rate limiting, and the
// proxy route table.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the global configuration for the gateway.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Auth      AuthConfig      `yaml:"auth"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Proxy     ProxyConfig     `yaml:"proxy"`

	// Environment selects production behaviour ("production" hides error
	// details in responses). Anything else is treated as development.
	Environment string `yaml:"environment"`
}

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Auth modes understood by the gateway.
const (
	AuthModeDisabled = "disabled"
	AuthModeBypass   = "bypass"
	AuthModeDevToken = "dev-token"
	AuthModeBasic    = "basic"
	AuthModeJWT      = "jwt"
)

// AuthConfig selects and parameterizes the authentication scheme.
type AuthConfig struct {
	Mode string `yaml:"mode"`

	BypassHeader string `yaml:"bypass_header"`
	BypassValue  string `yaml:"bypass_value"`

	DevToken string `yaml:"dev_token"`

	BasicUser string `yaml:"basic_user"`
	BasicPass string `yaml:"basic_pass"`

	JWTSecret    string `yaml:"jwt_secret"`
	JWTAlgorithm string `yaml:"jwt_algorithm"`
}

// CORSConfig holds the origin allow-list and the fixed preflight answers.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods string   `yaml:"allowed_methods"`
	AllowedHeaders string   `yaml:"allowed_headers"`
	ExposeHeaders  string   `yaml:"expose_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// RateLimitConfig parameterizes the fixed-window limiter, the risk scorer
// and the temporary block set.
type RateLimitConfig struct {
	Window          time.Duration `yaml:"window"`
	MaxRequests     int           `yaml:"max_requests"`
	BlockDuration   time.Duration `yaml:"block_duration"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	IdleExpiry      time.Duration `yaml:"idle_expiry"`
	AdminPathPrefix string        `yaml:"admin_path_prefix"`
	SensitivePaths  []string      `yaml:"sensitive_paths"`
}

// ProxyConfig holds the outbound forwarding configuration. Routes is a
// delimited table of the form "name:url,name2:url2"; per-route settings are
// keyed by route name.
type ProxyConfig struct {
	Routes         string                   `yaml:"routes"`
	RouteSettings  map[string]RouteSettings `yaml:"route_settings"`
	AllowedDomains string                   `yaml:"allowed_domains"`
	BlockedDomains string                   `yaml:"blocked_domains"`
	TimeoutMs      int                      `yaml:"timeout_ms"`
	MaxRetries     int                      `yaml:"max_retries"`
	Cache          CacheConfig              `yaml:"cache"`
}

// RouteSettings carries the per-route auth, header and rewrite configuration.
type RouteSettings struct {
	Auth     RouteAuth         `yaml:"auth"`
	Headers  map[string]string `yaml:"headers"`
	Rewrites []RewriteRule     `yaml:"rewrites"`
	// CacheTTL overrides the default cache TTL for this route. Zero means
	// use the default.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// RouteAuth describes outbound auth injection for a route.
type RouteAuth struct {
	Type     string `yaml:"type"` // none | bearer | basic | apikey
	Token    string `yaml:"token"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Header   string `yaml:"header"`
	Key      string `yaml:"key"`
}

// RewriteRule maps a path pattern to its replacement. Rules are applied in
// order; the first matching pattern wins.
type RewriteRule struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// CacheConfig holds the proxy response cache policy.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// Default bounds used by Validate.
const (
	MinProxyTimeoutMs = 1000
	MaxProxyTimeoutMs = 60000
	MaxProxyRetries   = 10
)

// Load reads configuration from a file and applies environment variable
// overrides. A missing path yields defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	applyRouteEnvOverrides(cfg)

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":4000",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     90 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		Auth: AuthConfig{
			Mode:         AuthModeDisabled,
			BypassHeader: "X-Dev-Bypass",
			JWTAlgorithm: "HS256",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:3000"},
			AllowedMethods: "GET, POST, PUT, PATCH, DELETE, OPTIONS",
			AllowedHeaders: "Content-Type, Authorization, X-Requested-With, X-Dev-Bypass",
			ExposeHeaders:  "X-Request-ID, X-Response-Time",
			MaxAge:         86400,
		},
		RateLimit: RateLimitConfig{
			Window:          time.Minute,
			MaxRequests:     100,
			BlockDuration:   15 * time.Minute,
			SweepInterval:   5 * time.Minute,
			IdleExpiry:      30 * time.Minute,
			AdminPathPrefix: "/admin",
			SensitivePaths:  []string{"/admin", "/metrics"},
		},
		Proxy: ProxyConfig{
			TimeoutMs:  30000,
			MaxRetries: 2,
			Cache: CacheConfig{
				TTL:        5 * time.Minute,
				MaxEntries: 500,
			},
		},
		Environment: "development",
	}
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("DEVGATE_LISTEN_ADDR"); val != "" {
		cfg.Server.ListenAddr = val
	}
	if val := os.Getenv("DEVGATE_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("DEVGATE_ENV"); val != "" {
		cfg.Environment = val
	}

	if val := os.Getenv("DEVGATE_AUTH_MODE"); val != "" {
		cfg.Auth.Mode = val
	}
	if val := os.Getenv("DEVGATE_AUTH_DEV_TOKEN"); val != "" {
		cfg.Auth.DevToken = val
	}
	if val := os.Getenv("DEVGATE_AUTH_JWT_SECRET"); val != "" {
		cfg.Auth.JWTSecret = val
	}

	if val := os.Getenv("DEVGATE_CORS_ALLOWED_ORIGINS"); val != "" {
		cfg.CORS.AllowedOrigins = ParseList(val)
	}

	if val := os.Getenv("DEVGATE_RATE_LIMIT_WINDOW_MS"); val != "" {
		if ms, err := strconv.Atoi(val); err == nil && ms > 0 {
			cfg.RateLimit.Window = time.Duration(ms) * time.Millisecond
		}
	}
	if val := os.Getenv("DEVGATE_RATE_LIMIT_MAX_REQUESTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			cfg.RateLimit.MaxRequests = n
		}
	}

	if val := os.Getenv("DEVGATE_PROXY_ROUTES"); val != "" {
		cfg.Proxy.Routes = val
	}
	if val := os.Getenv("DEVGATE_PROXY_ALLOWED_DOMAINS"); val != "" {
		cfg.Proxy.AllowedDomains = val
	}
	if val := os.Getenv("DEVGATE_PROXY_BLOCKED_DOMAINS"); val != "" {
		cfg.Proxy.BlockedDomains = val
	}
	if val := os.Getenv("DEVGATE_PROXY_TIMEOUT_MS"); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			cfg.Proxy.TimeoutMs = ms
		}
	}
	if val := os.Getenv("DEVGATE_PROXY_MAX_RETRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Proxy.MaxRetries = n
		}
	}
	if val := os.Getenv("DEVGATE_PROXY_CACHE_ENABLED"); val != "" {
		cfg.Proxy.Cache.Enabled = val == "true"
	}
}

// applyRouteEnvOverrides scans the environment for namespaced per-route keys
// of the form DEVGATE_ROUTE_<NAME>_<FIELD> and folds them into the route
// settings map. Route names are matched case-insensitively.
func applyRouteEnvOverrides(cfg *Config) {
	const prefix = "DEVGATE_ROUTE_"
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		pair := strings.SplitN(strings.TrimPrefix(kv, prefix), "=", 2)
		if len(pair) != 2 {
			continue
		}
		key, value := pair[0], pair[1]

		name, field, ok := splitRouteKey(key)
		if !ok {
			continue
		}
		if cfg.Proxy.RouteSettings == nil {
			cfg.Proxy.RouteSettings = make(map[string]RouteSettings)
		}
		settings := cfg.Proxy.RouteSettings[name]
		switch field {
		case "AUTH_TYPE":
			settings.Auth.Type = value
		case "AUTH_TOKEN":
			settings.Auth.Token = value
		case "AUTH_USERNAME":
			settings.Auth.Username = value
		case "AUTH_PASSWORD":
			settings.Auth.Password = value
		case "AUTH_HEADER":
			settings.Auth.Header = value
		case "AUTH_KEY":
			settings.Auth.Key = value
		case "CACHE_TTL_MS":
			if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
				settings.CacheTTL = time.Duration(ms) * time.Millisecond
			}
		}
		cfg.Proxy.RouteSettings[name] = settings
	}
}

// splitRouteKey splits "USERS_AUTH_TYPE" into route name "users" and field
// "AUTH_TYPE". The field is the longest known suffix.
func splitRouteKey(key string) (name, field string, ok bool) {
	suffixes := []string{
		"AUTH_TYPE", "AUTH_TOKEN", "AUTH_USERNAME", "AUTH_PASSWORD",
		"AUTH_HEADER", "AUTH_KEY", "CACHE_TTL_MS",
	}
	for _, s := range suffixes {
		if strings.HasSuffix(key, "_"+s) {
			name = strings.ToLower(strings.TrimSuffix(key, "_"+s))
			if name == "" {
				return "", "", false
			}
			return name, s, true
		}
	}
	return "", "", false
}

// ParseList splits a comma-separated string, trimming whitespace and
// dropping empty items.
func ParseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// IsProduction reports whether error details should be withheld from
// responses.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}
