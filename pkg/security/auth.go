package security

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mocklab/devgate/pkg/config"
	"github.com/mocklab/devgate/pkg/domain"
)

// Authenticator produces a Principal from a request or a typed failure. One
// concrete strategy is resolved at configuration load; there is no per-request
// dispatch on the mode string.
type Authenticator interface {
	Authenticate(r *http.Request) (Principal, error)
}

// NewAuthenticator resolves the configured auth mode into its strategy. An
// unknown mode yields a strategy that fails every request with a 500: the
// gateway still starts, and Validate surfaces the problem as an advisory.
func NewAuthenticator(cfg config.AuthConfig) Authenticator {
	switch cfg.Mode {
	case config.AuthModeDisabled, "":
		return disabledAuthenticator{}
	case config.AuthModeBypass:
		return bypassAuthenticator{header: cfg.BypassHeader, value: cfg.BypassValue}
	case config.AuthModeDevToken:
		return devTokenAuthenticator{token: cfg.DevToken}
	case config.AuthModeBasic:
		return basicAuthenticator{username: cfg.BasicUser, password: cfg.BasicPass}
	case config.AuthModeJWT:
		return jwtAuthenticator{secret: []byte(cfg.JWTSecret), algorithm: cfg.JWTAlgorithm}
	default:
		return unsupportedAuthenticator{mode: cfg.Mode}
	}
}

// RequireAdmin passes only for principals carrying the admin role.
func RequireAdmin(p Principal) error {
	if !p.HasRole(RoleAdmin) {
		return domain.Forbidden(fmt.Sprintf("user %q lacks the admin role", p.Username))
	}
	return nil
}

// disabledAuthenticator always passes. Everything is permitted in a fully
// open dev setup, admin surfaces included.
type disabledAuthenticator struct{}

func (disabledAuthenticator) Authenticate(*http.Request) (Principal, error) {
	return Principal{
		ID:       "anonymous",
		Username: "anonymous",
		Roles:    []string{RoleUser, RoleAdmin},
	}, nil
}

// bypassAuthenticator matches an exact header name/value pair.
type bypassAuthenticator struct {
	header string
	value  string
}

func (a bypassAuthenticator) Authenticate(r *http.Request) (Principal, error) {
	got := r.Header.Get(a.header)
	if got == "" {
		return Principal{}, domain.AuthRequired(domain.CodeAuthRequired,
			"missing bypass header",
			fmt.Sprintf("send the %s header", a.header))
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(a.value)) != 1 {
		return Principal{}, domain.AuthRequired(domain.CodeInvalidCredentials, "invalid bypass value")
	}
	return Principal{
		ID:       "dev-bypass",
		Username: "developer",
		Roles:    []string{RoleUser, RoleAdmin},
	}, nil
}

// devTokenAuthenticator compares a shared bearer secret in constant time.
type devTokenAuthenticator struct {
	token string
}

func (a devTokenAuthenticator) Authenticate(r *http.Request) (Principal, error) {
	token, err := bearerToken(r)
	if err != nil {
		return Principal{}, err
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) != 1 {
		return Principal{}, domain.AuthRequired(domain.CodeInvalidCredentials, "invalid dev token")
	}
	return Principal{
		ID:       "dev-token",
		Username: "developer",
		Roles:    []string{RoleUser, RoleAdmin},
	}, nil
}

// basicAuthenticator compares against the one configured user:pass pair.
type basicAuthenticator struct {
	username string
	password string
}

func (a basicAuthenticator) Authenticate(r *http.Request) (Principal, error) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return Principal{}, domain.AuthRequired(domain.CodeAuthRequired,
			"missing basic credentials",
			"send an Authorization: Basic header")
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(a.password)) == 1
	if !userOK || !passOK {
		return Principal{}, domain.AuthRequired(domain.CodeInvalidCredentials, "invalid username or password")
	}
	return Principal{
		ID:       user,
		Username: user,
		Roles:    []string{RoleUser, RoleAdmin},
	}, nil
}

// jwtAuthenticator verifies signature and expiry with the configured secret
// and maps claims onto a Principal.
type jwtAuthenticator struct {
	secret    []byte
	algorithm string
}

func (a jwtAuthenticator) Authenticate(r *http.Request) (Principal, error) {
	raw, err := bearerToken(r)
	if err != nil {
		return Principal{}, err
	}

	claims := jwt.MapClaims{}
	_, parseErr := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{a.algorithm}))
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return Principal{}, domain.AuthRequired(domain.CodeTokenExpired,
				"token expired", "obtain a fresh token")
		}
		return Principal{}, domain.AuthRequired(domain.CodeInvalidCredentials, "invalid token")
	}

	return principalFromClaims(claims), nil
}

func principalFromClaims(claims jwt.MapClaims) Principal {
	p := Principal{Roles: []string{RoleUser}}
	if sub, ok := claims["sub"].(string); ok {
		p.ID = sub
	}
	if username, ok := claims["username"].(string); ok {
		p.Username = username
	} else if name, ok := claims["name"].(string); ok {
		p.Username = name
	} else {
		p.Username = p.ID
	}
	if rawRoles, ok := claims["roles"].([]any); ok {
		roles := make([]string, 0, len(rawRoles))
		for _, r := range rawRoles {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
		if len(roles) > 0 {
			p.Roles = roles
		}
	}
	return p
}

// unsupportedAuthenticator fails every request: the mode string in the
// configuration names no known scheme.
type unsupportedAuthenticator struct {
	mode string
}

func (a unsupportedAuthenticator) Authenticate(*http.Request) (Principal, error) {
	return Principal{}, domain.UnsupportedScheme(a.mode)
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", domain.AuthRequired(domain.CodeAuthRequired,
			"missing authorization header",
			"send an Authorization: Bearer header")
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", domain.AuthRequired(domain.CodeInvalidCredentials,
			"authorization header is not a bearer token")
	}
	return token, nil
}
