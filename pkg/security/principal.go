// Package security implements the inbound request gatekeeping layer:
// authentication, origin validation, and the composed middleware chains that
// front every route class.
package security

import (
	"context"
)

// RoleAdmin grants access to the admin chain.
const RoleAdmin = "admin"

// RoleUser is the baseline authenticated role.
const RoleUser = "user"

// Principal is the authenticated identity attached to a request after the
// auth gate passes. It lives only for the duration of the request.
type Principal struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
}

// HasRole reports whether the principal carries the given role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type contextKey string

const principalContextKey contextKey = "principal"

// WithPrincipal attaches the principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// PrincipalFrom extracts the principal attached by the auth gate, if any.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}
