// Package domain holds the error taxonomy and wire-level error envelope
// shared by the security chain and the proxy forwarder.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Common gate and proxy errors
var (
	ErrMissingCredentials  = errors.New("missing credentials")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrTokenExpired        = errors.New("token expired")
	ErrUnsupportedScheme   = errors.New("unsupported authentication scheme")
	ErrOriginNotAllowed    = errors.New("origin not allowed")
	ErrIPBlocked           = errors.New("ip temporarily blocked")
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrInvalidTargetURL    = errors.New("invalid target url")
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrConfigInvalid       = errors.New("invalid configuration")
)

// Machine-readable error codes used in the error envelope.
const (
	CodeAuthRequired       = "AUTH_REQUIRED"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeTokenExpired       = "TOKEN_EXPIRED"
	CodeUnsupportedScheme  = "UNSUPPORTED_AUTH_SCHEME"
	CodeForbidden          = "FORBIDDEN"
	CodeOriginNotAllowed   = "ORIGIN_NOT_ALLOWED"
	CodeIPBlocked          = "IP_BLOCKED"
	CodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	CodeInvalidTarget      = "INVALID_TARGET_URL"
	CodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	CodeRouteNotFound      = "ROUTE_NOT_FOUND"
	CodeUpstreamError      = "UPSTREAM_ERROR"
	CodeUpstreamTimeout    = "UPSTREAM_TIMEOUT"
	CodeInternal           = "INTERNAL_ERROR"
)

// GateError wraps a sentinel error with the HTTP status, machine code and
// client guidance used when the error is written to the wire.
type GateError struct {
	Err         error
	Code        string
	Status      int
	Message     string
	Suggestions []string
	Details     map[string]any
	// RetryAfter, in seconds, is surfaced as a Retry-After header when > 0.
	RetryAfter int
}

func (e *GateError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *GateError) Unwrap() error {
	return e.Err
}

// AuthRequired reports a 401 for missing or rejected credentials.
func AuthRequired(code, message string, suggestions ...string) *GateError {
	err := ErrInvalidCredentials
	switch code {
	case CodeAuthRequired:
		err = ErrMissingCredentials
	case CodeTokenExpired:
		err = ErrTokenExpired
	}
	return &GateError{
		Err:         err,
		Code:        code,
		Status:      http.StatusUnauthorized,
		Message:     message,
		Suggestions: suggestions,
	}
}

// UnsupportedScheme reports a 500: an unknown auth mode is a deployment
// mistake, not a client problem.
func UnsupportedScheme(mode string) *GateError {
	return &GateError{
		Err:     ErrUnsupportedScheme,
		Code:    CodeUnsupportedScheme,
		Status:  http.StatusInternalServerError,
		Message: fmt.Sprintf("authentication mode %q is not supported", mode),
	}
}

// Forbidden reports a 403 authorization failure.
func Forbidden(message string) *GateError {
	return &GateError{
		Err:     errors.New("authorization failed"),
		Code:    CodeForbidden,
		Status:  http.StatusForbidden,
		Message: message,
	}
}

// OriginDenied reports a 403 naming the rejected origin and the allow-list.
func OriginDenied(origin string, allowList []string) *GateError {
	return &GateError{
		Err:     ErrOriginNotAllowed,
		Code:    CodeOriginNotAllowed,
		Status:  http.StatusForbidden,
		Message: fmt.Sprintf("origin %q is not allowed", origin),
		Details: map[string]any{"origin": origin, "allowedOrigins": allowList},
		Suggestions: []string{
			"add the origin to the cors.allowed_origins configuration",
		},
	}
}

// Blocked reports a 403 for an identity in the temporary block set.
func Blocked(identity string, until time.Time) *GateError {
	return &GateError{
		Err:     ErrIPBlocked,
		Code:    CodeIPBlocked,
		Status:  http.StatusForbidden,
		Message: "client temporarily blocked due to suspicious activity",
		Details: map[string]any{
			"identity":     identity,
			"blockedUntil": until.UTC().Format(time.RFC3339),
		},
	}
}

// RateLimited reports a 429 carrying the retry hint.
func RateLimited(retryAfter time.Duration) *GateError {
	secs := int(retryAfter.Round(time.Second).Seconds())
	if secs < 1 {
		secs = 1
	}
	return &GateError{
		Err:        ErrRateLimitExceeded,
		Code:       CodeRateLimited,
		Status:     http.StatusTooManyRequests,
		Message:    "too many requests",
		RetryAfter: secs,
		Suggestions: []string{
			fmt.Sprintf("retry after %d seconds", secs),
		},
	}
}

// InvalidTarget reports a 400 for a proxy target that failed validation.
func InvalidTarget(target, reason string) *GateError {
	return &GateError{
		Err:     ErrInvalidTargetURL,
		Code:    CodeInvalidTarget,
		Status:  http.StatusBadRequest,
		Message: fmt.Sprintf("target url rejected: %s", reason),
		Details: map[string]any{"target": target},
	}
}

// PayloadTooLarge reports a 413 for a request body over the forwarding
// limit. Oversized bodies are rejected whole, never truncated.
func PayloadTooLarge(limit int64) *GateError {
	return &GateError{
		Err:     errors.New("request body too large"),
		Code:    CodePayloadTooLarge,
		Status:  http.StatusRequestEntityTooLarge,
		Message: fmt.Sprintf("request body exceeds the %d byte forwarding limit", limit),
	}
}

// RouteNotFound reports a 404 for an unknown named proxy route.
func RouteNotFound(name string) *GateError {
	return &GateError{
		Err:     errors.New("route not found"),
		Code:    CodeRouteNotFound,
		Status:  http.StatusNotFound,
		Message: fmt.Sprintf("no proxy route named %q", name),
	}
}

// UpstreamFailure reports a 502 after the retry budget is exhausted.
func UpstreamFailure(err error) *GateError {
	return &GateError{
		Err:     fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err),
		Code:    CodeUpstreamError,
		Status:  http.StatusBadGateway,
		Message: "upstream request failed",
	}
}

// UpstreamTimeout reports a 504 after the retry budget is exhausted.
func UpstreamTimeout(err error) *GateError {
	return &GateError{
		Err:     fmt.Errorf("%w: %v", ErrUpstreamTimeout, err),
		Code:    CodeUpstreamTimeout,
		Status:  http.StatusGatewayTimeout,
		Message: "upstream request timed out",
	}
}

// Internal reports a 500.
func Internal(message string) *GateError {
	return &GateError{
		Err:     errors.New(message),
		Code:    CodeInternal,
		Status:  http.StatusInternalServerError,
		Message: message,
	}
}

// ErrorBody is the inner object of the error envelope returned by every gate
// and proxy failure path.
type ErrorBody struct {
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Timestamp   string   `json:"timestamp"`
	RequestID   string   `json:"requestId,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	Details     any      `json:"details,omitempty"`
}

// ErrorEnvelope is the uniform JSON error shape.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// StatusFor maps an error to its HTTP status; anything unclassified is a 500.
func StatusFor(err error) int {
	var ge *GateError
	if errors.As(err, &ge) {
		return ge.Status
	}
	return http.StatusInternalServerError
}

// WriteError normalizes any error into the envelope and writes it. Details
// are withheld unless exposeDetails is set (non-production mode).
func WriteError(w http.ResponseWriter, requestID string, err error, exposeDetails bool) {
	body := ErrorBody{
		Code:      CodeInternal,
		Message:   "internal server error",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: requestID,
	}
	status := http.StatusInternalServerError

	var ge *GateError
	if errors.As(err, &ge) {
		status = ge.Status
		body.Code = ge.Code
		body.Message = ge.Message
		body.Suggestions = ge.Suggestions
		if exposeDetails && ge.Details != nil {
			body.Details = ge.Details
		}
		if ge.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(ge.RetryAfter))
		}
	} else if exposeDetails && err != nil {
		body.Message = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorEnvelope{Error: body})
}
