package security

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mocklab/devgate/internal/governance"
	"github.com/mocklab/devgate/pkg/domain"
	"github.com/mocklab/devgate/pkg/telemetry"
)

// Chain names used for logging and metrics labels.
const (
	ChainPublic        = "public"
	ChainAuthenticated = "authenticated"
	ChainAdmin         = "admin"
)

// Chain composes the gates into the fixed pipeline every route class shares:
// preflight, origin validation, block lookup, rate limiting, then optional
// authentication and admin authorization. It owns correlation IDs, timing,
// request logging and the uniform error normalizer.
type Chain struct {
	origin  *OriginGuard
	gate    *governance.RateGate
	auth    Authenticator
	metrics *telemetry.Metrics
	logger  zerolog.Logger

	adminPathPrefix string
	exposeDetails   bool
}

// ChainOptions wires the chain's collaborators.
type ChainOptions struct {
	Origin          *OriginGuard
	Gate            *governance.RateGate
	Auth            Authenticator
	Metrics         *telemetry.Metrics
	Logger          zerolog.Logger
	AdminPathPrefix string
	ExposeDetails   bool
}

// NewChain builds the prebuilt pipelines from the resolved gates.
func NewChain(opts ChainOptions) *Chain {
	return &Chain{
		origin:          opts.Origin,
		gate:            opts.Gate,
		auth:            opts.Auth,
		metrics:         opts.Metrics,
		logger:          opts.Logger.With().Str("component", "chain").Logger(),
		adminPathPrefix: opts.AdminPathPrefix,
		exposeDetails:   opts.ExposeDetails,
	}
}

// Public wraps a handler with the gate pipeline, no authentication.
func (c *Chain) Public(next http.Handler) http.Handler {
	return c.wrap(ChainPublic, next, false, false)
}

// Authenticated wraps a handler requiring a valid principal.
func (c *Chain) Authenticated(next http.Handler) http.Handler {
	return c.wrap(ChainAuthenticated, next, true, false)
}

// Admin wraps a handler requiring a principal with the admin role.
func (c *Chain) Admin(next http.Handler) http.Handler {
	return c.wrap(ChainAdmin, next, true, true)
}

func (c *Chain) wrap(name string, next http.Handler, requireAuth, requireAdmin bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		w.Header().Set("X-Request-ID", requestID)
		rec := newStatusRecorder(w, start)

		identity := governance.ClientIdentity(r)
		logger := c.logger.With().
			Str("request_id", requestID).
			Str("chain", name).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("identity", identity).
			Logger()

		fail := func(err error) {
			code := domain.CodeInternal
			var ge *domain.GateError
			if errors.As(err, &ge) {
				code = ge.Code
			}
			c.metrics.RecordDenial(code)
			domain.WriteError(rec, requestID, err, c.exposeDetails)
			duration := time.Since(start)
			logger.Warn().
				Str("code", code).
				Int("status", rec.Status()).
				Dur("duration", duration).
				Err(err).
				Msg("request denied")
			c.metrics.RecordRequest(name, r.Method, rec.Status(), duration)
		}

		// Preflight is answered before every other gate and never reaches
		// route handlers. A disallowed origin still gets the 204; it just
		// receives no CORS grant headers, so the browser refuses the actual
		// request.
		if r.Method == http.MethodOptions {
			if echo, err := c.origin.Check(r); err == nil {
				c.origin.ApplyPreflight(rec, echo)
			}
			rec.WriteHeader(http.StatusNoContent)
			c.metrics.RecordRequest(name, r.Method, http.StatusNoContent, time.Since(start))
			return
		}

		echo, err := c.origin.Check(r)
		if err != nil {
			fail(err)
			return
		}
		c.origin.ApplyCORS(rec, echo)

		if err := c.gate.CheckBlocked(identity); err != nil {
			fail(err)
			return
		}

		bypass, pre := c.adminRateBypass(r)
		if err := c.gate.Check(r, identity, bypass); err != nil {
			fail(err)
			return
		}

		ctx := r.Context()
		if requireAuth {
			principal := pre
			if principal == nil {
				p, err := c.auth.Authenticate(r)
				if err != nil {
					fail(err)
					return
				}
				principal = &p
			}
			if requireAdmin {
				if err := RequireAdmin(*principal); err != nil {
					fail(err)
					return
				}
			}
			ctx = WithPrincipal(ctx, *principal)
		}

		next.ServeHTTP(rec, r.WithContext(ctx))

		duration := time.Since(start)
		logger.Info().
			Int("status", rec.Status()).
			Dur("duration", duration).
			Msg("request completed")
		c.metrics.RecordRequest(name, r.Method, rec.Status(), duration)
	})
}

// adminRateBypass pre-authenticates requests to admin-prefixed paths so
// admin principals skip the rate counter there. Origin validation and block
// lookup still apply to admins.
func (c *Chain) adminRateBypass(r *http.Request) (bool, *Principal) {
	if c.adminPathPrefix == "" || !strings.HasPrefix(r.URL.Path, c.adminPathPrefix) {
		return false, nil
	}
	p, err := c.auth.Authenticate(r)
	if err != nil || !p.HasRole(RoleAdmin) {
		return false, nil
	}
	return true, &p
}

// statusRecorder captures the response status and stamps X-Response-Time
// just before the headers are flushed.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	start       time.Time
}

func newStatusRecorder(w http.ResponseWriter, start time.Time) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK, start: start}
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = status
	r.Header().Set("X-Response-Time", fmt.Sprintf("%dms", time.Since(r.start).Milliseconds()))
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(p)
}

// Status returns the recorded response status.
func (r *statusRecorder) Status() int {
	return r.status
}
