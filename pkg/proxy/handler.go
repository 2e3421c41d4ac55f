package proxy

import (
	"net/http"
	"strings"

	"github.com/mocklab/devgate/pkg/domain"
)

// Handler exposes the two proxy entry points: the named-route prefix
// /proxy/{routeName}/* and the raw form /proxy?url=... Both are pure
// pass-throughs into the forwarder; gatekeeping happens in the chain.
type Handler struct {
	fwd           *Forwarder
	exposeDetails bool
}

// NewHandler wraps the forwarder for route registration.
func NewHandler(fwd *Forwarder, exposeDetails bool) *Handler {
	return &Handler{fwd: fwd, exposeDetails: exposeDetails}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := w.Header().Get("X-Request-ID")

	rest := strings.TrimPrefix(r.URL.Path, "/proxy")
	rest = strings.TrimPrefix(rest, "/")

	if rest == "" {
		raw := r.URL.Query().Get("url")
		if raw == "" {
			domain.WriteError(w, requestID,
				domain.InvalidTarget("", "missing url query parameter"), h.exposeDetails)
			return
		}
		h.fwd.ForwardRaw(w, r, raw)
		return
	}

	name, subPath, _ := strings.Cut(rest, "/")
	rt, ok := h.fwd.Route(name)
	if !ok {
		domain.WriteError(w, requestID, domain.RouteNotFound(name), h.exposeDetails)
		return
	}
	h.fwd.ForwardNamed(w, r, rt, "/"+subPath)
}
