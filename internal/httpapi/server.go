// Package httpapi serves the x402 payment-gate wire contract (spec §6)
// over HTTP: `POST /v1/gates` (create/challenge), `POST /v1/gates/{gateId}/
// authorize-payment`, `POST /v1/gates/{gateId}/verify`, `POST /v1/gates/{gateId}/
// cancel`, the NooterraPay JWKS well-known endpoint, and `/metrics`/
// `/healthz`. Routing is github.com/go-chi/chi/v5, grounded on
// gateway/routes/router.go's route-group-per-concern layout in the teacher
// repo; middleware wiring is internal/httpapi/middleware, adapted from
// gateway/middleware/*.go.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nooterra/settld/internal/dispute"
	"github.com/nooterra/settld/internal/gate"
	"github.com/nooterra/settld/internal/httpapi/middleware"
	"github.com/nooterra/settld/internal/jwks"
	"github.com/nooterra/settld/internal/kernelerr"
)

// Server wires the gate service and its HTTP-facing collaborators (JWKS
// publisher, observability, rate limiting, CORS) into a chi.Router.
type Server struct {
	gates    *gate.Service
	disputes *dispute.Overlay
	jwksPub  *jwks.Publisher
	obs      *middleware.Observability
	limiter  *middleware.RateLimiter
	logger   *slog.Logger
	now      func() time.Time
}

// Deps bundles Server's collaborators.
type Deps struct {
	Gates         *gate.Service
	Disputes      *dispute.Overlay
	JWKSPub       *jwks.Publisher
	Observability *middleware.Observability
	RateLimiter   *middleware.RateLimiter
	CORS          middleware.CORSConfig
	Logger        *slog.Logger
	Now           func() time.Time
}

// NewRouter builds the full chi.Router for a settld gateway process.
func NewRouter(d Deps) chi.Router {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{gates: d.Gates, disputes: d.Disputes, jwksPub: d.JWKSPub, obs: d.Observability, limiter: d.RateLimiter, logger: logger, now: now}

	r := chi.NewRouter()
	r.Use(middleware.CORS(d.CORS))

	route := func(method, pattern, name string, h http.HandlerFunc) {
		wrapped := http.Handler(h)
		if s.obs != nil {
			wrapped = s.obs.Middleware(name)(wrapped)
		}
		if s.limiter != nil {
			wrapped = s.limiter.Middleware(name)(wrapped)
		}
		r.Method(method, pattern, wrapped)
	}

	route(http.MethodPost, "/v1/gates", "create-gate", s.handleCreate)
	route(http.MethodPost, "/v1/gates/{gateID}/authorize-payment", "authorize-payment", s.handleAuthorize)
	route(http.MethodPost, "/v1/gates/{gateID}/verify", "verify-gate", s.handleVerify)
	route(http.MethodPost, "/v1/gates/{gateID}/cancel", "cancel-gate", s.handleCancel)

	if s.disputes != nil {
		route(http.MethodPost, "/v1/gates/{gateID}/disputes", "open-dispute", s.handleOpenDispute)
		route(http.MethodPost, "/v1/cases", "open-case", s.handleOpenCase)
		route(http.MethodPost, "/v1/cases/{caseID}/verdict", "issue-verdict", s.handleIssueVerdict)
		route(http.MethodPost, "/v1/cases/{caseID}/close", "close-case", s.handleCloseCase)
		route(http.MethodPost, "/v1/cases/{caseID}/appeal", "appeal-case", s.handleAppeal)
	}

	if s.jwksPub != nil {
		r.Get("/.well-known/nooterrapay-jwks.json", s.jwksPub.ServeHTTP)
	}
	r.Get("/healthz", s.handleHealthz)
	if s.obs != nil {
		r.Handle("/metrics", s.obs.MetricsHandler())
	}

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func writeError(w http.ResponseWriter, err error) {
	kerr, ok := err.(*kernelerr.Error)
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code": "INTERNAL", "message": err.Error(),
		})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForCode(kerr.ErrCode))
	_ = json.NewEncoder(w).Encode(kerr)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
