package adminapi

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for one node's admin API.
//
// Route layout:
//
//	GET /healthz                – liveness/readiness probe (no authentication)
//	GET /api/v1/connections     – peer connection status (JWT required)
//	GET /api/v1/processes       – live local process pids (JWT required)
//	GET /api/v1/registry        – registered name → pid bindings (JWT required)
//	GET /api/v1/events          – connection-lifecycle event history (JWT required)
//	GET /api/v1/events/stream   – live event feed over WebSocket (no authentication;
//	                              browser WebSocket clients cannot set a Bearer header
//	                              on the upgrade request)
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on all
// /api routes. Pass nil to disable JWT validation, for tests that only
// cover request parsing and response formatting.
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)
	if srv.stream != nil {
		r.Get("/api/v1/events/stream", srv.stream.ServeHTTP)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}

		r.Get("/connections", srv.handleGetConnections)
		r.Get("/processes", srv.handleGetProcesses)
		r.Get("/registry", srv.handleGetRegistry)
		r.Get("/events", srv.handleGetEvents)
	})

	return r
}
