/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the admin console

ROUTE GROUPS:
  /health               Liveness + database ping
  /api/payments/*       Payment allocation trigger
  /api/jobs/*           Rollover, delinquency, suspension, reconcile triggers
  /api/members/*        Member reads and unfreeze
  /api/scenarios/*      Demo scenarios (dev only)

SECURITY NOTE:
  No authentication middleware. The service is internal; job triggers are
  called by the platform scheduler and the payment webhook relay.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// DefaultAllowedOrigins is used when no origins are configured.
var DefaultAllowedOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = DefaultAllowedOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/payments", func(r chi.Router) {
			r.Post("/allocate", h.AllocatePayment)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/rollover", h.TriggerRollover)
			r.Post("/delinquency", h.TriggerDelinquencySweep)
			r.Post("/suspensions", h.TriggerSuspensions)
			r.Post("/reconcile", h.TriggerReconcile)
			r.Get("/runs", h.ListRolloverRuns)
		})

		r.Route("/members/{id}", func(r chi.Router) {
			r.Get("/", h.GetMember)
			r.Get("/balances", h.ListBalances)
			r.Get("/audit", h.ListAudit)
			r.Post("/unfreeze", h.UnfreezeMember)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
