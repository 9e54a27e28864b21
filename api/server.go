/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:       Request logging
  2. Recoverer:    Panic recovery (500 instead of crash)
  3. RequestID:    Unique ID per request for tracing
  4. CORS:         Cross-origin requests for dashboards
  5. Authenticate: Tenant resolution, /api only

ROUTE GROUPS:
  /api/rails/*            Rail catalog, balances, history
  /api/settlement/*       Routing and execution
  /api/reconciliation/*   Runs, reports, discrepancies
  /api/scenarios/*        Sandbox demo scenarios (non-production)
  /healthz                Liveness, unauthenticated

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Authenticate
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// ServerOptions configures the router.
type ServerOptions struct {
	AllowedOrigins []string
	JWTSecret      string // empty disables JWT; see Authenticate
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts ServerOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", TenantHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)

	r.Route("/api", func(r chi.Router) {
		r.Use(Authenticate(opts.JWTSecret))

		// Rail routes
		r.Route("/rails", func(r chi.Router) {
			r.Get("/", h.ListRails)
			r.Get("/{rail}/balance", h.GetBalance)
			r.Get("/{rail}/transactions", h.ListTransactions)
		})

		// Settlement routes
		r.Route("/settlement", func(r chi.Router) {
			r.Post("/route", h.RouteSettlement)
			r.Post("/execute", h.ExecuteSettlement)
			r.Post("/batch", h.ExecuteBatch)
			r.Post("/{transferId}/cancel", h.CancelSettlement)
			r.Post("/{transferId}/refresh", h.RefreshSettlement)
		})

		// Reconciliation routes
		r.Route("/reconciliation", func(r chi.Router) {
			r.Post("/run", h.RunReconciliation)
			r.Get("/reports", h.ListReports)
			r.Get("/reports/{id}", h.GetReport)
			r.Get("/discrepancies", h.ListDiscrepancies)
			r.Post("/discrepancies/{id}/resolve", h.ResolveDiscrepancy)
		})

		// Demo scenarios
		if h.scenariosEnabled() {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}
