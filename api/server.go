/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/communities/*    Roster and per-community emission listing
  /api/emissions/*      Emission lifecycle and distributions
  /api/tariffs/*        Versioned utility pricing
  /api/payments         Payment intake
  /api/units/*          Per-unit ledger
  /api/admin/*          Evaluation pass

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

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

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Community routes
		r.Route("/communities/{id}", func(r chi.Router) {
			r.Get("/units", h.ListUnits)
			r.Post("/units", h.SaveUnit)
			r.Get("/emissions", h.ListEmissions)
		})

		// Emission routes
		r.Route("/emissions", func(r chi.Router) {
			r.Post("/", h.CreateEmission)
			r.Get("/{id}", h.GetEmission)
			r.Post("/{id}/ready", h.MarkEmissionReady)
			r.Post("/{id}/send", h.SendEmission)
			r.Post("/{id}/cancel", h.CancelEmission)
			r.Get("/{id}/distributions", h.GetDistributions)
		})

		// Tariff routes
		r.Route("/tariffs", func(r chi.Router) {
			r.Get("/", h.ListTariffs)
			r.Post("/", h.CreateTariff)
		})

		// Payment routes
		r.Post("/payments", h.SubmitPayment)
		r.Get("/units/{id}/ledger", h.GetUnitLedger)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/evaluate", h.TriggerEvaluation)
			r.Post("/seed", h.ApplySeed)
		})
	})

	return r
}
