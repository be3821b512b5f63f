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
  4. CORS:       Cross-origin requests for the shop's admin frontend

ROUTE GROUPS:
  /api/events/*   Order lifecycle intake
  /api/wallets/*  Wallet summary, audit log, redemption
  /api/commissions, /api/agents/*  Commission views
  /api/admin/*    Manual sweep / settlement triggers

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
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Order lifecycle intake
		r.Route("/events", func(r chi.Router) {
			r.Post("/order", h.HandleOrderEvent)
		})

		// Wallet routes
		r.Route("/wallets", func(r chi.Router) {
			r.Get("/{id}", h.GetWallet)
			r.Get("/{id}/transactions", h.GetTransactions)
			r.Post("/{id}/redeem", h.Redeem)
		})

		// Commission routes
		r.Get("/commissions", h.ListCommissions)
		r.Route("/agents", func(r chi.Router) {
			r.Get("/{id}/settlements", h.ListSettlements)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/sweep", h.TriggerSweep)
			r.Post("/settlement", h.TriggerSettlement)
		})
	})

	return r
}
