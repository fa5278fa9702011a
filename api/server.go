/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for frontends

SECURITY NOTE:
  No authentication middleware. Identity arrives as actor/approver fields
  in request bodies; authenticating them is a deployment concern.

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

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/employees", func(r chi.Router) {
			r.Get("/", h.ListEmployees)
			r.Post("/", h.CreateEmployee)
			r.Get("/{id}", h.GetEmployee)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/lots", h.ListLots)
			r.Get("/{id}/ledger", h.GetLedger)
			r.Get("/{id}/requests", h.ListUserRequests)
			r.Post("/{id}/verify", h.VerifyBalance)
		})

		r.Route("/requests", func(r chi.Router) {
			r.Post("/", h.CreateRequest)
			r.Get("/{id}", h.GetRequest)
			r.Post("/{id}/submit", h.SubmitRequest)
			r.Post("/{id}/approve", h.ApproveRequest)
			r.Post("/{id}/reject", h.RejectRequest)
			r.Post("/{id}/cancel", h.CancelRequest)
			r.Post("/{id}/complete", h.CompleteRequest)
		})

		r.Route("/overtime", func(r chi.Router) {
			r.Post("/", h.SubmitOvertime)
			r.Post("/{id}/approve", h.ApproveOvertime)
			r.Post("/{id}/reject", h.RejectOvertime)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/adjustments", h.CreateAdjustment)
			r.Post("/expiration/run", h.RunExpiration)
			r.Post("/accrual/run", h.RunAccrual)
		})

		r.Route("/sync", func(r chi.Router) {
			r.Get("/configs/{userID}", h.GetSyncConfig)
			r.Put("/configs/{userID}", h.PutSyncConfig)
			r.Post("/run/{userID}", h.TriggerSync)
			r.Get("/conflicts/{userID}", h.ListConflicts)
			r.Post("/conflicts/{id}/resolve", h.ResolveConflict)
			r.Get("/flagged/{userID}", h.ListFlagged)
			r.Get("/history/{userID}", h.ListSyncHistory)
		})
	})

	return r
}
