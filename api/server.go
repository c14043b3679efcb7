/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/owners/*         Owner-scoped feed ingestion and read views
  /api/subscriptions/*  Per-subscription detail, decisions, alternatives

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public; owner
  scoping is trusted from the path.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

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
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Owner routes
		r.Route("/owners/{id}", func(r chi.Router) {
			r.Post("/transactions", h.IngestTransactions)
			r.Post("/detect", h.Detect)
			r.Get("/subscriptions", h.ListSubscriptions)
			r.Get("/savings", h.GetSavings)
		})

		// Subscription routes
		r.Route("/subscriptions/{id}", func(r chi.Router) {
			r.Get("/", h.GetSubscription)
			r.Delete("/", h.DeleteSubscription)
			r.Post("/decision", h.RecordDecision)
			r.Get("/decisions", h.ListDecisions)
			r.Get("/alternatives", h.GetAlternatives)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}
