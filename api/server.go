/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the back-office frontend
  5. instrument: Prometheus request counters (when metrics are wired)

ROUTE GROUPS:
  /api/theaters/{theaterID}/products/{productID}/*   Ledger per stock line
  /api/admin/*                                       Admin operations
  /api/scenarios/*                                   Demo scenarios
  /api/health                                        Liveness + storage ping
  /metrics                                           Prometheus scrape

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	if h.Metrics != nil {
		r.Use(h.instrument)
		r.Method(http.MethodGet, "/metrics", h.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		// Ledger routes
		r.Route("/theaters/{theaterID}/products/{productID}", func(r chi.Router) {
			r.Get("/stock", h.GetProductStock)

			r.Route("/ledger", func(r chi.Router) {
				r.Get("/history", h.GetHistory)
				r.Post("/reconcile", h.ReconcileStock)

				r.Route("/{year}/{month}", func(r chi.Router) {
					r.Get("/", h.GetMonth)
					r.Get("/statistics", h.GetStatistics)
					r.Post("/entries", h.CreateEntry)
					r.Put("/entries/{entryID}", h.UpdateEntry)
					r.Delete("/entries/{entryID}", h.DeleteEntry)
				})
			})
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/sweep", h.TriggerSweep)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// instrument records request counts and latency by route pattern, so
// path parameters do not explode label cardinality.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.Metrics.RecordHTTPRequest(r.Method, route, status, time.Since(start))
	})
}
