/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, carried by every log line
  2. Logger:     One zerolog line per request
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Prometheus latency by route pattern
  5. CORS:       Cross-origin requests for the admin frontend

ROUTE GROUPS:
  /api/customers/*   Customer registration and ledger operations
  /api/admin/*       Customer listing/removal and maintenance jobs
  /metrics           Prometheus scrape endpoint
  /healthz           Liveness plus store ping

SECURITY NOTE:
  No authentication middleware. The service is meant to sit behind the
  bot backend on a private network.
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/warp/bonus-ledger/metrics"
)

// NewRouter creates a new router with all routes configured. m may be nil.
func NewRouter(h *Handler, m *metrics.Metrics) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Log))
	r.Use(middleware.Recoverer)
	if m != nil {
		r.Use(m.HTTPMetrics)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/customers", func(r chi.Router) {
			r.Get("/", h.FindCustomer)
			r.Post("/", h.UpsertCustomer)
			r.Get("/{id}", h.GetCustomer)
			r.Post("/{id}/profile", h.CompleteProfile)
			r.Post("/{id}/accruals", h.Accrue)
			r.Post("/{id}/deductions", h.Deduct)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/entries", h.GetEntries)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/customers", h.ListCustomerIDs)
			r.Delete("/customers/{id}", h.DeleteCustomer)
			r.Get("/jobs", h.ListJobs)
			r.Post("/jobs/{name}/run", h.RunJob)
		})
	})

	if m != nil {
		r.Handle("/metrics", m.Handler())
	}
	r.Get("/healthz", h.Healthz)

	return r
}

// requestLogger attaches a request-scoped zerolog logger to the context and
// logs each request once it completes.
func requestLogger(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			log := base.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(log.WithContext(r.Context())))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("took", time.Since(start)).
				Msg("request")
		})
	}
}

// logFor returns the request logger set by requestLogger, or fallback.
func logFor(r *http.Request, fallback zerolog.Logger) *zerolog.Logger {
	if l := zerolog.Ctx(r.Context()); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &fallback
}
