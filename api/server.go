/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging (logrus)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Prometheus request counters by route pattern
  5. CORS:       Cross-origin requests for frontends

  /api only:
  6. Identity:   Resolve the calling account (header or JWT)
  7. RateLimit:  Token bucket per account

ROUTE GROUPS:
  /api/credentials/*    Credits, aggregates, reservation
  /metrics              Prometheus scrape endpoint
  /healthz              Store liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Identity and rate limiting
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/safekeeper/credit-vault/metrics"
)

// Options configure the router.
type Options struct {
	AllowedOrigins []string

	// Identity resolves the account; defaults to the X-Account header.
	Identity IdentityResolver

	// Limiter is optional.
	Limiter *RateLimiter
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts Options) *chi.Mux {
	if opts.Identity == nil {
		opts.Identity = HeaderIdentity{Header: "X-Account"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Account"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(RequireAccount(opts.Identity, h.Logger))
		if opts.Limiter != nil {
			r.Use(opts.Limiter.Handler)
		}

		r.Route("/credentials", func(r chi.Router) {
			r.Get("/", h.ListCredits)
			r.Post("/", h.Deposit)
			r.Get("/balance", h.GetBalance)
			r.Get("/expenditure", h.GetExpenditure)
			r.Get("/summary", h.GetSummary)
			r.Patch("/approve", h.Approve)
			r.Patch("/spend", h.Spend)
			r.Patch("/release", h.Release)
			r.Get("/{key}", h.GetCredit)
		})
	})

	return r
}

// requestLogger logs one line per request.
func requestLogger(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start).String(),
				"request_id": middleware.GetReqID(r.Context()),
			}).Info("request")
		})
	}
}
