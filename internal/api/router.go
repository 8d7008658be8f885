package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/api/middleware"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/handlers"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/security"
)

// maxBodyBytes bounds request bodies. Queue payloads and stream events are
// small JSON documents.
const maxBodyBytes = 64 * 1024

// NewRouter creates and configures the HTTP router.
func NewRouter(
	logger zerolog.Logger,
	h *handlers.Handler,
	auth *middleware.Authenticator,
	limiter *middleware.RateLimiter,
	ws http.Handler,
) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(maxBodyBytes))
	r.Use(middleware.ValidateRequest)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	r.Use(limiter.Middleware)

	// Agents and workers call from anywhere
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Content-Type",
			middleware.HeaderAgentID, middleware.HeaderNonce,
			middleware.HeaderTimestamp, middleware.HeaderSignature,
			middleware.HeaderAPIKey,
		},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())

	// Public routes
	r.Get("/", h.Root)
	r.Get("/api", h.API)
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)
	r.Post("/register", h.Register)
	r.Get("/who/{id}", h.Who)
	r.Handle("/ws", ws)

	// Signed routes
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)
		r.Use(limiter.Tiered)

		r.With(middleware.RequirePermission(security.PermQueueWrite)).Post("/queue/{name}", h.Enqueue)
		r.Get("/queue/{name}", h.QueueSize)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequirePermission(security.PermQueueConsume))
			r.Post("/queue/{name}/dequeue", h.Dequeue)
			r.Post("/queue/{name}/retry", h.Retry)
			r.Get("/queue/{name}/dead", h.DeadLetters)
			r.Delete("/queue/{name}", h.ClearQueue)
		})

		r.With(middleware.RequirePermission(security.PermStreamWrite)).Post("/stream/{channel}", h.Publish)
		r.With(middleware.RequirePermission(security.PermStreamRead)).Get("/stream/{channel}", h.ReadStream)
		r.With(middleware.RequirePermission(security.PermStreamWrite)).Post("/conversations/{id}/broadcast", h.Broadcast)

		r.With(middleware.RequirePermission(security.PermPresenceWrite)).Put("/presence", h.SetPresence)
		r.Get("/presence/{userID}", h.GetPresence)
		r.Get("/connections", h.Connections)

		r.With(middleware.RequirePermission(security.PermMetricsWrite)).Post("/stats/metrics", h.RecordMetric)
		r.Get("/stats/metrics/{name}", h.MetricStats)
		r.With(middleware.RequirePermission(security.PermLogsRead)).Get("/logs", h.Logs)
	})

	return r
}
