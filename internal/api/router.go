package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/metrics"
)

// RouterConfig tunes the HTTP surface. A nil Limiter disables API rate
// limiting.
type RouterConfig struct {
	Limiter         Limiter
	RateLimit       int
	RateLimitWindow time.Duration
	AllowedOrigins  []string
	RequestTimeout  time.Duration
}

// NewRouter mounts every route on a chi router.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "Idempotency-Key", "X-Request-ID"},
			ExposedHeaders: []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-Idempotency-Replayed"},
			MaxAge:         300,
		}))
		if cfg.Limiter != nil {
			r.Use(RateLimitMiddleware(cfg.Limiter, cfg.RateLimit, cfg.RateLimitWindow, logger, IPKeyFunc))
		}

		r.Post("/notifications", h.CreateNotification)

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/preferences", h.GetPreferences)
			r.Patch("/preferences", h.UpdatePreferences)
			r.Get("/preferences/email/{category}", h.EmailCategoryAllowed)
			r.Get("/schedules", h.ListSchedules)
		})

		r.Post("/schedules", h.CreateSchedule)
		r.Get("/schedules/{id}", h.GetSchedule)
		r.Delete("/schedules/{id}", h.CancelSchedule)

		r.Route("/queues/{queue}", func(r chi.Router) {
			r.Get("/stats", h.QueueStats)
			r.Get("/jobs/{id}", h.GetJob)
			r.Delete("/jobs/{id}", h.CancelJob)
			r.Get("/dead", h.ListDeadJobs)
			r.Post("/dead/{id}/retry", h.RetryDeadJob)
			r.Delete("/dead/{id}", h.DiscardDeadJob)
		})

		r.Get("/dead-letters", h.ListArchivedDeadLetters)
		r.Get("/deliveries", h.FindDelivery)
		r.Get("/deliveries/{id}", h.GetDelivery)
	})

	r.Post("/webhooks/email", h.EmailWebhook)
	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	return r
}
