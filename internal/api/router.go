package api

import (
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Chachamaru127/harness-mem/internal/memory"
)

// Options configures the router.
type Options struct {
	APIKey       string
	RateLimitRPM int
	RateBurst    int
	// Heartbeat is the SSE comment and WebSocket ping interval.
	Heartbeat time.Duration
	Logger    *slog.Logger
}

// NewRouter creates the Chi router with all routes and middleware.
func NewRouter(svc *memory.Service, opts Options) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}

	r := chi.NewRouter()

	// Global middleware (runs on ALL routes including /health)
	r.Use(CORS)
	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recovery(logger))

	healthH := NewHealthHandler(svc)
	eventH := NewEventHandler(svc)
	searchH := NewSearchHandler(svc)
	feedH := NewFeedHandler(svc)
	sessionH := NewSessionHandler(svc)
	streamH := NewStreamHandler(svc, opts.Heartbeat, logger)
	adminH := NewAdminHandler(svc)

	// Unauthenticated routes
	r.Get("/health", healthH.Health)

	// Authenticated routes
	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(opts.APIKey))
		r.Use(RateLimit(NewRateLimiter(opts.RateLimitRPM, opts.RateBurst)))

		r.Post("/events", eventH.Record)

		r.Post("/search", searchH.Search)
		r.Get("/search/facets", searchH.Facets)

		r.Get("/feed", feedH.Feed)
		r.Get("/observations/{id}/timeline", feedH.Timeline)
		r.Post("/observations/batch", feedH.Batch)

		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", sessionH.Get)
			r.Post("/finalize", sessionH.Finalize)
		})

		r.Route("/stream", func(r chi.Router) {
			r.Get("/", streamH.SSE)
			r.Get("/events", streamH.Events)
			r.Get("/ws", streamH.WebSocket)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/reindex", adminH.Reindex)
			r.Post("/retry/drain", adminH.DrainRetries)
		})
	})

	return r
}
