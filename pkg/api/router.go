// Package api serves the conversation engine over HTTP.
package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/yyd/aurora/config"
	"github.com/yyd/aurora/pkg/api/handlers"
	"github.com/yyd/aurora/pkg/api/middleware"
)

// Handlers holds the endpoint handlers. Nil handlers leave their routes
// unregistered.
type Handlers struct {
	Messages    *handlers.MessageHandler
	Sessions    *handlers.SessionHandler
	Knowledge   *handlers.KnowledgeHandler
	Handoffs    *handlers.HandoffHandler
	DeadLetters *handlers.DeadLetterHandler
	Analytics   *handlers.AnalyticsHandler
	Health      *handlers.HealthHandler
	Events      *handlers.WebSocketHandler

	// Metrics is optional.
	Metrics middleware.MetricsRecorder
	// RateLimiter throttles /api/v1 when set.
	RateLimiter *middleware.RateLimiter
}

// NewRouter builds the chi router with the middleware chain and routes.
func NewRouter(cfg *config.Config, log *slog.Logger, h *Handlers) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))
	if cfg.Tracing.Enabled {
		r.Use(middleware.Tracing(middleware.DefaultTracingOptions()))
	}
	if h.Metrics != nil {
		r.Use(middleware.Metrics(h.Metrics))
	}
	r.Use(middleware.CORS(&cfg.Server.CORS))

	RegisterRoutes(r, cfg, h)
	return r
}

// RegisterRoutes mounts the routes on r.
func RegisterRoutes(r chi.Router, cfg *config.Config, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.Server.HTTP.RequestTimeout))
		if h.RateLimiter != nil && cfg.Server.RateLimit.Enabled {
			r.Use(middleware.RateLimit(h.RateLimiter))
		}

		if h.Messages != nil {
			r.Post("/messages", h.Messages.Post)
		}
		if h.Sessions != nil {
			r.Route("/sessions/{id}", func(r chi.Router) {
				r.Get("/", h.Sessions.Get)
				r.Get("/messages", h.Sessions.Messages)
				r.Post("/close", h.Sessions.Close)
				r.Post("/feedback", h.Sessions.Feedback)
			})
		}
		if h.Knowledge != nil {
			r.Route("/knowledge", func(r chi.Router) {
				r.Post("/", h.Knowledge.Create)
				r.Get("/", h.Knowledge.List)
				r.Get("/search", h.Knowledge.Search)
				r.Get("/{id}", h.Knowledge.Get)
				r.Put("/{id}", h.Knowledge.Update)
				r.Delete("/{id}", h.Knowledge.Delete)
			})
		}
		if h.Handoffs != nil {
			r.Get("/handoffs", h.Handoffs.List)
			r.Post("/handoffs/{id}/resolve", h.Handoffs.Resolve)
		}
		if h.DeadLetters != nil {
			r.Get("/dead-letters", h.DeadLetters.List)
			r.Post("/dead-letters/{id}/reprocess", h.DeadLetters.Reprocess)
		}
		if h.Analytics != nil {
			r.Get("/analytics", h.Analytics.Get)
		}
	})

	if h.Events != nil {
		r.Handle("/ws/events", h.Events)
	}
	if h.Health != nil {
		r.Get("/health", h.Health.Health)
		r.Get("/ready", h.Health.Ready)
		r.Get("/status", h.Health.Status)
	}
}
