// Package router assembles the chi router for the API process.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bloomtext/bloomtext/internal/http/handlers"
	httpmiddleware "github.com/bloomtext/bloomtext/internal/http/middleware"
	"github.com/bloomtext/bloomtext/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	SendHandler        *handlers.SendHandler
	CampaignHandler    *handlers.CampaignHandler
	TelnyxWebhooks     *handlers.TelnyxWebhookHandler
	HealthHandler      *handlers.HealthHandler
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string

	// Per-tenant API rate limit; zero disables it.
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints (webhooks, health checks)
	r.Group(func(public chi.Router) {
		if cfg.HealthHandler != nil {
			public.Get("/health", cfg.HealthHandler.Live)
			public.Get("/ready", cfg.HealthHandler.Ready)
		}
		if cfg.TelnyxWebhooks != nil {
			public.Post("/webhooks/telnyx/messages", cfg.TelnyxWebhooks.HandleMessages)
		}
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	// Tenant-scoped API routes
	r.Route("/api", func(api chi.Router) {
		api.Use(httpmiddleware.RequireTenant)
		if cfg.RateLimitPerSecond > 0 {
			burst := cfg.RateLimitBurst
			if burst <= 0 {
				burst = int(cfg.RateLimitPerSecond)
			}
			api.Use(httpmiddleware.RateLimit(cfg.RateLimitPerSecond, burst))
		}
		if cfg.SendHandler != nil {
			api.Post("/sms/send", cfg.SendHandler.Send)
		}
		if cfg.CampaignHandler != nil {
			api.Post("/campaigns/{campaignID}/send", cfg.CampaignHandler.Trigger)
		}
	})

	return r
}
