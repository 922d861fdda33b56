package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/bloomtext/bloomtext/internal/api/router"
	appconfig "github.com/bloomtext/bloomtext/internal/config"
	"github.com/bloomtext/bloomtext/internal/compliance"
	"github.com/bloomtext/bloomtext/internal/dispatch"
	"github.com/bloomtext/bloomtext/internal/events"
	"github.com/bloomtext/bloomtext/internal/http/handlers"
	"github.com/bloomtext/bloomtext/internal/inbound"
	"github.com/bloomtext/bloomtext/internal/observability/metrics"
	"github.com/bloomtext/bloomtext/internal/provider"
	"github.com/bloomtext/bloomtext/internal/queue"
	"github.com/bloomtext/bloomtext/internal/store"
	"github.com/bloomtext/bloomtext/pkg/logging"
)

func main() {
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting bloomtext API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("invalid DATABASE_URL", "error", err)
		os.Exit(1)
	}
	poolCfg.MinConns = int32(cfg.DBPoolMin)
	poolCfg.MaxConns = int32(cfg.DBPoolMax)
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	st := store.New(pool)
	pipelineMetrics := metrics.NewPipelineMetrics(prometheus.DefaultRegisterer)

	window, err := compliance.ParseWindow(cfg.QuietHoursStart, cfg.QuietHoursEnd)
	if err != nil {
		logger.Error("invalid quiet hours window", "error", err)
		os.Exit(1)
	}
	gate := compliance.NewGate(compliance.GateConfig{
		Store:     st,
		Window:    window,
		DefaultTZ: cfg.DefaultTimezone,
		MaxPerDay: cfg.MaxPerDay,
	})

	telnyx, err := provider.New(provider.Config{
		APIKey:    cfg.TelnyxAPIKey,
		PublicKey: cfg.TelnyxPubKey,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to create telnyx client", "error", err)
		os.Exit(1)
	}

	smsQueue := queue.New(rdb, dispatch.QueueSMS)
	campaignQueue := queue.New(rdb, dispatch.QueueCampaign)

	svc := dispatch.NewService(dispatch.ServiceConfig{
		Gate:          gate,
		Store:         st,
		Sender:        telnyx,
		SMSQueue:      smsQueue,
		CampaignQueue: campaignQueue,
		ProfileID:     cfg.TelnyxProfile,
		MaxAttempts:   cfg.MaxSendAttempts,
		BackoffBase:   cfg.SendBackoffBase,
		Logger:        logger,
		Metrics:       pipelineMetrics,
	})

	reconciler := inbound.New(inbound.Config{
		Store:          st,
		Sender:         telnyx,
		OptOutKeywords: cfg.OptOutKeywords,
		OptInKeywords:  cfg.OptInKeywords,
		OptOutReply:    cfg.OptOutReply,
		OptInReply:     cfg.OptInReply,
		ProfileID:      cfg.TelnyxProfile,
		Logger:         logger,
		Metrics:        pipelineMetrics,
	})

	webhookHandler := handlers.NewTelnyxWebhookHandler(handlers.TelnyxWebhookConfig{
		Verifier:   telnyx,
		Reconciler: reconciler,
		Processed:  events.NewProcessedTracker(rdb, 0),
		Logger:     logger,
		Metrics:    pipelineMetrics,
	})

	ratePerSecond := float64(cfg.APIRateLimitMax) / cfg.APIRateLimitWindow.Seconds()
	r := router.New(&router.Config{
		Logger:             logger,
		SendHandler:        handlers.NewSendHandler(svc, logger),
		CampaignHandler:    handlers.NewCampaignHandler(svc, st, logger),
		TelnyxWebhooks:     webhookHandler,
		HealthHandler:      handlers.NewHealthHandler(pool, rdb),
		MetricsHandler:     promhttp.Handler(),
		CORSAllowedOrigins: cfg.CORSOrigins,
		RateLimitPerSecond: ratePerSecond,
		RateLimitBurst:     cfg.APIRateLimitMax,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
