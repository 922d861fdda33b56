package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/bloomtext/bloomtext/internal/config"
	"github.com/bloomtext/bloomtext/internal/compliance"
	"github.com/bloomtext/bloomtext/internal/dispatch"
	"github.com/bloomtext/bloomtext/internal/observability/metrics"
	"github.com/bloomtext/bloomtext/internal/provider"
	"github.com/bloomtext/bloomtext/internal/queue"
	"github.com/bloomtext/bloomtext/internal/store"
	"github.com/bloomtext/bloomtext/pkg/logging"
)

func main() {
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting bloomtext delivery worker",
		"env", cfg.Env,
		"sms_workers", cfg.SMSWorkerCount,
		"campaign_workers", cfg.CampaignWorkerCount,
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

	smsWorker := queue.NewWorker(queue.WorkerConfig{
		Queue:       smsQueue,
		Handler:     svc.HandleSend,
		Limiter:     queue.NewRateLimiter(rdb, "send", cfg.SendRateMax, cfg.SendRateWindow),
		Concurrency: cfg.SMSWorkerCount,
		Logger:      logger,
	})
	campaignWorker := queue.NewWorker(queue.WorkerConfig{
		Queue:       campaignQueue,
		Handler:     svc.HandleCampaign,
		Concurrency: cfg.CampaignWorkerCount,
		Logger:      logger,
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		smsWorker.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		campaignWorker.Run(ctx)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("delivery worker shutting down")
	cancel()
	wg.Wait()
	logger.Info("delivery worker stopped")
}
