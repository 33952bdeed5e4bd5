// Package main provides the reminder dispatcher entry point. It runs one
// dispatch batch per cron tick.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrenew/internal/config"
	"github.com/drfirst/go-rxrenew/internal/delivery"
	"github.com/drfirst/go-rxrenew/internal/dispatchlock"
	"github.com/drfirst/go-rxrenew/internal/domain/reminder"
	"github.com/drfirst/go-rxrenew/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxrenew/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxrenew/internal/notify"
	"github.com/drfirst/go-rxrenew/internal/observability/metrics"
	"github.com/drfirst/go-rxrenew/internal/observability/tracing"
	"github.com/drfirst/go-rxrenew/internal/rules"
)

const serviceName = "reminder-dispatcher"

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("invalid configuration", zap.Error(err))
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		zap.L().Fatal("invalid logger configuration", zap.Error(err))
	}
	defer logger.Sync()

	if err := cfg.RequireDatabase(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Enabled = cfg.TracingEnabled
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.SampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	policy, err := rules.LoadOrDefault(cfg.PolicyFile)
	if err != nil {
		logger.Fatal("policy load failed", zap.Error(err))
	}

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns})
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers()
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	m := metrics.New(nil)

	router, err := delivery.RouterFromConfig(cfg, delivery.NewBreakers(m.BreakerStateChanged, logger), logger)
	if err != nil {
		logger.Fatal("delivery setup failed", zap.Error(err))
	}

	locker, closeLocker, err := dispatchlock.New(ctx, cfg, pool, logger)
	if err != nil {
		logger.Fatal("dispatch lock setup failed", zap.Error(err))
	}
	defer closeLocker()

	store := postgres.NewReminderStore(pool, logger)
	workerCfg := reminder.DefaultWorkerConfig()
	workerCfg.BatchSize = cfg.DispatchBatchSize
	worker, err := reminder.NewWorker(store, store, router, policy.Reminders, workerCfg, logger,
		reminder.WithLocker(locker),
		reminder.WithEmitter(notify.NewKafkaEmitter(producer, notify.DefaultTopic)),
		reminder.WithObserver(m),
	)
	if err != nil {
		logger.Fatal("dispatch worker setup failed", zap.Error(err))
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err = c.AddFunc(cfg.DispatchSchedule, func() {
		res, err := worker.ProcessDue(ctx, time.Now(), cfg.DispatchBatchSize)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("dispatch run failed",
				zap.Int("success", res.Success),
				zap.Int("failed", res.Failed),
				zap.Error(err))
		}
	})
	if err != nil {
		logger.Fatal("invalid DISPATCH_SCHEDULE", zap.String("schedule", cfg.DispatchSchedule), zap.Error(err))
	}
	c.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("reminder dispatcher started",
		zap.String("schedule", cfg.DispatchSchedule),
		zap.String("lock", cfg.DispatchLock),
		zap.Int("batch_size", cfg.DispatchBatchSize))

	<-ctx.Done()
	logger.Info("shutting down")

	// Wait for a running batch; it sees the cancelled context and stops early.
	<-c.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", zap.Error(err))
	}
	logger.Info("reminder dispatcher stopped")
}
