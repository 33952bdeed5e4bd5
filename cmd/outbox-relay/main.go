// Package main provides the outbox relay entry point. It publishes the
// prescription and renewal plan events written by the API to Kafka.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxrenew/internal/config"
	"github.com/drfirst/go-rxrenew/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxrenew/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxrenew/internal/observability/metrics"
	"github.com/drfirst/go-rxrenew/internal/observability/tracing"
)

const (
	serviceName         = "outbox-relay"
	maintenanceInterval = time.Minute
	processedRetention  = 7 * 24 * time.Hour
)

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

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns})
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	logger.Info("connected to database")

	brokers := cfg.Brokers()
	admin, err := redpanda.NewAdmin(brokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	replication := int16(3)
	if cfg.IsDev() {
		replication = 1
	}
	if err := admin.EnsureTopics(ctx, replication); err != nil {
		logger.Fatal("topic setup failed", zap.Error(err))
	}
	admin.Close()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = brokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", brokers))

	m := metrics.New(nil)

	outbox := postgres.NewOutbox(pool, producer, postgres.DefaultOutboxConfig(), logger)
	outbox.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("outbox relay started")

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			maintain(ctx, outbox, m, logger)
		}
	}

	logger.Info("shutting down")
	outbox.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", zap.Error(err))
	}
	logger.Info("outbox relay stopped")
}

// maintain dead-letters exhausted entries, prunes old processed ones and
// refreshes the pending gauge.
func maintain(ctx context.Context, outbox *postgres.Outbox, m *metrics.Metrics, logger *zap.Logger) {
	if n, err := outbox.MoveToDeadLetter(ctx); err != nil {
		logger.Error("dead letter pass failed", zap.Error(err))
	} else if n > 0 {
		logger.Warn("outbox entries dead-lettered", zap.Int64("count", n))
	}

	if n, err := outbox.CleanupProcessed(ctx, processedRetention); err != nil {
		logger.Error("outbox cleanup failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("outbox entries pruned", zap.Int64("count", n))
	}

	stats, err := outbox.GetStats(ctx)
	if err != nil {
		logger.Error("outbox stats failed", zap.Error(err))
		return
	}
	m.SetOutboxPending(stats.Pending)
	if stats.Failed > 0 {
		logger.Warn("outbox has exhausted entries", zap.Int64("failed", stats.Failed))
	}
}
