// Package main provides the appointment consumer entry point. It schedules
// reminders for every appointment created by the booking system.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxrenew/internal/config"
	"github.com/drfirst/go-rxrenew/internal/domain/reminder"
	"github.com/drfirst/go-rxrenew/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxrenew/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxrenew/internal/intake"
	"github.com/drfirst/go-rxrenew/internal/observability/metrics"
	"github.com/drfirst/go-rxrenew/internal/observability/tracing"
	"github.com/drfirst/go-rxrenew/internal/rules"
	"github.com/drfirst/go-rxrenew/pkg/idempotency"
)

const serviceName = "appointment-consumer"

// deadLetter is the record written to the dead letter topic.
type deadLetter struct {
	Topic     string          `json:"topic"`
	Partition int32           `json:"partition"`
	Offset    int64           `json:"offset"`
	Error     string          `json:"error"`
	Payload   json.RawMessage `json:"payload"`
	FailedAt  time.Time       `json:"failed_at"`
}

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
	if err := postgres.Migrate(ctx, pool); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers()
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	m := metrics.New(nil)

	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	svc := reminder.NewService(postgres.NewReminderStore(pool, logger), policy.Reminders, logger)
	handler := intake.NewAppointmentHandler(svc, inbox, m, logger)

	toDeadLetter := func(ctx context.Context, msg *redpanda.ConsumedMessage, cause error) {
		payload := json.RawMessage(msg.Value)
		if !json.Valid(msg.Value) {
			payload, _ = json.Marshal(string(msg.Value))
		}
		value, err := json.Marshal(deadLetter{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Error:     cause.Error(),
			Payload:   payload,
			FailedAt:  time.Now().UTC(),
		})
		if err != nil {
			logger.Error("dead letter encode failed", zap.Error(err))
			return
		}
		if err := producer.ProduceMessage(ctx, redpanda.TopicDeadLetter, string(msg.Key), value); err != nil {
			logger.Error("dead letter publish failed",
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
	}

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Brokers()
	consumerCfg.GroupID = cfg.ConsumerGroup
	consumerCfg.Pool.Workers = cfg.ConsumerWorkers

	consumer, err := redpanda.NewConsumer(consumerCfg, handler.Handle, logger,
		redpanda.WithFailureHandler(toDeadLetter))
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("appointment consumer started",
		zap.String("group", consumerCfg.GroupID),
		zap.Strings("topics", consumerCfg.Topics),
		zap.Int("workers", consumerCfg.Pool.Workers))

	<-ctx.Done()
	logger.Info("shutting down")

	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop error", zap.Error(err))
	}
	stats := consumer.Stats()
	logger.Info("consumer stopped",
		zap.Int64("messages_read", stats.MessagesRead),
		zap.Int64("failures", stats.Failures))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", zap.Error(err))
	}
}
