// Package main provides the renewal API entry point.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrenew/internal/api/handlers"
	"github.com/drfirst/go-rxrenew/internal/api/middleware"
	"github.com/drfirst/go-rxrenew/internal/config"
	"github.com/drfirst/go-rxrenew/internal/delivery"
	"github.com/drfirst/go-rxrenew/internal/dispatchlock"
	"github.com/drfirst/go-rxrenew/internal/domain/prescription"
	"github.com/drfirst/go-rxrenew/internal/domain/reminder"
	"github.com/drfirst/go-rxrenew/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxrenew/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxrenew/internal/notify"
	"github.com/drfirst/go-rxrenew/internal/observability/metrics"
	"github.com/drfirst/go-rxrenew/internal/observability/tracing"
	"github.com/drfirst/go-rxrenew/internal/rules"
)

const serviceName = "renewal-api"

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

	ctx := context.Background()

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
	logger.Info("policy loaded", zap.String("version", policy.Version))

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns})
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	logger.Info("connected to database")

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers()
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	emitter := notify.NewKafkaEmitter(producer, notify.DefaultTopic)

	m := metrics.New(nil)

	rxService := prescription.NewService(postgres.NewPrescriptionRepository(pool, logger), policy, emitter, logger)
	rxService.SetObserver(m)

	store := postgres.NewReminderStore(pool, logger)
	reminderService := reminder.NewService(store, policy.Reminders, logger)

	breakers := delivery.NewBreakers(m.BreakerStateChanged, logger)
	router, err := delivery.RouterFromConfig(cfg, breakers, logger)
	if err != nil {
		logger.Fatal("delivery setup failed", zap.Error(err))
	}
	locker, closeLocker, err := dispatchlock.New(ctx, cfg, pool, logger)
	if err != nil {
		logger.Fatal("dispatch lock setup failed", zap.Error(err))
	}
	defer closeLocker()

	workerCfg := reminder.DefaultWorkerConfig()
	workerCfg.BatchSize = cfg.DispatchBatchSize
	worker, err := reminder.NewWorker(store, store, router, policy.Reminders, workerCfg, logger,
		reminder.WithLocker(locker),
		reminder.WithEmitter(emitter),
		reminder.WithObserver(m),
	)
	if err != nil {
		logger.Fatal("dispatch worker setup failed", zap.Error(err))
	}

	prescriptionHandler := handlers.NewPrescriptionHandler(rxService, logger)
	reminderHandler := handlers.NewReminderHandler(reminderService, worker, logger)

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "healthy",
			"service":  serviceName,
			"policy":   policy.Version,
			"breakers": breakers.Health(),
		})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	apiKeys := map[string]string{}
	if cfg.APIKey != "" {
		apiKeys[cfg.APIKey] = "default"
	} else {
		logger.Warn("API_KEY not set, API is unauthenticated")
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(apiKeys))
		r.Mount("/prescriptions", prescriptionHandler.Routes())
		r.Mount("/patients", prescriptionHandler.PatientRoutes())
		r.Mount("/renewal-plans", prescriptionHandler.PlanRoutes())
		r.Mount("/appointments", reminderHandler.AppointmentRoutes())
		r.Mount("/reminders", reminderHandler.Routes())
	})

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("tracer shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting renewal API", zap.String("addr", cfg.HTTPAddr))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}
