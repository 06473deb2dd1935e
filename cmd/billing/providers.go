package main

import (
	"context"
	"fmt"

	"github.com/septivank/utility-billing/internal/anomaly"
	"github.com/septivank/utility-billing/internal/audit"
	"github.com/septivank/utility-billing/internal/billing"
	"github.com/septivank/utility-billing/internal/cache"
	"github.com/septivank/utility-billing/internal/config"
	"github.com/septivank/utility-billing/internal/db"
	"github.com/septivank/utility-billing/internal/mq"
	"github.com/septivank/utility-billing/internal/reading"
	"github.com/septivank/utility-billing/internal/repository"
	"github.com/septivank/utility-billing/internal/security"
	"github.com/septivank/utility-billing/internal/service"
	"github.com/septivank/utility-billing/internal/store"
	"github.com/septivank/utility-billing/internal/store/memstore"
	"github.com/septivank/utility-billing/internal/validator"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ProvideStore creates the PostgreSQL repository, or the in-memory store
// when STORE_DRIVER=memory
func ProvideStore(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (store.Store, error) {
	if cfg.StoreDriver == config.StoreMemory {
		logger.Warn("using in-memory store, data is lost on restart")
		return memstore.New(), nil
	}
	pool, err := db.NewPool(lc, logger, db.PoolOptions{
		URL:           cfg.Database.URL,
		MaxConns:      int32(cfg.Database.MaxConns),
		RunMigrations: cfg.Database.AutoMigrate,
	})
	if err != nil {
		return nil, err
	}
	return repository.NewRepository(pool), nil
}

// ProvideCache connects to Redis, or falls back to an in-process cache when
// REDIS_ADDR is not set
func ProvideCache(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (cache.Cache, error) {
	if cfg.Redis.Addr == "" {
		logger.Info("REDIS_ADDR not set, using in-process cache")
		return cache.NewMemory(), nil
	}
	r, err := cache.NewRedis(context.Background(), cache.RedisConfig{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot connect to Redis (check REDIS_ADDR): %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if err := r.Close(); err != nil {
				logger.Error("failed to close redis client", zap.Error(err))
				return err
			}
			logger.Info("redis connection closed")
			return nil
		},
	})
	logger.Info("redis cache connected", zap.String("addr", cfg.Redis.Addr))
	return r, nil
}

// ProvideMQConnection connects to RabbitMQ. Without RABBITMQ_URL there is no
// connection and events are only logged.
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	if cfg.RabbitMQ.URL == "" {
		logger.Info("RABBITMQ_URL not set, messaging disabled")
		return nil, nil
	}
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvideEventPublisher publishes domain events to the events exchange
func ProvideEventPublisher(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (mq.EventPublisher, error) {
	if conn == nil {
		return mq.NewLogPublisher(logger), nil
	}
	publisher, err := mq.NewPublisher(conn, cfg.RabbitMQ.EventsExchange, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}

// ProvideValidator creates the meter reading validator
func ProvideValidator(cfg *config.Config) *validator.Validator {
	return validator.NewValidator(cfg.Validation.FutureToleranceMinutes)
}

// ProvideRequestValidator creates the request DTO validator
func ProvideRequestValidator() *validator.RequestValidator {
	return validator.NewRequestValidator()
}

// ProvideAnomalyDetector creates a new anomaly detector instance
func ProvideAnomalyDetector(cfg *config.Config) *anomaly.Detector {
	return anomaly.NewDetector(cfg.Anomaly.SpikeThreshold, cfg.Anomaly.MinDataPointsForDetection)
}

// ProvideCollector creates the reading collector
func ProvideCollector(s store.Store, v *validator.Validator, detector *anomaly.Detector, events mq.EventPublisher, logger *zap.Logger) *reading.Collector {
	return reading.NewCollector(s, v, detector, events, logger)
}

// ProvideTariffService creates the tariff service
func ProvideTariffService(s store.Store, logger *zap.Logger) *service.TariffService {
	return service.NewTariffService(s, logger)
}

// ProvideCalculator creates the billing calculator
func ProvideCalculator(c cache.Cache, cfg *config.Config, logger *zap.Logger) *billing.Calculator {
	return billing.NewCalculator(c, billing.Options{
		MaxConsumption: cfg.Billing.MaxConsumption,
		CacheTTL:       cfg.Billing.CacheTTL,
	}, logger)
}

// ProvideBillingRun creates the tenant billing run
func ProvideBillingRun(s store.Store, calculator *billing.Calculator, logger *zap.Logger) *billing.Run {
	return billing.NewRun(s, calculator, logger)
}

// ProvideTracker creates the change tracker
func ProvideTracker(s store.Store, c cache.Cache, cfg *config.Config, logger *zap.Logger) *audit.Tracker {
	return audit.NewTracker(s, c, cfg.Audit.ChangeCacheTTL, logger)
}

// ProvideRollbackService creates the rollback service
func ProvideRollbackService(s store.Store, tracker *audit.Tracker, events mq.EventPublisher, logger *zap.Logger) *audit.RollbackService {
	return audit.NewRollbackService(s, tracker, events, logger)
}

// ProvideReporter creates the audit reporter
func ProvideReporter(s store.Store, detector *anomaly.Detector, c cache.Cache, cfg *config.Config, logger *zap.Logger) *audit.Reporter {
	return audit.NewReporter(s, detector, c, audit.ReporterOptions{
		CacheTTL:            cfg.Audit.ReportCacheTTL,
		BulkChangeThreshold: cfg.Audit.BulkChangeThreshold,
		RetentionDays:       cfg.Audit.RetentionDays,
	}, logger)
}

// ProvideSecurityRecorder creates the CSP violation recorder
func ProvideSecurityRecorder(s store.Store, cfg *config.Config, logger *zap.Logger) (*security.Recorder, error) {
	key, generated, err := security.KeyFromHex(cfg.Security.KeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid SECURITY_KEY: %w", err)
	}
	if generated {
		logger.Warn("SECURITY_KEY not set, using an ephemeral key: stored blocked URIs cannot be decrypted after restart")
	}
	sealer, err := security.NewSealer(key)
	if err != nil {
		return nil, err
	}
	return security.NewRecorder(s, sealer, logger), nil
}

// ProvideProcessorService creates the reading ingest processor
func ProvideProcessorService(collector *reading.Collector, requests *validator.RequestValidator, c cache.Cache, logger *zap.Logger) *service.ProcessorService {
	return service.NewProcessorService(collector, requests, c, service.DefaultIdempotencyTTL, logger)
}

// startIngest consumes reading.submitted messages when ingest is enabled
func startIngest(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, logger *zap.Logger, processor *service.ProcessorService) error {
	if !cfg.RabbitMQ.IngestEnabled || conn == nil {
		logger.Info("reading ingest disabled")
		return nil
	}

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:    conn,
		Queue:         cfg.RabbitMQ.IngestQueue,
		DLQQueue:      cfg.RabbitMQ.DLQQueue,
		Exchange:      cfg.RabbitMQ.IngestExchange,
		RoutingKey:    cfg.RabbitMQ.IngestRoutingKey,
		PrefetchCount: cfg.RabbitMQ.PrefetchCount,
		Logger:        logger,
		Handler:       processor.ProcessMessage,
	})
	if err != nil {
		return err
	}
	consumer.RegisterLifecycle(lc)
	return nil
}
