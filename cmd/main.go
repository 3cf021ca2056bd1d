/**
 * @description
 * Entry point for the loyalty-service. It wires configuration, the Postgres
 * pool, Redis, RabbitMQ, the engine components, the cron scheduler and the
 * HTTP server, then blocks until SIGINT/SIGTERM.
 *
 * @dependencies
 * - github.com/joho/godotenv: .env loading for local development.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Points rate limiting.
 * - pkg/rabbitmq: Domain events and the notification retry queue.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/loyalty/loyalty-service/internal/api"
	"github.com/loyalty/loyalty-service/internal/app"
	"github.com/loyalty/loyalty-service/internal/config"
	"github.com/loyalty/loyalty-service/internal/domain"
	"github.com/loyalty/loyalty-service/internal/store"
	"github.com/loyalty/loyalty-service/pkg/rabbitmq"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("starting loyalty-service", "component", "bootstrap", "port", cfg.ServerPort)

	if cfg.InternalAPIKey == "" && cfg.ServiceJWTSecret == "" {
		logger.Warn("no service credentials configured; /v1 routes are unauthenticated", "component", "bootstrap")
	}

	ctx, stopConsumers := context.WithCancel(context.Background())
	defer stopConsumers()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("database url parse failed", "component", "bootstrap", "err", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = int32(cfg.DBMaxConns)
	poolConfig.MinConns = int32(cfg.DBMinConns)
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("database connection failed", "component", "bootstrap", "err", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connected", "component", "bootstrap")

	caps, err := store.DetectCapabilities(ctx, dbpool)
	if err != nil {
		logger.Warn("schema capability detection failed; optional features disabled", "component", "bootstrap", "err", err)
	}
	repository := store.NewPostgresStore(dbpool, caps, store.Options{
		LockTimeout:      cfg.LockTimeout(),
		StatementTimeout: cfg.StatementTimeout(),
	})

	var publisher rabbitmq.Publisher
	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("rabbitmq producer unavailable; using fallback", "component", "bootstrap", "err", err)
		publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	} else {
		defer producer.Close()
		publisher = producer
		logger.Info("rabbitmq producer connected", "component", "bootstrap")
	}

	var limiter app.RateLimiter
	if cfg.PointsRateLimitPerMinute > 0 {
		if redisClient := connectRedis(cfg, logger); redisClient != nil {
			defer redisClient.Close()
			limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix, cfg.PointsRateLimitPerMinute, time.Minute)
		}
	}

	cards := app.NewCardProvisioner(cfg.CardNumberMaxAttempts, logger)
	notifier := app.NewNotificationDispatcher(repository, publisher, cfg.EventsExchange, logger)
	processor := app.NewEnrollmentProcessor(repository, cards, notifier, publisher, app.ProcessorConfig{
		EventsExchange: cfg.EventsExchange,
		ApprovalExpiry: cfg.ApprovalExpiry(),
	}, logger)
	ledger := app.NewPointsLedger(repository, notifier, publisher, limiter, app.LedgerConfig{
		EventsExchange: cfg.EventsExchange,
	}, logger)
	auditor := app.NewConsistencyAuditor(repository, cards, ledger, notifier, publisher, cfg.EventsExchange, logger)

	if producer != nil {
		startRetryConsumer(ctx, cfg, notifier, publisher, logger)
	}

	jobs := app.NewJobs(auditor, processor, cfg.AuditAutoRepair, logger)
	scheduler := app.NewScheduler(jobs, logger, cfg)
	scheduler.Start()

	handlers := api.NewHandlers(processor, ledger, auditor, notifier, logger)
	router := api.NewRouter(handlers, api.RouterConfig{
		JWTSecret:      cfg.ServiceJWTSecret,
		InternalAPIKey: cfg.InternalAPIKey,
		AllowedOrigins: cfg.AllowedOrigins(),
		RequestTimeout: cfg.RequestTimeout(),
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "component", "http", "addr", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped unexpectedly", "component", "http", "err", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started", "component", "http")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "component", "http", "err", err)
	}

	stopConsumers()
	<-scheduler.Stop().Done()
	logger.Info("shutdown complete", "component", "http")
}

func newLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// connectRedis returns nil when Redis is not configured or unreachable; the
// ledger then runs without a rate limit.
func connectRedis(cfg config.Config, logger *slog.Logger) *redis.Client {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		logger.Warn("redis url missing; points rate limiting disabled", "component", "bootstrap", "env", "REDIS_URL")
		return nil
	}
	options, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url parse failed; points rate limiting disabled", "component", "bootstrap", "err", err)
		return nil
	}
	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; points rate limiting disabled", "component", "bootstrap", "err", err)
		client.Close()
		return nil
	}
	logger.Info("redis connected", "component", "bootstrap")
	return client
}

func startRetryConsumer(ctx context.Context, cfg config.Config, notifier *app.NotificationDispatcher, publisher rabbitmq.Publisher, logger *slog.Logger) {
	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("rabbitmq consumer unavailable; notification retries disabled", "component", "bootstrap", "err", err)
		return
	}
	go func() {
		<-ctx.Done()
		consumer.Close()
	}()

	retries := app.NewNotificationRetryHandler(notifier, publisher, cfg.EventsExchange, app.DefaultNotificationRetryAttempts, logger)
	bindings := map[string]rabbitmq.HandlerFunc{
		domain.EventNotificationRetry: retries.Handle,
	}
	if err := consumer.ConsumeWithBindings(ctx, cfg.EventsExchange, cfg.NotificationRetryQueue, bindings); err != nil {
		logger.Error("notification retry consumer start failed", "component", "bootstrap", "err", err)
		return
	}
	logger.Info("notification retry consumer started", "component", "bootstrap", "queue", cfg.NotificationRetryQueue)
}
