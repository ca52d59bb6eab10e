package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hitenvats16/jasper/internal/config"
	"github.com/hitenvats16/jasper/internal/ratelimit"
	"github.com/hitenvats16/jasper/internal/voice"
	"github.com/hitenvats16/jasper/internal/worker"
	"github.com/hitenvats16/jasper/internal/worker/storage"
	"github.com/hitenvats16/jasper/shared/blobstore"
	"github.com/hitenvats16/jasper/shared/logger"
	"github.com/hitenvats16/jasper/shared/postgresql"
	"github.com/hitenvats16/jasper/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.Int("concurrency", cfg.Worker.Concurrency),
		slog.Int("prefetch", cfg.Worker.Prefetch),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	// Initialize object storage client
	blobClient, err := blobstore.NewClient(&blobstore.Config{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
		Bucket:    cfg.Storage.Bucket,
		Region:    cfg.Storage.Region,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize object storage: %w", err)
	}

	appLogger.Info("Object storage connection established")

	// Shared limiter for the quota-bound extraction runtime
	limiter, err := ratelimit.New(cfg.Worker.RateLimit.Budget, cfg.Worker.RateLimit.Window)
	if err != nil {
		return fmt.Errorf("failed to initialize rate limiter: %w", err)
	}

	jobStorage := storage.NewStorage(dbClient.GetDB(), appLogger.Logger)

	processor := worker.NewProcessor(
		jobStorage,
		blobClient,
		limiter,
		cfg.Worker.JobTimeout,
		appLogger.Logger,
	)

	factory := voice.NewFactory(&voice.Config{
		RuntimeURL:     cfg.Voice.RuntimeURL,
		CheckpointDir:  cfg.Voice.CheckpointDir,
		Device:         cfg.Voice.Device,
		RequestTimeout: cfg.Voice.RequestTimeout,
	}, appLogger.Logger)

	cache := worker.NewResourceCache(factory, appLogger.Logger)

	pool, err := worker.NewPool(cfg.Worker.Concurrency, cache, processor.Process, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}

	resolver := worker.NewResolver(jobStorage, cfg.Worker.RetryCeiling, appLogger.Logger)

	engine := worker.NewEngine(&worker.Config{
		Logger:       appLogger.Logger,
		RabbitClient: rabbitClient,
		Pool:         pool,
		Resolver:     resolver,
		Prefetch:     cfg.Worker.Prefetch,
		DrainTimeout: cfg.Worker.DrainTimeout,
	})

	// Run until interrupted
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appLogger.Info("Worker service is running",
		slog.String("queue", cfg.RabbitMQ.Queue.Name),
	)

	runErr := engine.Run(ctx)

	appLogger.Info("Shutting down worker service...")

	if err := rabbitClient.Close(); err != nil {
		appLogger.Error("Failed to close RabbitMQ connection",
			slog.Any("error", err),
		)
	}

	if err := dbClient.Close(); err != nil {
		appLogger.Error("Failed to close database connection",
			slog.Any("error", err),
		)
	}

	if runErr != nil {
		return fmt.Errorf("engine stopped: %w", runErr)
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueQuorum:        cfg.Queue.Quorum,
		DeadLetterExchange: cfg.Queue.DeadLetterExchange,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ReconnectInitial:   cfg.Reconnect.InitialBackoff,
		ReconnectMax:       cfg.Reconnect.MaxBackoff,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
