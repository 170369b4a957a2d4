package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/invoice-assist/internal/api/handler"
	"github.com/cuongbtq/invoice-assist/internal/api/router"
	apistorage "github.com/cuongbtq/invoice-assist/internal/api/storage"
	"github.com/cuongbtq/invoice-assist/internal/broker"
	"github.com/cuongbtq/invoice-assist/internal/config"
	"github.com/cuongbtq/invoice-assist/internal/invoice"
	"github.com/cuongbtq/invoice-assist/internal/worker"
	"github.com/cuongbtq/invoice-assist/internal/worker/extract"
	workerstorage "github.com/cuongbtq/invoice-assist/internal/worker/storage"
	"github.com/cuongbtq/invoice-assist/shared/database"
	"github.com/cuongbtq/invoice-assist/shared/logger"
	"github.com/cuongbtq/invoice-assist/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
)

const (
	// maxRecoveredJobs bounds how many pending jobs are re-queued on startup.
	maxRecoveredJobs = 1000
	// staleHeartbeats is how many missed heartbeats mark a processing job abandoned.
	staleHeartbeats = 3
	// releaseGrace bounds the wait for canceled jobs to be returned to pending.
	releaseGrace = 5 * time.Second
)

type flags struct {
	configPath  *string
	port        *int
	dbDriver    *string
	dbDSN       *string
	rabbitMQ    *bool
	noWorker    *bool
	concurrency *int
	logLevel    *string
}

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

	fs := ff.NewFlagSet("backend-service")
	f := flags{
		configPath:  fs.StringLong("config", "configs/config.yaml", "Path to configuration file"),
		port:        fs.IntLong("port", 0, "HTTP server port (overrides server.port)"),
		dbDriver:    fs.StringLong("db-driver", "", "Database driver: sqlite or postgres"),
		dbDSN:       fs.StringLong("db-dsn", "", "Database DSN or sqlite file path"),
		rabbitMQ:    fs.BoolLong("rabbitmq", "Queue jobs through RabbitMQ instead of memory"),
		noWorker:    fs.BoolLong("no-worker", "Do not run the embedded extraction worker"),
		concurrency: fs.IntLong("worker-concurrency", 0, "Number of concurrent extraction jobs"),
		logLevel:    fs.StringLong("log-level", "", "Log level: debug, info, warn, error"),
	}

	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("INVOICE_ASSIST")); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		return fmt.Errorf("failed to parse flags: %w", err)
	}

	// Load configuration
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting backend service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize database client
	dbClient, err := initDatabase(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	apiStorage := apistorage.NewStorage(dbClient, appLogger.Logger)
	if err := apiStorage.Migrate(context.Background()); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	appLogger.Info("Database connection established", slog.String("driver", dbClient.Driver()))

	// Initialize job broker
	jobBroker, err := initBroker(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}
	defer jobBroker.Close()

	workerStorage := workerstorage.NewStorage(dbClient, appLogger.Logger)
	if !cfg.RabbitMQ.Enabled {
		if !cfg.Worker.Enabled {
			appLogger.Warn("In-memory queue without an embedded worker: jobs will stay pending")
		}
		// Only this process consumes the in-memory queue, so every processing
		// row was left behind by its previous run.
		resetStaleJobs(context.Background(), workerStorage, 0, appLogger.Logger)
		recoverPendingJobs(context.Background(), apiStorage, jobBroker, appLogger.Logger)
	} else if cfg.Worker.Enabled {
		// Rabbit redelivers unacked messages; the rows they point at must be claimable.
		resetStaleJobs(context.Background(), workerStorage, staleHeartbeats*cfg.Worker.HeartbeatInterval, appLogger.Logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start the embedded worker
	var jobWorker *worker.Worker
	workerErr := make(chan error, 1)
	if cfg.Worker.Enabled {
		jobWorker = worker.NewWorker(&worker.Config{
			Logger:            appLogger.Logger,
			Storage:           workerStorage,
			Consumer:          jobBroker,
			Extractor:         extract.NewExtractor(cfg.Worker.MaxPages, appLogger.Logger),
			WorkerID:          cfg.Worker.ID,
			Concurrency:       cfg.Worker.Concurrency,
			JobTimeout:        cfg.Worker.JobTimeout,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		})

		go func() {
			if err := jobWorker.Start(ctx); err != nil {
				workerErr <- err
			}
		}()
	}

	// Initialize router
	r := initRouter(cfg, appLogger.Logger, apiStorage, jobBroker)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("Backend service is running",
		slog.String("address", addr),
		slog.Bool("worker", cfg.Worker.Enabled),
		slog.Bool("rabbitmq", cfg.RabbitMQ.Enabled),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		runErr = err
	case err := <-workerErr:
		appLogger.Error("Worker error", slog.Any("error", err))
		runErr = err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.Any("error", err))
	}

	// Let in-flight jobs finish before canceling them.
	if jobWorker != nil {
		stopWorker(jobWorker, cfg.Worker.ShutdownTimeout, cancel, appLogger.Logger)
	}
	cancel()

	appLogger.Info("Backend service shutdown complete")
	return runErr
}

// loadConfig reads the config file and applies flag overrides on top.
func loadConfig(f flags) (*config.Config, error) {
	cfg, err := config.Load(*f.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if *f.port != 0 {
		cfg.Server.Port = *f.port
	}
	if *f.dbDriver != "" {
		cfg.Database.Driver = *f.dbDriver
	}
	if *f.dbDSN != "" {
		cfg.Database.DSN = *f.dbDSN
	}
	if *f.rabbitMQ {
		cfg.RabbitMQ.Enabled = true
	}
	if *f.noWorker {
		cfg.Worker.Enabled = false
	}
	if *f.concurrency != 0 {
		cfg.Worker.Concurrency = *f.concurrency
	}
	if *f.logLevel != "" {
		cfg.Logging.Level = *f.logLevel
	}

	cfg.ApplyDefaults()
	if err := cfg.ValidateBackendConfig(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		NoColor:      cfg.NoColor,
	}

	return logger.New(loggerCfg)
}

// initDatabase initializes the job store client
func initDatabase(cfg *config.DatabaseConfig, logger *slog.Logger) (*database.Client, error) {
	dbConfig := &database.Config{
		Driver:          cfg.Driver,
		DSN:             cfg.DSN,
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

	return database.NewClient(dbConfig, logger)
}

// initBroker connects to RabbitMQ when enabled and falls back to an in-memory queue.
func initBroker(cfg *config.RabbitMQConfig, logger *slog.Logger) (broker.Broker, error) {
	if !cfg.Enabled {
		logger.Info("Using in-memory job queue")
		return broker.NewMemory(0, logger), nil
	}

	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	client, err := rabbitmq.NewClient(rabbitConfig, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("RabbitMQ connection established")
	return broker.NewRabbit(client, logger), nil
}

// recoverPendingJobs re-queues jobs an in-memory queue lost on restart.
func recoverPendingJobs(ctx context.Context, store *apistorage.Storage, pub broker.Publisher, logger *slog.Logger) {
	jobs, err := store.ListJobs(ctx, apistorage.JobFilter{
		Status:   string(invoice.StatusPending),
		PageSize: maxRecoveredJobs,
	})
	if err != nil {
		logger.Error("Failed to list pending jobs", slog.Any("error", err))
		return
	}

	for _, job := range jobs {
		if err := pub.Publish(ctx, broker.JobMessage{JobID: job.JobID}); err != nil {
			logger.Error("Failed to re-queue pending job",
				slog.String("job_id", job.JobID),
				slog.Any("error", err),
			)
			return
		}
	}

	if len(jobs) > 0 {
		logger.Info("Re-queued pending jobs", slog.Int("count", len(jobs)))
	}
}

// stopWorker waits for in-flight jobs. After timeout it cancels them, which
// returns their rows to pending, and waits a short grace period for that.
func stopWorker(w *worker.Worker, timeout time.Duration, cancel context.CancelFunc, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Worker stopped gracefully")
		return
	case <-time.After(timeout):
		logger.Warn("Worker shutdown timeout exceeded, canceling in-flight jobs")
	}

	cancel()
	select {
	case <-done:
		logger.Info("Worker stopped after canceling in-flight jobs")
	case <-time.After(releaseGrace):
		logger.Warn("Worker did not stop, forcing exit")
	}
}

// resetStaleJobs makes processing rows abandoned by a dead worker claimable again.
func resetStaleJobs(ctx context.Context, store *workerstorage.Storage, staleAfter time.Duration, logger *slog.Logger) {
	if _, err := store.ResetStaleJobs(ctx, staleAfter); err != nil {
		logger.Error("Failed to reset stale jobs", slog.Any("error", err))
	}
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, store *apistorage.Storage, pub broker.Publisher) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	handlerDeps := &handler.Dependencies{
		Logger:    logger,
		Storage:   store,
		Publisher: pub,
		Config: handler.Config{
			ServiceName:    cfg.App.Name,
			Version:        cfg.App.Version,
			MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
			MaxRetries:     cfg.Worker.MaxRetries,
			HistoryLimit:   cfg.Server.HistoryLimit,
		},
	}

	return router.SetupRouter(handlerDeps)
}
