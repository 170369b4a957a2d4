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

	"github.com/cuongbtq/invoice-assist/internal/client/coordinator"
	"github.com/cuongbtq/invoice-assist/internal/client/transport"
	"github.com/cuongbtq/invoice-assist/internal/client/web"
	"github.com/cuongbtq/invoice-assist/internal/config"
	"github.com/cuongbtq/invoice-assist/shared/logger"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
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

	fs := ff.NewFlagSet("web-client")
	var (
		configPath = fs.StringLong("config", "configs/config.yaml", "Path to configuration file")
		port       = fs.IntLong("port", 0, "HTTP port of the web client (overrides web.port)")
		backendURL = fs.StringLong("backend-url", "", "Backend API base URL, e.g. http://localhost:8080/api")
		language   = fs.StringLong("language", "", "OCR language sent with uploads")
		logLevel   = fs.StringLong("log-level", "", "Log level: debug, info, warn, error")
	)

	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("INVOICE_ASSIST")); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		return fmt.Errorf("failed to parse flags: %w", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *port != 0 {
		cfg.Web.Port = *port
	}
	if *backendURL != "" {
		cfg.Client.BaseURL = *backendURL
	}
	if *language != "" {
		cfg.Client.Language = *language
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	cfg.ApplyDefaults()
	if err := cfg.ValidateWebConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
		NoColor:      cfg.Logging.NoColor,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting web client",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("backend", cfg.Client.BaseURL),
	)

	backend := transport.NewClient(transport.Config{
		BaseURL:   cfg.Client.BaseURL,
		Timeout:   cfg.Client.Timeout,
		UserAgent: cfg.App.Name + "-web/" + cfg.App.Version,
		Language:  cfg.Client.Language,
	}, appLogger.Logger)

	policy := coordinator.Config{
		PollInterval:           cfg.Client.PollInterval,
		MaxConsecutiveFailures: cfg.Client.MaxConsecutiveFailures,
		PollTimeout:            cfg.Client.PollTimeout,
		SubmitRetries:          cfg.Client.SubmitRetries,
		SubmitBackoff:          cfg.Client.SubmitBackoff,
		BackoffMultiplier:      cfg.Client.BackoffMultiplier,
	}
	coordLogger := appLogger.Logger.With(slog.String("component", "coordinator"))

	sessions := web.NewSessionRegistry(func() *coordinator.Coordinator {
		return coordinator.New(backend,
			coordinator.WithConfig(policy),
			coordinator.WithLogger(coordLogger),
		)
	}, cfg.Web.SessionTTL, appLogger.Logger)
	defer sessions.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sessions.Run(ctx, cfg.Web.SweepInterval)

	if err := backend.Health(ctx); err != nil {
		appLogger.Warn("Backend is not reachable yet", slog.Any("error", err))
	}

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := web.SetupRouter(&web.Dependencies{
		Logger:   appLogger.Logger,
		Backend:  backend,
		Sessions: sessions,
		Config: web.Config{
			ServiceName:     cfg.App.Name + "-web",
			MaxUploadBytes:  int64(cfg.Web.MaxUploadMB) << 20,
			RefreshInterval: cfg.Web.RefreshInterval,
			HistoryLimit:    cfg.Web.HistoryLimit,
			SessionTTL:      cfg.Web.SessionTTL,
			SecureCookies:   cfg.Web.SecureCookies,
		},
	})

	addr := fmt.Sprintf(":%d", cfg.Web.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("Web client is running", slog.String("address", "http://localhost"+addr))

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
	}

	// Event streams stay open until their job ends, so cancel them after the timeout.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn("Server forced to shutdown", slog.Any("error", err))
		srv.Close()
	}

	appLogger.Info("Web client shutdown complete")
	return runErr
}
