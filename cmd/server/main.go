// Package main is the entry point for the credential registry server binary.
// It dispatches three subcommands — serve, migrate, and version — via a simple
// switch on os.Args so the binary's full CLI surface is readable in one place
// without requiring a cobra dependency. The serve command runs auto-migration
// on startup so freshly deployed containers never need a separate migration
// step.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/credential-registry/credential-registry/internal/api"
	"github.com/credential-registry/credential-registry/internal/audit"
	"github.com/credential-registry/credential-registry/internal/config"
	"github.com/credential-registry/credential-registry/internal/db"
	"github.com/credential-registry/credential-registry/internal/db/repositories"
	"github.com/credential-registry/credential-registry/internal/jobs"
	"github.com/credential-registry/credential-registry/internal/safego"
	"github.com/credential-registry/credential-registry/internal/telemetry"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "version":
		fmt.Printf("Credential Registry v%s\n", version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, version", command)
	}
}

func serve(cfg *config.Config) error {
	// Initialise structured logging as early as possible so all subsequent
	// output uses the configured format (json / text) and level.
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	slog.Info("connected to database",
		"host", cfg.Database.Host,
		"name", cfg.Database.Name,
		"max_connections", cfg.Database.MaxConnections,
	)

	// Export DB pool statistics to Prometheus until shutdown.
	stopDBStats := make(chan struct{})
	go telemetry.PollDBStats(database.DB, 15*time.Second, cfg.Database.MaxConnections, stopDBStats)
	defer close(stopDBStats)

	slog.Info("running database migrations")
	if err := db.RunMigrations(database, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Info("database migrations completed")

	// Prometheus metrics on a dedicated port so the scrape path is not
	// reachable through the public API ingress.
	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		safego.Go(func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		})
	}

	recorder, err := buildAuditRecorder(cfg)
	if err != nil {
		return fmt.Errorf("failed to configure audit shipping: %w", err)
	}

	// Background scanner that warns (once per key) before credentials expire.
	scanner := jobs.NewKeyExpiryScanner(
		repositories.NewAPIKeyRepository(database),
		recorder,
		cfg.Keys.ExpiryWarningDays,
		cfg.Keys.ExpiryScanIntervalHours,
	)
	safego.Go(func() { scanner.Start(context.Background()) })

	router := api.NewRouter(cfg, database, recorder)

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting server", "addr", cfg.Server.GetAddress())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	scanner.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// Drain in-flight audit events after the HTTP server has stopped
	// accepting requests.
	if err := recorder.Close(); err != nil {
		slog.Warn("audit recorder close", "error", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// buildAuditRecorder assembles the audit dispatcher from the configured
// shippers. No enabled shippers means audit events are dropped silently, which
// is the intended behavior for local development.
func buildAuditRecorder(cfg *config.Config) (audit.Recorder, error) {
	var shippers []audit.Shipper
	for _, sc := range cfg.Audit.Shippers {
		if !sc.Enabled {
			continue
		}
		switch sc.Type {
		case "file":
			fs, err := audit.NewFileShipper(sc.File.Path, sc.File.MaxSizeMB, sc.File.MaxBackups)
			if err != nil {
				return nil, fmt.Errorf("file shipper %q: %w", sc.File.Path, err)
			}
			shippers = append(shippers, fs)
			slog.Info("audit file shipper enabled", "path", sc.File.Path)
		case "webhook":
			timeout := time.Duration(sc.Webhook.TimeoutSecs) * time.Second
			shippers = append(shippers, audit.NewWebhookShipper(sc.Webhook.URL, sc.Webhook.Headers, timeout))
			slog.Info("audit webhook shipper enabled", "url", sc.Webhook.URL)
		default:
			return nil, fmt.Errorf("unknown audit shipper type %q", sc.Type)
		}
	}
	if len(shippers) == 0 {
		return audit.Nop{}, nil
	}
	return audit.NewDispatcher(shippers...), nil
}

func runMigrations(cfg *config.Config, direction string) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if err := db.RunMigrations(database, direction); err != nil {
		return fmt.Errorf("migration %s failed: %w", direction, err)
	}

	slog.Info("migration completed", "direction", direction)
	return nil
}
