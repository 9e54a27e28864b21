/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the settlement engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load configuration (file, then SETTLE_* environment)
  3. Build the app (rails, stores, ledger, events, engine, router)
  4. Start the health monitor and reconciliation scheduler
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Config file (default: configs/settlement.yaml if present)
  -port    HTTP server port, overrides server.port
  -db      SQLite database path, overrides database.path
           Use ":memory:" for in-memory database

SIGNALS:
  SIGHUP:          Reload the rail catalog (rails_file)
  SIGINT/SIGTERM:  Graceful shutdown
    1. Stop accepting new connections
    2. Wait for active requests to complete (30s timeout)
    3. Stop the scheduler and health monitor
    4. Close database and broker connections

EXAMPLES:
  # Run with the shipped config
  ./server -config=configs/settlement.yaml

  # Run with in-memory database
  ./server -db=":memory:"

  # Production: secrets come from the environment
  SETTLE_SERVER_ENVIRONMENT=production SETTLE_AUTH_JWT_SECRET=... ./server

SEE ALSO:
  - app/app.go: Component wiring
  - config/config.go: Settings and environment overrides
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/settlement-engine/app"
	"github.com/warp/settlement-engine/config"
)

const defaultConfigPath = "configs/settlement.yaml"

func main() {
	// Flags
	configPath := flag.String("config", "", "Config file (YAML)")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	path := *configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("Failed to load configuration", "path", path, "error", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	// Initialize app
	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	a.Start()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      a.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // synchronous reconciliation runs
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server starting", "addr", server.Addr, "environment", cfg.Server.Environment, "config", path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for signals
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for s := range sig {
		if s != syscall.SIGHUP {
			break
		}
		if err := a.ReloadRails(); err != nil {
			logger.Error("Rail catalog reload failed, keeping current rails", "error", err)
		}
	}

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	if err := a.Close(); err != nil {
		logger.Error("Failed to release resources", "error", err)
	}

	logger.Info("Server stopped")
}
