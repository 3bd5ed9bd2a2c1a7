/*
main.go - Application entry point

PURPOSE:
  Starts the bonus ledger service: loads configuration, opens the store,
  builds the engine, starts the job scheduler and serves HTTP until a
  shutdown signal arrives.

STARTUP SEQUENCE:
  1. Load config (defaults, YAML file, flags, environment)
  2. Build the zerolog logger
  3. Open the store selected by database.driver
  4. Create engine, metrics, scheduler and router
  5. Serve with graceful shutdown

COMMAND-LINE FLAGS:
  -config        YAML config file
  -port          HTTP server port (default: 8080)
  -driver        sqlite | postgres | memory (default: sqlite)
  -db            SQLite path or PostgreSQL URL (default: ledger.db)
  -log-level     zerolog level (default: info)
  -log-format    json | console (default: json)
  -no-scheduler  Disable scheduled jobs

ENVIRONMENT:
  LEDGER_DB_DRIVER, LEDGER_DB_DSN, LEDGER_PORT, LEDGER_LOG_LEVEL
  override the file and flags.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for a running job)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the store

EXAMPLES:
  ./server -db="./data/ledger.db"
  ./server -driver=memory -log-format=console
  LEDGER_DB_DRIVER=postgres LEDGER_DB_DSN=postgres://ledger@db/ledger ./server
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/warp/bonus-ledger/api"
	"github.com/warp/bonus-ledger/config"
	"github.com/warp/bonus-ledger/ledger"
	"github.com/warp/bonus-ledger/ledger/store"
	"github.com/warp/bonus-ledger/logging"
	"github.com/warp/bonus-ledger/metrics"
	"github.com/warp/bonus-ledger/store/postgres"
	"github.com/warp/bonus-ledger/store/sqlite"
)

func main() {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging configuration: %v\n", err)
		os.Exit(2)
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx := context.Background()

	// Initialize store
	st, closer, err := openStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer closer.Close()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Engine
	engine := ledger.NewEngine(st)
	engine.Log = log.With().Str("component", "ledger").Logger()
	engine.Observer = m
	engine.ExpireDays = cfg.Ledger.ExpireDays
	engine.WelcomeBonus = cfg.Ledger.WelcomeBonus

	// Scheduler
	var scheduler *api.JobScheduler
	if cfg.Scheduler.Enabled {
		scheduler, err = api.NewJobScheduler(engine, cfg.Scheduler.Jobs)
		if err != nil {
			return fmt.Errorf("invalid scheduler configuration: %w", err)
		}
		scheduler.Timeout = cfg.Scheduler.Timeout
		scheduler.Log = log.With().Str("component", "scheduler").Logger()
		scheduler.Start()
		defer scheduler.Stop()
	} else {
		log.Info().Msg("[Scheduler] Disabled, not starting")
	}

	// Router
	handler := api.NewHandler(engine, scheduler)
	handler.Log = log.With().Str("component", "http").Logger()
	router := api.NewRouter(handler, m)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().
			Int("port", cfg.Port).
			Str("driver", cfg.Database.Driver).
			Msg("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case <-quit:
	}

	log.Info().Msg("Shutting down server...")
	if scheduler != nil {
		scheduler.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info().Msg("Server stopped")
	return nil
}

// openStore returns the configured backend and what to close on exit.
func openStore(ctx context.Context, db config.DatabaseConfig) (ledger.Store, io.Closer, error) {
	switch db.Driver {
	case config.DriverSQLite:
		s, err := sqlite.New(db.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case config.DriverPostgres:
		pool, err := postgres.Connect(ctx, db.DSN)
		if err != nil {
			return nil, nil, err
		}
		s, err := postgres.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, s, nil
	case config.DriverMemory:
		return store.NewMemory(), io.NopCloser(nil), nil
	}
	return nil, nil, fmt.Errorf("unknown database driver %q", db.Driver)
}
