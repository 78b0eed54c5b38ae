/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the CommBank server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Open the store (memory, SQLite or PostgreSQL)
  3. Pick the account locker (in-process, or Redis when configured)
  4. Build engine, reporter and command dispatcher
  5. Bootstrap the peer bucket and default merchants
  6. Start the settlement worker and the HTTP server

COMMAND-LINE FLAGS:
  -port                  HTTP server port (default: 8080)
  -db-driver             memory, sqlite or postgres (default: sqlite)
  -db                    SQLite path or PostgreSQL URL (default: commbank.db)
  -redis                 Redis address for account locks across replicas
  -settlement-poll       Settlement worker interval (default: 2s)
  -settlement-min-delay  Shortest order settlement delay (default: 10s)
  -settlement-max-delay  Longest order settlement delay (default: 40s)
  -log-level, -log-format, -cors-origins, -seed, -tz

ENVIRONMENT:
  Every flag has an environment default: PORT, DB_DRIVER, DATABASE_URL,
  REDIS_ADDRESS, SETTLEMENT_POLL_INTERVAL, SETTLEMENT_MIN_DELAY,
  SETTLEMENT_MAX_DELAY, LOG_LEVEL, LOG_FORMAT, CORS_ORIGINS, SEED_MERCHANTS,
  TIMEZONE. A .env file in the working directory is loaded first.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the settlement worker
  4. Close store and Redis connections
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/commbank.db"

  # Run without persistence
  ./server -db-driver=memory

  # Two replicas sharing PostgreSQL and Redis
  DB_DRIVER=postgres DATABASE_URL=postgres://... REDIS_ADDRESS=localhost:6379 ./server

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - settlement/worker.go: Settlement polling
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/warp/commbank/api"
	"github.com/warp/commbank/command"
	"github.com/warp/commbank/config"
	"github.com/warp/commbank/ledger"
	"github.com/warp/commbank/ledger/store"
	"github.com/warp/commbank/lock"
	"github.com/warp/commbank/settlement"
	"github.com/warp/commbank/store/sqlstore"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := config.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("server failed")
	}
	logger.Info("server stopped")
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	db, closeStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer closeStore()
	logger.WithField("driver", cfg.DBDriver).Info("store ready")

	engine := ledger.NewEngine(db, logger)

	scheduler := settlement.NewScheduler()
	scheduler.MinDelay = cfg.SettlementMinDelay
	scheduler.MaxDelay = cfg.SettlementMaxDelay
	engine.Settlement = scheduler

	if cfg.RedisAddress != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.RedisAddress, err)
		}
		engine.Locker = lock.NewRedis(client, logger)
		logger.WithField("address", cfg.RedisAddress).Info("using redis account locks")
	}

	if err := engine.Bootstrap(ctx, cfg.SeedMerchants); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	reporter := ledger.NewReporter(db, cfg.Location)
	dispatcher := command.NewDispatcher(engine, logger)
	handler := api.NewHandler(engine, reporter, dispatcher, logger)

	worker := settlement.NewWorker(db, engine, logger)
	worker.PollInterval = cfg.SettlementPollInterval
	worker.Start()
	defer worker.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, cfg.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("🚀 Server starting on http://localhost:%d", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openStore builds the configured backend and its close func.
func openStore(cfg *config.Config) (ledger.TxStore, func() error, error) {
	switch cfg.DBDriver {
	case config.DriverMemory:
		return store.NewMemory(), func() error { return nil }, nil
	case config.DriverSQLite:
		s, err := sqlstore.Open(sqlstore.DriverSQLite, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverPostgres:
		s, err := sqlstore.Open(sqlstore.DriverPostgres, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.DBDriver)
}
