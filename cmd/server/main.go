/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the dues engine service: HTTP triggers, the daily
  job scheduler and the notification dispatcher.

STARTUP SEQUENCE:
  1. Load configuration (defaults, config.yaml, .env, DUES_* env)
  2. Build logger, install trace and metric providers
  3. Open SQLite store
  4. Create engine (Redis ledger lock when redis.addr is set)
  5. Start notification dispatcher and job scheduler
  6. Start HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to a config file (default: ./config.yaml if present)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop scheduler and dispatcher
  4. Flush traces and metrics, close Redis and database
  5. Exit

EXAMPLES:
  # Run with defaults
  ./server

  # In-memory database on another port
  DUES_DATABASE_PATH=":memory:" DUES_SERVER_PORT=3000 ./server

SEE ALSO:
  - config/config.go: All settings
  - api/server.go: Router configuration
  - cmd/billingctl: Operator CLI for the same jobs
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/dues-engine/api"
	"github.com/warp/dues-engine/billing"
	"github.com/warp/dues-engine/config"
	"github.com/warp/dues-engine/lock"
	"github.com/warp/dues-engine/notify"
	"github.com/warp/dues-engine/store/sqlite"
	"golang.org/x/time/rate"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	logger := config.NewLogger(cfg.Log)
	log := config.Component(logger, "server")

	shutdownTelemetry, err := config.SetupTelemetry(context.Background(), cfg.Telemetry)
	if err != nil {
		log.WithError(err).Fatal("failed to set up telemetry")
	}

	// Initialize store
	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			log.WithError(err).Fatal("failed to create database directory")
		}
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize database")
	}
	defer store.Close()

	// Engine
	engine := billing.NewEngine(store, config.Component(logger, "billing"))
	engine.FreezeMonths = cfg.Billing.FreezeMonths
	engine.SuspensionMonths = cfg.Billing.SuspensionMonths

	if cfg.Redis.Addr != "" {
		rdb, err := lock.Connect(context.Background(), cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to redis")
		}
		defer rdb.Close()
		engine.Locker = lock.NewRedisLocker(rdb, config.Component(logger, "lock"))
		log.WithField("addr", cfg.Redis.Addr).Info("using redis ledger lock")
	}

	// Background workers
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sink notify.Sink = &notify.LogSink{Log: config.Component(logger, "notify")}
	if cfg.Notify.WebhookURL != "" {
		sink = notify.NewWebhookSink(cfg.Notify.WebhookURL)
	}
	dispatcher := notify.NewDispatcher(store, sink, config.Component(logger, "dispatcher"))
	dispatcher.PollInterval = cfg.Notify.PollInterval
	dispatcher.MaxAttempts = cfg.Notify.MaxAttempts
	if cfg.Notify.RatePerSecond > 0 {
		dispatcher.Limiter = rate.NewLimiter(rate.Limit(cfg.Notify.RatePerSecond), 10)
	}
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		dispatcher.Run(ctx)
	}()

	scheduler := api.NewJobScheduler(engine, config.Component(logger, "scheduler"))
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.CheckInterval = cfg.Scheduler.Interval
	scheduler.Hour = cfg.Scheduler.Hour
	scheduler.ReconcileDaily = cfg.Scheduler.ReconcileDaily
	scheduler.Start()

	// HTTP
	handler := api.NewHandler(engine, store, config.Component(logger, "api"))
	router := api.NewRouter(handler, cfg.Server.AllowedOrigins)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.Server.Port).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}

	scheduler.Stop()
	cancel()
	<-dispatchDone

	if err := shutdownTelemetry(shutdownCtx); err != nil {
		log.WithError(err).Warn("failed to flush telemetry")
	}

	log.Info("server stopped")
}
