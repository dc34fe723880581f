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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/triage-notifier/cmd/mainconfig"
	"github.com/wolfman30/triage-notifier/internal/api/router"
	"github.com/wolfman30/triage-notifier/internal/app/bootstrap"
	appconfig "github.com/wolfman30/triage-notifier/internal/config"
	"github.com/wolfman30/triage-notifier/internal/http/handlers"
	"github.com/wolfman30/triage-notifier/pkg/logging"
)

func main() {
	// Load configuration
	cfg := appconfig.Load()

	// Initialize logger
	logger := logging.NewWithOptions(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger.Info("starting triage notifier",
		"env", cfg.Env,
		"port", cfg.Port,
		"store_backend", cfg.StoreBackend,
		"dry_run", cfg.DryRun,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	reg := newRegistry()
	n, err := bootstrap.BuildNotifier(ctx, cfg, awsCfg, reg, logger)
	if err != nil {
		logger.Error("failed to build notifier", "error", err)
		os.Exit(1)
	}
	defer n.Close()

	go func() {
		if err := n.Settings.Watch(ctx); err != nil {
			logger.Error("settings watcher stopped", "error", err)
		}
	}()

	if err := n.Scheduler.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	srv := newServer(cfg, n, reg, logger)

	// Start server in a goroutine
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	// waits for an in-flight tick to finish
	n.Scheduler.Stop()
	cancel()

	logger.Info("notifier stopped")
	fmt.Println("Notifier exited gracefully")
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newServer(cfg *appconfig.Config, n *bootstrap.Notifier, reg *prometheus.Registry, logger *logging.Logger) *http.Server {
	admin := handlers.NewAdminNotifierHandler(handlers.AdminNotifierConfig{
		Scheduler: n.Scheduler,
		Settings:  n.Settings,
		Lifecycle: n.Stores.Lifecycle,
		History:   n.History,
		Ledger:    n.Stores.Ledger,
		Logger:    logger,
	})

	// the admin trigger runs a whole tick inside the request
	requestTimeout := cfg.TickTimeout + 30*time.Second

	r := router.New(&router.Config{
		Logger:          logger,
		Admin:           admin,
		AdminAuthSecret: cfg.AdminJWTSecret,
		MetricsHandler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		RequestTimeout:  requestTimeout,
	})

	return &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: requestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
