package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"
	"github.com/spf13/cobra"

	"github.com/eugener/roastguard/internal/admission"
	"github.com/eugener/roastguard/internal/alert"
	"github.com/eugener/roastguard/internal/budget"
	"github.com/eugener/roastguard/internal/cache"
	"github.com/eugener/roastguard/internal/config"
	"github.com/eugener/roastguard/internal/killswitch"
	"github.com/eugener/roastguard/internal/quota"
	"github.com/eugener/roastguard/internal/ratelimit"
	"github.com/eugener/roastguard/internal/server"
	"github.com/eugener/roastguard/internal/storage/sqlite"
	"github.com/eugener/roastguard/internal/telemetry"
	"github.com/eugener/roastguard/internal/worker"
)

const (
	reloadDebounce     = 500 * time.Millisecond
	dnsRefreshInterval = 5 * time.Minute
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admission sidecar",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(*configPath)
		},
	}
}

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	policy, err := buildPolicy(cfg)
	if err != nil {
		return err
	}

	slog.Info("starting roastguard", "version", version, "addr", cfg.Server.Addr)

	ctx := context.Background()

	// Tracing
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, telemetry.TracingOptions{
			Endpoint:   cfg.Telemetry.Tracing.Endpoint,
			SampleRate: cfg.Telemetry.Tracing.SampleRate,
			Version:    version,
		})
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				slog.Warn("tracer shutdown", "error", err)
			}
		}()
	}

	// Open database
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	// Bootstrap from config
	if _, err := config.Bootstrap(ctx, cfg, store, policy); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(reg)

	// Wire services
	holder, err := quota.NewHolder(policy)
	if err != nil {
		return err
	}

	var workers []worker.Worker
	var notifier budget.Notifier
	if cfg.Alerts.WebhookURL != "" {
		resolver := &dnscache.Resolver{}
		alerts := worker.NewAlertNotifier(alert.NewWebhook(cfg.Alerts.WebhookURL, resolver), metrics.AlertQueueLength)
		notifier = alerts
		workers = append(workers, alerts, worker.NewDNSRefresher(resolver, dnsRefreshInterval))
	}
	budgetSvc := budget.New(store, holder, notifier)

	sw := killswitch.New(store, killswitch.Options{
		Direct:       cfg.KillSwitch.Direct,
		MaxStaleness: cfg.KillSwitch.MaxStaleness,
	})
	if !cfg.KillSwitch.Direct {
		workers = append(workers, worker.NewSwitchRefresher(sw, cfg.KillSwitch.RefreshInterval, metrics.KillSwitchEngaged))
	}

	usage, err := cache.NewUsage(cfg.Cache.MaxSize, cfg.Cache.TTL)
	if err != nil {
		return err
	}

	ctrl := admission.New(admission.Deps{
		Store:   store,
		Budget:  budgetSvc,
		Switch:  sw,
		Policy:  holder,
		Cache:   usage,
		Metrics: metrics,
	})

	reload := newReloader(configPath, holder).Reload

	reaper, err := worker.NewReaper(store, holder, cfg.Reaper.Schedule, cfg.Reaper.KeepDays)
	if err != nil {
		return err
	}
	workers = append(workers,
		worker.NewWatchdog(ctrl, store, cfg.Reservations.Timeout, cfg.Reservations.SweepInterval, metrics.PendingReservations),
		reaper,
		worker.NewPolicyWatcher(configPath, reloadDebounce, reload),
	)

	// Create HTTP server
	deps := server.Deps{
		Admission:          ctrl,
		Switch:             sw,
		Budget:             budgetSvc,
		AdminKey:           cfg.Auth.AdminKey,
		Reload:             reload,
		ReadyCheck:         store.Ping,
		ReservationTimeout: cfg.Reservations.Timeout,
		Metrics:            metrics,
	}
	if cfg.Server.BurstRPM > 0 {
		guard := ratelimit.NewGuard(cfg.Server.BurstRPM, cfg.Server.Burst)
		deps.Burst = guard
		workers = append(workers, worker.NewBurstEvictor(guard, time.Minute, 10*time.Minute))
	}
	if cfg.Telemetry.Metrics.Enabled {
		deps.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.New(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background workers
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	workerErr := make(chan error, 1)
	go func() {
		workerErr <- worker.NewRunner(workers...).Run(workerCtx)
	}()

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("roastguard ready", "addr", cfg.Server.Addr)

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	var runErr error
	workersDone := false
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		runErr = err
	case err := <-workerErr:
		slog.Error("worker failed", "error", err)
		runErr = err
		workersDone = true
	}

	// Shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	stopWorkers()
	if !workersDone {
		select {
		case <-workerErr:
		case <-shutdownCtx.Done():
			slog.Warn("workers did not stop before shutdown timeout")
		}
	}

	slog.Info("roastguard stopped")
	return runErr
}
