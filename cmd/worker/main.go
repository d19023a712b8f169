package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"distributed-job-scheduler/internal/app"
	"distributed-job-scheduler/internal/config"
	"distributed-job-scheduler/internal/logging"
)

func main() {
	cfg := config.Load()
	log := logging.Must(cfg.LogFormat == "json", cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	// Generate a unique worker ID from hostname or env var
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID, _ = os.Hostname()
	}
	log = log.With("worker_id", workerID)

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatalw("init", "error", err)
	}
	defer func() { _ = a.Close() }()

	if _, err := a.SeedScopes(ctx); err != nil {
		log.Fatalw("seed scheduled jobs", "error", err)
	}

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: a.Metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnw("metrics server stopped", "error", err)
		}
	}()

	log.Infow("worker started",
		"poll_interval", cfg.WorkerPollInterval,
		"max_concurrent_jobs", cfg.MaxConcurrentJobs,
		"connectors", a.Connectors.Connectors())
	if err := a.Scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorw("worker stopped", "error", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsSrv.Shutdown(shutdownCtx)
}
