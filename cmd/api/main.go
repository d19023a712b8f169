package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"distributed-job-scheduler/internal/api"
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
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatalw("init", "error", err)
	}
	defer func() { _ = a.Close() }()

	if _, err := a.SeedScopes(ctx); err != nil {
		log.Fatalw("seed scheduled jobs", "error", err)
	}

	var limiter api.Limiter
	if a.Limiter != nil {
		limiter = a.Limiter
	}
	server := api.New(a.Scheduler, a.Connectors, a.Errors, a.Metrics, limiter, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Infow("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("listen", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
