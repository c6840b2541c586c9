package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"media-transcribe-go/internal/app"
	"media-transcribe-go/internal/config"
	"media-transcribe-go/internal/logger"
	"media-transcribe-go/internal/server"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logger.New().WithError(err).Fatal("failed to load configuration")
	}

	log := app.NewLogger(cfg)
	log.WithField("service", "media-transcribe-go").Info("starting service")

	a, err := app.Build(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize pipeline")
	}

	report := a.Checker.Run()
	for _, item := range report.Items {
		entry := log.WithField("check", item.ID).WithField("status", item.Status)
		if item.Hint != "" {
			entry = entry.WithField("hint", item.Hint)
		}
		entry.Info(item.Message)
	}
	if report.HasFailures {
		log.Warn("some checks failed; affected requests will report tool_unavailable")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Workspace.RunSweeper(ctx, cfg.Workspace.SweepIntervalDuration(), cfg.Workspace.StaleAfterDuration(), a.Metrics.RecordSweep)

	srv := server.New(server.Config{
		MaxUploadBytes: cfg.Server.MaxUploadBytes(),
		AllowedOrigin:  cfg.Server.AllowedOrigin,
	}, a.Orchestrator, a.Checker, a.Metrics, a.Registry, log)

	// request contexts derive from runCtx so shutdown can cancel runs that
	// outlive the drain window
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	addr := cfg.Server.Addr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		BaseContext:       func(net.Listener) context.Context { return runCtx },
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeout) * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("received shutdown signal")
	case err := <-serveErr:
		if err != nil {
			log.WithError(err).Fatal("server terminated")
		}
	}

	// in-flight runs finish or are canceled; either way their files are removed
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx, httpServer, cancelRuns); err != nil {
		log.WithError(err).Warn("graceful shutdown timed out")
	}
	cancel()
	log.WithField("active_runs", a.Tracker.Active()).Info("service stopped")
}
