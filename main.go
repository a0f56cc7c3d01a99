package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"aperio/internal/config"
	"aperio/internal/download"
	"aperio/internal/endpoints"
	"aperio/internal/files"
	"aperio/internal/metrics"
	"aperio/internal/pool"
	"aperio/internal/queue"
	"aperio/internal/retention"
	"aperio/internal/runner"
	"aperio/internal/security"
	"aperio/internal/server"
	"aperio/internal/store"
	"aperio/internal/transcode"
)

const metricsHistorySize = 50

func main() {
	initLogging()
	cfg := config.Load()

	if err := os.MkdirAll(cfg.Storage.StoragePath, 0o755); err != nil {
		slog.Error("Failed to create storage directory", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.Storage.DatabaseURL)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	area, err := files.NewArea(cfg.Storage.WorkingDir)
	if err != nil {
		slog.Error("Failed to prepare working directory", "error", err)
		os.Exit(1)
	}

	validator := security.NewValidator(
		cfg.Download.AllowedDomains,
		cfg.Security.MaxFileSizeMB,
		cfg.Security.MaxURLLength,
	)

	permits := pool.NewPermits(
		cfg.Download.MaxConcurrentDownloads,
		cfg.Processing.MaxConcurrentProcessing,
	)
	downloadStage := download.NewStage(cfg.Download, validator, area, permits)
	transcodeStage := transcode.NewStage(cfg.Processing, area, permits)

	q := queue.New(cfg.Queue.MaxQueueSize, cfg.Queue.MaxConcurrentJobs)
	jobRunner := runner.New(st, area, downloadStage, transcodeStage)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := runner.RestorePending(ctx, st, q); err != nil {
		slog.Error("Failed to restore pending jobs", "error", err)
		os.Exit(1)
	}
	q.StartWorker(ctx, jobRunner.Run)

	if cfg.Retention.Enabled {
		go retention.NewWorker(cfg.Retention, st, area).Run(ctx)
	}

	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	deps := &endpoints.Deps{
		Store:        st,
		Queue:        q,
		Files:        area,
		Validator:    validator,
		Registry:     registry,
		History:      metrics.NewHistory(metricsHistorySize),
		StartedAt:    time.Now(),
		AuthPassword: cfg.Security.AuthPassword,
		CORSOrigins:  cfg.Server.CORSOrigins,
		MaxFileSize:  cfg.Security.MaxFileSizeBytes(),

		DownloadCommand: cfg.Download.DownloadCommand,
		FFmpegCommand:   cfg.Processing.FFmpegCommand,
	}
	srv := server.New(cfg.Server, deps)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		if err != nil {
			slog.Error("HTTP server failed", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown incomplete", "error", err)
	}
	cancel()
	if err := q.Shutdown(shutdownCtx); err != nil {
		slog.Error("Queue shutdown incomplete", "error", err)
	}
	slog.Info("Shutdown complete")
}

func initLogging() {
	level := slog.LevelInfo
	if os.Getenv("APERIO_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if os.Getenv("APERIO_LOG_FORMAT") == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
