// Package retention prunes terminal jobs and their leftover files on a
// fixed schedule.
package retention

import (
	"context"
	"log/slog"
	"time"

	"aperio/internal/config"
	"aperio/internal/files"
	"aperio/internal/store"
)

// initialDelay lets the service settle before the first cleanup pass.
const initialDelay = 60 * time.Second

// Worker runs the periodic retention cycle.
type Worker struct {
	cfg   config.RetentionConfig
	store *store.JobStore
	area  *files.Area
}

// NewWorker wires the retention loop.
func NewWorker(cfg config.RetentionConfig, st *store.JobStore, area *files.Area) *Worker {
	return &Worker{cfg: cfg, store: st, area: area}
}

// Run blocks until ctx is cancelled, running one cycle per interval after
// the initial delay.
func (w *Worker) Run(ctx context.Context) {
	interval := time.Duration(w.cfg.CleanupIntervalHours) * time.Hour
	slog.Info("Retention worker started",
		"retention_days", w.cfg.RetentionDays, "interval_hours", w.cfg.CleanupIntervalHours)

	select {
	case <-time.After(initialDelay):
	case <-ctx.Done():
		return
	}
	w.cycle(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.cycle(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// cycle deletes terminal jobs past the retention window and removes their
// working files. Per-job file errors are logged, not fatal.
func (w *Worker) cycle(ctx context.Context) {
	if before, err := w.store.StatsByStatus(ctx); err == nil {
		slog.Info("Retention cycle starting", "jobs_by_status", before)
	} else {
		slog.Warn("Failed to read job stats before retention", "error", err)
	}

	ids, err := w.store.DeleteOlderThan(ctx, w.cfg.RetentionDays)
	if err != nil {
		slog.Error("Retention deletion failed", "error", err)
		return
	}

	for _, id := range ids {
		if err := w.area.CleanupJob(id); err != nil {
			slog.Warn("Failed to clean files for expired job", "job_id", id, "error", err)
		}
	}

	if after, err := w.store.StatsByStatus(ctx); err == nil {
		slog.Info("Retention cycle finished", "deleted", len(ids), "jobs_by_status", after)
	} else {
		slog.Info("Retention cycle finished", "deleted", len(ids))
	}
}
