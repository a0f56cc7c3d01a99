// Package runner drives one job through the two-phase pipeline and keeps
// the durable record in step with reality.
package runner

import (
	"context"
	"log/slog"
	"time"

	"aperio/internal/apperr"
	"aperio/internal/files"
	"aperio/internal/job"
	"aperio/internal/metrics"
	"aperio/internal/queue"
	"aperio/internal/retry"
	"aperio/internal/store"
)

var (
	// downloadPolicy allows one retry of the download phase.
	downloadPolicy = retry.Policy{
		MaxAttempts:       2,
		BaseDelay:         time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
	}
	// flushPolicy guards the short status writes against transient lock
	// contention.
	flushPolicy = retry.Policy{
		MaxAttempts:       3,
		BaseDelay:         50 * time.Millisecond,
		MaxDelay:          2 * time.Second,
		BackoffMultiplier: 2.0,
	}
)

// DownloadStage fetches a job's source URL and returns the local path.
type DownloadStage interface {
	Run(ctx context.Context, jobID, rawURL string) (string, error)
}

// TranscodeStage normalizes a downloaded file and returns the output path.
type TranscodeStage interface {
	Run(ctx context.Context, jobID, inputPath string) (string, error)
}

// JobRunner executes dispatched jobs.
type JobRunner struct {
	store     *store.JobStore
	area      *files.Area
	download  DownloadStage
	transcode TranscodeStage
}

// New wires the runner.
func New(st *store.JobStore, area *files.Area, dl DownloadStage, tc TranscodeStage) *JobRunner {
	return &JobRunner{store: st, area: area, download: dl, transcode: tc}
}

// Run is the queue.Runner entry point. Stage failures end the job in
// Failed with the error message recorded; a cancelled context leaves the
// durable state to the canceller.
func (r *JobRunner) Run(ctx context.Context, e queue.Entry) {
	metrics.JobsStarted.Inc()
	start := time.Now()

	j, err := retry.Do(ctx, retry.DefaultPolicy(), "load job", func(ctx context.Context) (*job.Job, error) {
		return r.store.Get(ctx, e.JobID)
	})
	if err != nil {
		slog.Error("Failed to load dispatched job", "job_id", e.JobID, "error", err)
		return
	}

	ok, err := r.store.StartDownloading(ctx, j.ID)
	if err != nil {
		slog.Error("Failed to mark job downloading", "job_id", j.ID, "error", err)
		return
	}
	if !ok {
		slog.Info("Skipping job no longer dispatchable", "job_id", j.ID)
		return
	}
	j.UpdateStatus(job.StatusDownloading)

	downloadStart := time.Now()
	downloadedPath, err := retry.Do(ctx, downloadPolicy, "download", func(ctx context.Context) (string, error) {
		return r.download.Run(ctx, j.ID, j.URL)
	})
	if err != nil {
		if retry.IsRetryable(err) {
			err = apperr.New(apperr.Download, "Download failed after retries: %s", apperr.MessageOf(err))
		}
		r.fail(ctx, j, err)
		return
	}
	metrics.DownloadDuration.Observe(time.Since(downloadStart).Seconds())

	r.area.MarkActive(downloadedPath)
	defer r.area.UnmarkActive(downloadedPath)

	j.SetDownloadedPath(downloadedPath)
	if err := r.flush(ctx, j); err != nil {
		r.fail(ctx, j, err)
		return
	}

	moved, err := r.store.ConditionalStatus(ctx, j.ID, job.StatusProcessing, job.StatusDownloading)
	if err != nil {
		r.fail(ctx, j, err)
		return
	}
	if !moved {
		// Cancelled between phases; files are gone or going.
		slog.Info("Job left downloading state before processing", "job_id", j.ID)
		r.area.UnmarkActive(downloadedPath)
		r.area.CleanupJob(j.ID)
		return
	}
	j.UpdateStatus(job.StatusProcessing)

	transcodeStart := time.Now()
	processedPath, err := r.transcode.Run(ctx, j.ID, downloadedPath)
	if err != nil {
		r.fail(ctx, j, err)
		return
	}
	metrics.TranscodeDuration.Observe(time.Since(transcodeStart).Seconds())

	r.area.MarkActive(processedPath)
	defer r.area.UnmarkActive(processedPath)

	elapsed := time.Since(start)
	j.SetProcessedPath(processedPath)
	j.SetProcessingTime(elapsed)
	j.UpdateStatus(job.StatusCompleted)
	if err := r.flush(ctx, j); err != nil {
		r.fail(ctx, j, err)
		return
	}

	// The original is no longer needed once the normalized file exists.
	r.area.UnmarkActive(downloadedPath)
	if err := r.area.CleanupPath(downloadedPath); err != nil {
		slog.Warn("Failed to remove downloaded file", "job_id", j.ID, "error", err)
	}

	metrics.JobsCompleted.Inc()
	metrics.JobDuration.Observe(elapsed.Seconds())
	slog.Info("Job completed", "job_id", j.ID, "duration", elapsed.Round(time.Second))
}

// fail records the terminal failure and removes the job's working files.
// When the job context was cancelled the canceller owns the durable state,
// so only the files are cleaned here.
func (r *JobRunner) fail(ctx context.Context, j *job.Job, cause error) {
	if ctx.Err() != nil {
		slog.Info("Job aborted", "job_id", j.ID, "error", cause)
		r.area.CleanupJob(j.ID)
		return
	}

	slog.Error("Job failed", "job_id", j.ID, "error", cause)
	j.SetError(cause.Error())

	// Flush with a background context so a dying request cannot lose the
	// failure record.
	if err := r.flush(context.Background(), j); err != nil {
		slog.Error("Failed to persist job failure", "job_id", j.ID, "error", err)
	}

	if err := r.area.CleanupJob(j.ID); err != nil {
		slog.Warn("Cleanup after failure incomplete", "job_id", j.ID, "error", err)
	}
	metrics.JobsFailed.Inc()
}

func (r *JobRunner) flush(ctx context.Context, j *job.Job) error {
	_, err := retry.Do(ctx, flushPolicy, "flush job", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.store.Update(ctx, j)
	})
	return err
}
