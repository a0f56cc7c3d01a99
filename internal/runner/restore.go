package runner

import (
	"context"
	"log/slog"

	"aperio/internal/job"
	"aperio/internal/queue"
	"aperio/internal/store"
)

// RestorePending re-enqueues jobs that were Pending when the process last
// stopped. Each job is claimed first so overlapping instances cannot
// dispatch the same row twice; a claim that cannot be enqueued is released
// for the next restore pass. Jobs stuck in Claimed, Downloading or
// Processing from a crash are deliberately left alone for operator triage.
func RestorePending(ctx context.Context, st *store.JobStore, q *queue.Queue) error {
	pending, err := st.ListPending(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		slog.Info("No pending jobs to restore")
		return nil
	}

	var restored, skipped int
	for _, j := range pending {
		claimed, err := st.TryClaimPending(ctx, j.ID)
		if err != nil {
			slog.Error("Failed to claim pending job", "job_id", j.ID, "error", err)
			skipped++
			continue
		}
		if !claimed {
			skipped++
			continue
		}

		if err := q.Enqueue(j.ID, j.URL, job.PriorityNormal); err != nil {
			slog.Error("Failed to enqueue restored job", "job_id", j.ID, "error", err)
			if unclaimErr := st.Unclaim(ctx, j.ID); unclaimErr != nil {
				slog.Error("Failed to release claim", "job_id", j.ID, "error", unclaimErr)
			}
			skipped++
			continue
		}
		restored++
	}

	slog.Info("Restored pending jobs", "restored", restored, "skipped", skipped)
	return nil
}
