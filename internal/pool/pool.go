// Package pool bounds per-stage concurrency with two independent counting
// semaphores: one for downloads, one for transcodes.
package pool

import (
	"context"
	"log/slog"

	"golang.org/x/sync/semaphore"
)

// Permits holds the stage semaphores. A job holds at most one permit of
// each kind at a time; acquisition is FIFO-fair and cancellable.
type Permits struct {
	download  *semaphore.Weighted
	transcode *semaphore.Weighted
}

// NewPermits sizes the pools from the configured caps.
func NewPermits(maxConcurrentDownloads, maxConcurrentTranscodes int) *Permits {
	slog.Debug("Initializing permit pools",
		"download_slots", maxConcurrentDownloads,
		"transcode_slots", maxConcurrentTranscodes)
	return &Permits{
		download:  semaphore.NewWeighted(int64(maxConcurrentDownloads)),
		transcode: semaphore.NewWeighted(int64(maxConcurrentTranscodes)),
	}
}

// AcquireDownload blocks until a download slot is free or ctx is cancelled.
// The caller must release via the returned func on every exit path.
func (p *Permits) AcquireDownload(ctx context.Context) (release func(), err error) {
	if err := p.download.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { p.download.Release(1) }, nil
}

// AcquireTranscode blocks until a transcode slot is free or ctx is cancelled.
func (p *Permits) AcquireTranscode(ctx context.Context) (release func(), err error) {
	if err := p.transcode.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { p.transcode.Release(1) }, nil
}

// TryAcquireDownload is a non-blocking probe used by health reporting.
func (p *Permits) TryAcquireDownload() (release func(), ok bool) {
	if !p.download.TryAcquire(1) {
		return nil, false
	}
	return func() { p.download.Release(1) }, true
}
