// Package job defines the Job model shared by the store, the queue and the
// pipeline stages.
package job

import (
	"time"

	"github.com/google/uuid"
)

// Status is the durable lifecycle state of a job.
type Status string

const (
	StatusPending     Status = "Pending"
	StatusClaimed     Status = "Claimed"
	StatusDownloading Status = "Downloading"
	StatusProcessing  Status = "Processing"
	StatusCompleted   Status = "Completed"
	StatusFailed      Status = "Failed"
	StatusCancelled   Status = "Cancelled"
)

// IsTerminal reports whether the status has no outgoing transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseStatus maps a lowercase query-string value to a Status.
func ParseStatus(s string) (Status, bool) {
	switch s {
	case "pending":
		return StatusPending, true
	case "claimed":
		return StatusClaimed, true
	case "downloading":
		return StatusDownloading, true
	case "processing":
		return StatusProcessing, true
	case "completed":
		return StatusCompleted, true
	case "failed":
		return StatusFailed, true
	case "cancelled":
		return StatusCancelled, true
	}
	return "", false
}

// Priority orders jobs in the queue. Higher dispatches first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
)

// ParsePriority maps the request body value to a Priority, defaulting to
// Normal for anything unrecognized.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Job is the single first-class entity of the service. The store is the
// sole writer of durable state; the runner mutates a clone and flushes it
// back through the store.
type Job struct {
	ID                    string
	URL                   string
	Status                Status
	CreatedAt             time.Time
	UpdatedAt             time.Time
	DownloadedPath        string
	ProcessedPath         string
	ErrorMessage          string
	ProcessingTimeSeconds int64
	HasProcessingTime     bool
}

// New creates a Pending job for url with a server-generated id. Timestamps
// carry millisecond resolution.
func New(url string) *Job {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Job{
		ID:        uuid.New().String(),
		URL:       url,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// UpdateStatus sets the status and advances updated_at.
func (j *Job) UpdateStatus(status Status) {
	j.Status = status
	j.touch()
}

// SetError marks the job Failed with the terminal error message.
func (j *Job) SetError(msg string) {
	j.Status = StatusFailed
	j.ErrorMessage = msg
	j.touch()
}

// SetDownloadedPath records where the downloader left the original file.
func (j *Job) SetDownloadedPath(path string) {
	j.DownloadedPath = path
	j.touch()
}

// SetProcessedPath records the normalized output path.
func (j *Job) SetProcessedPath(path string) {
	j.ProcessedPath = path
	j.touch()
}

// SetProcessingTime records the whole-second wall duration of the pipeline.
func (j *Job) SetProcessingTime(d time.Duration) {
	j.ProcessingTimeSeconds = int64(d.Seconds())
	j.HasProcessingTime = true
	j.touch()
}

// Clone returns an independent copy for the runner to mutate.
func (j *Job) Clone() *Job {
	clone := *j
	return &clone
}

func (j *Job) touch() {
	j.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
}
