// Package metrics exposes Prometheus instruments and a JSON snapshot
// surface with bounded history.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aperio_jobs_started_total",
		Help: "Jobs picked up by the dispatcher.",
	})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aperio_jobs_completed_total",
		Help: "Jobs that finished the full pipeline.",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aperio_jobs_failed_total",
		Help: "Jobs that ended in a terminal failure.",
	})
	JobsCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aperio_jobs_cancelled_total",
		Help: "Jobs cancelled by a client.",
	})

	DownloadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "aperio_download_duration_seconds",
		Help:    "Wall time of the download phase.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
	TranscodeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "aperio_transcode_duration_seconds",
		Help:    "Wall time of the transcode phase.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
	JobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "aperio_job_duration_seconds",
		Help:    "End-to-end wall time of completed jobs.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	})

	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aperio_http_requests_total",
		Help: "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})
	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aperio_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

// Register adds every instrument to reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		JobsStarted, JobsCompleted, JobsFailed, JobsCancelled,
		DownloadDuration, TranscodeDuration, JobDuration,
		HTTPRequests, HTTPDuration,
	)
}

// Snapshot is the JSON metrics document served by the monitoring surface.
type Snapshot struct {
	Timestamp   time.Time        `json:"timestamp"`
	Jobs        map[string]int   `json:"jobs"`
	System      SystemStats      `json:"system"`
	Performance PerformanceStats `json:"performance"`
}

type SystemStats struct {
	QueueDepth    int     `json:"queue_depth"`
	ActiveJobs    int     `json:"active_jobs"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

type PerformanceStats struct {
	CompletedJobs            int64   `json:"completed_jobs"`
	FailedJobs               int64   `json:"failed_jobs"`
	AvgProcessingTimeSeconds float64 `json:"avg_processing_time_seconds"`
}

// History keeps the most recent snapshots, capped so the monitoring
// surface cannot grow without bound.
type History struct {
	mu    sync.Mutex
	max   int
	items []Snapshot
}

// NewHistory creates a history ring holding at most max snapshots.
func NewHistory(max int) *History {
	return &History{max: max}
}

// Record appends s, evicting the oldest snapshot when full.
func (h *History) Record(s Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, s)
	if len(h.items) > h.max {
		h.items = h.items[len(h.items)-h.max:]
	}
}

// Items returns a copy of the stored snapshots, oldest first.
func (h *History) Items() []Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Snapshot, len(h.items))
	copy(out, h.items)
	return out
}
