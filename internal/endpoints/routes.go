package endpoints

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"aperio/internal/files"
	"aperio/internal/job"
	"aperio/internal/metrics"
	"aperio/internal/security"
	"aperio/internal/store"
)

// QueueControl is the slice of the queue the handlers need.
type QueueControl interface {
	Enqueue(jobID, url string, priority job.Priority) error
	Cancel(jobID string) bool
	Depth() int
	Running() int
}

// Deps carries everything the handlers touch.
type Deps struct {
	Store     *store.JobStore
	Queue     QueueControl
	Files     *files.Area
	Validator *security.Validator
	Registry  *prometheus.Registry
	History   *metrics.History
	StartedAt time.Time

	AuthPassword string
	CORSOrigins  []string
	MaxFileSize  int64

	// External tool names used by the health dependency probe.
	DownloadCommand string
	FFmpegCommand   string
}

// SetupRoutes configures all API routes. Liveness endpoints stay open so
// orchestrators can probe without credentials; everything else requires
// auth when a password is configured.
func SetupRoutes(r *gin.Engine, deps *Deps) {
	r.Use(RequestID())
	r.Use(SecurityHeaders())
	r.Use(CORS(deps.CORSOrigins))
	r.Use(Instrument())

	r.GET("/health", HandleHealth(deps))
	r.GET("/health/live", HandleLive())

	protected := r.Group("")
	protected.Use(AuthRequired(deps.AuthPassword))
	{
		protected.POST("/process", HandleProcess(deps))
		protected.GET("/status/:id", HandleStatus(deps))
		protected.DELETE("/jobs/:id", HandleCancel(deps))
		protected.GET("/jobs", HandleListJobs(deps))

		protected.GET("/video/:id", HandleVideo(deps))
		protected.GET("/stream/:id", HandleStream(deps))

		protected.GET("/health/detailed", HandleHealthDetailed(deps))
		protected.GET("/health/ready", HandleReady(deps))
		protected.GET("/metrics", HandleMetricsJSON(deps))
		protected.GET("/metrics/history", HandleMetricsHistory(deps))
		protected.GET("/metrics/prometheus", HandlePrometheus(deps))
	}
}
