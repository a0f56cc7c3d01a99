package endpoints

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aperio/internal/metrics"
)

const serviceVersion = "1.0.0"

// probeTimeout bounds the external tool version checks so a wedged binary
// cannot stall the health endpoints.
const probeTimeout = 5 * time.Second

type checkResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// runChecks executes the component checks shared by the health endpoints.
// A database failure makes the service unhealthy; everything else only
// degrades it.
func runChecks(ctx context.Context, deps *Deps) (string, gin.H) {
	checks := gin.H{}
	overall := "healthy"

	if err := deps.Store.Ping(ctx); err != nil {
		checks["database"] = checkResult{Status: "unhealthy", Error: err.Error()}
		overall = "unhealthy"
	} else {
		checks["database"] = checkResult{Status: "healthy"}
	}

	if err := deps.Files.DiskPrecheck(deps.MaxFileSize); err != nil {
		checks["disk_space"] = checkResult{Status: "unhealthy", Error: err.Error()}
		if overall == "healthy" {
			overall = "degraded"
		}
	} else {
		checks["disk_space"] = checkResult{Status: "healthy"}
	}

	if err := probeDependencies(ctx, deps); err != nil {
		checks["dependencies"] = checkResult{Status: "unhealthy", Error: err.Error()}
		if overall == "healthy" {
			overall = "degraded"
		}
	} else {
		checks["dependencies"] = checkResult{Status: "healthy"}
	}

	return overall, checks
}

// probeDependencies verifies the external tools answer their version flags.
func probeDependencies(ctx context.Context, deps *Deps) error {
	var missing []string
	if err := probeCommand(ctx, deps.DownloadCommand, "--version"); err != nil {
		missing = append(missing, fmt.Sprintf("%s unavailable: %v", deps.DownloadCommand, err))
	}
	if err := probeCommand(ctx, deps.FFmpegCommand, "-version"); err != nil {
		missing = append(missing, fmt.Sprintf("%s unavailable: %v", deps.FFmpegCommand, err))
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s", strings.Join(missing, "; "))
	}
	return nil
}

func probeCommand(ctx context.Context, name string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return exec.CommandContext(ctx, name, args...).Run()
}

func healthDocument(status string, deps *Deps, checks gin.H) gin.H {
	return gin.H{
		"status":         status,
		"service":        "aperio",
		"version":        serviceVersion,
		"uptime_seconds": time.Since(deps.StartedAt).Seconds(),
		"checks":         checks,
		"timestamp":      time.Now().UTC().Format(timeFormat),
	}
}

// HandleHealth is the unauthenticated health summary. It answers 500 only
// when the database is unreachable; degraded components still serve 200 so
// probes do not restart a working process.
func HandleHealth(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, checks := runChecks(c.Request.Context(), deps)
		code := http.StatusOK
		if status == "unhealthy" {
			code = http.StatusInternalServerError
		}
		c.JSON(code, healthDocument(status, deps, checks))
	}
}

// HandleLive always reports alive; it proves only that the process serves.
func HandleLive() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	}
}

// HandleReady reports ready only when the database answers.
func HandleReady(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := deps.Store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"status": "not_ready",
				"reason": "database unreachable",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

// HandleHealthDetailed runs the component checks and reports per-component
// state plus queue occupancy. It always answers 200; the body carries the
// verdict for dashboards that want the full picture.
func HandleHealthDetailed(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, checks := runChecks(c.Request.Context(), deps)
		checks["queue"] = gin.H{
			"status":  "healthy",
			"depth":   deps.Queue.Depth(),
			"running": deps.Queue.Running(),
		}
		c.JSON(http.StatusOK, healthDocument(status, deps, checks))
	}
}

// snapshot builds the JSON metrics document from live state.
func snapshot(c *gin.Context, deps *Deps) (metrics.Snapshot, error) {
	ctx := c.Request.Context()
	stats, err := deps.Store.StatsByStatus(ctx)
	if err != nil {
		return metrics.Snapshot{}, err
	}
	avgSeconds, err := deps.Store.AvgProcessingSeconds(ctx)
	if err != nil {
		return metrics.Snapshot{}, err
	}

	jobs := make(map[string]int, len(stats))
	var completed, failed int64
	for status, count := range stats {
		jobs[string(status)] = count
		switch string(status) {
		case "Completed":
			completed = int64(count)
		case "Failed":
			failed = int64(count)
		}
	}

	return metrics.Snapshot{
		Timestamp: time.Now().UTC(),
		Jobs:      jobs,
		System: metrics.SystemStats{
			QueueDepth:    deps.Queue.Depth(),
			ActiveJobs:    deps.Queue.Running(),
			UptimeSeconds: time.Since(deps.StartedAt).Seconds(),
		},
		Performance: metrics.PerformanceStats{
			CompletedJobs:             completed,
			FailedJobs:                failed,
			AvgProcessingTimeSeconds: avgSeconds,
		},
	}, nil
}

// HandleMetricsJSON returns the current snapshot and records it in the
// bounded history.
func HandleMetricsJSON(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := snapshot(c, deps)
		if err != nil {
			renderError(c, err)
			return
		}
		deps.History.Record(snap)
		c.JSON(http.StatusOK, snap)
	}
}

// HandleMetricsHistory returns the recorded snapshots, oldest first.
func HandleMetricsHistory(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"snapshots": deps.History.Items()})
	}
}

// HandlePrometheus serves the text exposition format from the service
// registry.
func HandlePrometheus(deps *Deps) gin.HandlerFunc {
	h := promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})
	return gin.WrapH(h)
}
