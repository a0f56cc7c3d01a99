package endpoints

import (
	"fmt"
	"os"

	"github.com/gin-gonic/gin"

	"aperio/internal/apperr"
	"aperio/internal/job"
)

// loadCompleted fetches the job and verifies a servable output exists.
func loadCompleted(c *gin.Context, deps *Deps) (*job.Job, bool) {
	jobID := c.Param("id")
	if err := deps.Validator.ValidateInput(jobID, "job_id", 100); err != nil {
		renderError(c, err)
		return nil, false
	}

	j, err := deps.Store.Get(c.Request.Context(), jobID)
	if err != nil {
		renderError(c, err)
		return nil, false
	}
	if j.Status != job.StatusCompleted {
		renderError(c, apperr.New(apperr.BadRequest,
			"Job is not completed (status: %s)", j.Status))
		return nil, false
	}
	if j.ProcessedPath == "" {
		renderError(c, apperr.New(apperr.NotFound, "No output file recorded for job %s", j.ID))
		return nil, false
	}
	if info, err := os.Stat(j.ProcessedPath); err != nil || !info.Mode().IsRegular() {
		renderError(c, apperr.New(apperr.NotFound, "Video file not found for job %s", j.ID))
		return nil, false
	}
	return j, true
}

// HandleVideo serves the processed file as a download attachment. Range
// requests are honored by the underlying file server.
func HandleVideo(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		j, ok := loadCompleted(c, deps)
		if !ok {
			return
		}
		c.FileAttachment(j.ProcessedPath, fmt.Sprintf("video_%s.mp4", j.ID))
	}
}

// HandleStream serves the processed file inline for in-browser playback.
func HandleStream(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		j, ok := loadCompleted(c, deps)
		if !ok {
			return
		}
		c.Header("Content-Type", "video/mp4")
		c.Header("Content-Disposition", "inline")
		c.File(j.ProcessedPath)
	}
}
