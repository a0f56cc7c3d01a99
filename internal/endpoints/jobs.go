package endpoints

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"aperio/internal/apperr"
	"aperio/internal/job"
	"aperio/internal/metrics"
)

// timeFormat renders timestamps with millisecond resolution.
const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// ProcessRequest is the body of POST /process.
type ProcessRequest struct {
	URL      string `json:"url" binding:"required"`
	Priority string `json:"priority"`
}

// JobResponse is the public view of a job.
type JobResponse struct {
	ID                    string  `json:"id"`
	Status                string  `json:"status"`
	URL                   string  `json:"url"`
	CreatedAt             string  `json:"created_at"`
	UpdatedAt             string  `json:"updated_at"`
	ErrorMessage          *string `json:"error_message,omitempty"`
	ProcessingTimeSeconds *int64  `json:"processing_time_seconds,omitempty"`
}

func toJobResponse(j *job.Job) JobResponse {
	resp := JobResponse{
		ID:        j.ID,
		Status:    string(j.Status),
		URL:       j.URL,
		CreatedAt: j.CreatedAt.Format(timeFormat),
		UpdatedAt: j.UpdatedAt.Format(timeFormat),
	}
	if j.ErrorMessage != "" {
		resp.ErrorMessage = &j.ErrorMessage
	}
	if j.HasProcessingTime {
		resp.ProcessingTimeSeconds = &j.ProcessingTimeSeconds
	}
	return resp
}

func renderError(c *gin.Context, err error) {
	c.JSON(apperr.KindOf(err).HTTPStatus(), apperr.ToEnvelope(err))
}

// HandleProcess accepts a media URL, deduplicates against in-flight jobs
// for the same URL, persists the new job and enqueues it.
func HandleProcess(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ProcessRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			renderError(c, apperr.New(apperr.BadRequest, "Invalid request body: %v", err))
			return
		}

		if _, err := deps.Validator.ValidateURL(req.URL); err != nil {
			renderError(c, err)
			return
		}

		ctx := c.Request.Context()

		if existing, err := deps.Store.FindActiveByURL(ctx, req.URL); err != nil {
			renderError(c, err)
			return
		} else if existing != nil {
			// Same URL already in flight: hand back that job.
			c.JSON(http.StatusOK, toJobResponse(existing))
			return
		}

		j := job.New(req.URL)
		if err := deps.Store.Create(ctx, j); err != nil {
			renderError(c, err)
			return
		}

		if err := deps.Queue.Enqueue(j.ID, j.URL, job.ParsePriority(req.Priority)); err != nil {
			// Keep the record honest: the job will never be dispatched.
			j.SetError(apperr.MessageOf(err))
			if updateErr := deps.Store.Update(ctx, j); updateErr != nil {
				renderError(c, updateErr)
				return
			}
			renderError(c, err)
			return
		}

		c.JSON(http.StatusOK, toJobResponse(j))
	}
}

// HandleStatus returns the current state of one job.
func HandleStatus(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if err := deps.Validator.ValidateInput(jobID, "job_id", 100); err != nil {
			renderError(c, err)
			return
		}

		j, err := deps.Store.Get(c.Request.Context(), jobID)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, toJobResponse(j))
	}
}

// HandleCancel aborts a job wherever it is: queued jobs are removed,
// running jobs are interrupted. Terminal jobs cannot be cancelled.
func HandleCancel(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if err := deps.Validator.ValidateInput(jobID, "job_id", 100); err != nil {
			renderError(c, err)
			return
		}

		ctx := c.Request.Context()
		j, err := deps.Store.Get(ctx, jobID)
		if err != nil {
			renderError(c, err)
			return
		}
		if j.Status.IsTerminal() {
			renderError(c, apperr.New(apperr.BadRequest,
				"Job is already in terminal state: %s", j.Status))
			return
		}

		// Interrupt first so the runner cannot flush a competing state
		// after we persist the cancellation.
		found := deps.Queue.Cancel(jobID)
		if !found {
			renderError(c, apperr.New(apperr.BadRequest,
				"Job cannot be cancelled - it may have already completed"))
			return
		}

		// The job may still have finished between the terminal check and
		// the interrupt; the guarded write keeps a terminal row terminal.
		cancelled, err := deps.Store.CancelActive(ctx, jobID)
		if err != nil {
			renderError(c, err)
			return
		}
		if !cancelled {
			renderError(c, apperr.New(apperr.BadRequest,
				"Job cannot be cancelled - it may have already completed"))
			return
		}

		if err := deps.Files.CleanupJob(jobID); err != nil {
			renderError(c, err)
			return
		}

		metrics.JobsCancelled.Inc()
		c.JSON(http.StatusOK, gin.H{
			"message": "Job cancelled successfully",
			"job_id":  jobID,
		})
	}
}

// ListJobsResponse is the paginated job listing.
type ListJobsResponse struct {
	Jobs       []JobResponse `json:"jobs"`
	Pagination Pagination    `json:"pagination"`
}

type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalPages int `json:"total_pages"`
}

// HandleListJobs lists jobs newest-first with pagination and an optional
// status filter.
func HandleListJobs(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		page := intQuery(c, "page", 1)
		pageSize := intQuery(c, "page_size", 10)

		var status *job.Status
		if raw := c.Query("status"); raw != "" {
			parsed, ok := job.ParseStatus(raw)
			if !ok {
				renderError(c, apperr.New(apperr.BadRequest, "Invalid status filter: %s", raw))
				return
			}
			status = &parsed
		}

		jobs, totalPages, err := deps.Store.ListPaginated(c.Request.Context(), page, pageSize, status)
		if err != nil {
			renderError(c, err)
			return
		}

		resp := ListJobsResponse{
			Jobs: make([]JobResponse, 0, len(jobs)),
			Pagination: Pagination{
				Page:       page,
				PageSize:   pageSize,
				TotalPages: totalPages,
			},
		}
		for _, j := range jobs {
			resp.Jobs = append(resp.Jobs, toJobResponse(j))
		}
		c.JSON(http.StatusOK, resp)
	}
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	var v int
	for _, r := range raw {
		if r < '0' || r > '9' {
			return fallback
		}
		v = v*10 + int(r-'0')
		if v > 1<<30 {
			return fallback
		}
	}
	if v == 0 {
		return fallback
	}
	return v
}
