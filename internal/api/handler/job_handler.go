package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/aksellodoo/distance-engine/internal/api/dto"
	"github.com/aksellodoo/distance-engine/internal/api/storage"
	"github.com/aksellodoo/distance-engine/internal/engine/domain"
	"github.com/aksellodoo/distance-engine/internal/engine/progress"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// StartJob handles POST /api/v1/jobs
// Creates a new enrichment job and dispatches it to the worker
func (h *JobHandler) StartJob(c *gin.Context) {
	var req dto.StartJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	mode := domain.Mode(req.Mode)
	if !mode.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "mode must be one of fill_empty, overwrite, geocode_non_matrix",
		})
		return
	}

	job, err := h.storage.CreateJob(c.Request.Context(), mode)
	if err != nil {
		if errors.Is(err, domain.ErrJobAlreadyActive) {
			c.JSON(http.StatusConflict, gin.H{
				"error": "another job is already queued or running",
			})
			return
		}
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	if err := h.publishJobMessage(c, job.JobID, domain.ActionStart); err != nil {
		// The queued row would block future starts, so fail it right away
		h.logger.Error("Failed to dispatch job, marking as failed",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		if failErr := h.storage.FailJob(c.Request.Context(), job.JobID, "failed to dispatch job to worker queue"); failErr != nil {
			h.logger.Error("Failed to mark undispatched job as failed",
				slog.String("job_id", job.JobID),
				slog.String("error", failErr.Error()),
			)
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to dispatch job",
		})
		return
	}

	h.logger.Info("Job started",
		slog.String("job_id", job.JobID),
		slog.String("mode", job.Mode),
		slog.Int("total_destinations", job.TotalDestinations),
	)

	c.JSON(http.StatusAccepted, h.toJobDTO(job))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns the job together with its derived progress projection
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	job, err := h.storage.GetJob(c.Request.Context(), jobID)
	if err != nil {
		h.respondStorageError(c, err)
		return
	}

	c.JSON(http.StatusOK, h.toJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs with optional filtering and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := storage.JobFilter{
		Mode:     req.Mode,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	}

	jobs, err := h.storage.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		jobResponse[i] = *h.toJobDTO(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		lastJob := jobs[len(jobs)-1]
		nextCursor, err = EncodeJobCursor(&storage.JobCursor{
			CreatedAt: lastJob.CreatedAt,
			JobID:     lastJob.JobID,
		})
		if err != nil {
			h.logger.Error("Failed to encode next cursor", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to encode next cursor",
			})
			return
		}
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Requests cooperative cancellation: the in-flight batch finishes first
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	if err := h.storage.RequestCancel(c.Request.Context(), jobID); err != nil {
		h.respondStorageError(c, err)
		return
	}

	h.logger.Info("Job cancellation requested", slog.String("job_id", jobID))

	c.JSON(http.StatusAccepted, gin.H{
		"job_id": jobID,
		"status": "cancellation requested",
	})
}

// ResumeJob handles POST /api/v1/jobs/:job_id/resume
// Forces a (possibly stalled) job back into its processing loop. Idempotent:
// resuming a healthy job re-enters the loop at the first unprocessed
// destination and changes nothing else.
func (h *JobHandler) ResumeJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	job, err := h.storage.TouchForResume(c.Request.Context(), jobID)
	if err != nil {
		h.respondStorageError(c, err)
		return
	}

	if err := h.publishJobMessage(c, jobID, domain.ActionResume); err != nil {
		h.logger.Error("Failed to dispatch resume",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to dispatch resume",
		})
		return
	}

	h.logger.Info("Job resume requested",
		slog.String("job_id", jobID),
		slog.String("status", job.Status),
	)

	c.JSON(http.StatusAccepted, h.toJobDTO(job))
}

// ListJobErrors handles GET /api/v1/jobs/:job_id/errors
// Returns the per-destination error ledger of a job
func (h *JobHandler) ListJobErrors(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	if _, err := h.storage.GetJob(c.Request.Context(), jobID); err != nil {
		h.respondStorageError(c, err)
		return
	}

	entries, err := h.storage.ListJobErrors(c.Request.Context(), jobID, 0)
	if err != nil {
		h.logger.Error("Failed to list job errors", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list job errors",
		})
		return
	}

	errorDTOs := make([]dto.JobErrorDTO, len(entries))
	for i, entry := range entries {
		errorDTOs[i] = dto.JobErrorDTO{
			ErrorID:       entry.ErrorID,
			DestinationID: entry.DestinationID,
			Reason:        entry.Reason,
			IsTemporary:   entry.IsTemporary,
			RetryAttempts: entry.RetryAttempts,
			Detail:        entry.Detail,
			CreatedAt:     entry.CreatedAt.Format(time.RFC3339),
		}
	}

	c.JSON(http.StatusOK, dto.ListJobErrorsResponse{
		JobID:  jobID,
		Errors: errorDTOs,
	})
}

// jobIDParam validates the :job_id path parameter
func (h *JobHandler) jobIDParam(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return "", false
	}

	return jobID, true
}

// respondStorageError maps domain errors to HTTP statuses
func (h *JobHandler) respondStorageError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, domain.ErrJobNotRunning):
		c.JSON(http.StatusConflict, gin.H{"error": "job is already in a terminal state"})
	default:
		h.logger.Error("Storage operation failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}

// publishJobMessage sends a start/resume command to the worker queue
func (h *JobHandler) publishJobMessage(c *gin.Context, jobID, action string) error {
	body, err := json.Marshal(domain.JobMessage{JobID: jobID, Action: action})
	if err != nil {
		return err
	}

	return h.rabbitClient.PublishWithRetry(c.Request.Context(), body, "application/json")
}

// toJobDTO combines the persisted job row with its derived progress view
func (h *JobHandler) toJobDTO(job *domain.Job) *dto.JobDTO {
	out := &dto.JobDTO{
		JobID:                 job.JobID,
		Mode:                  job.Mode,
		Status:                job.Status,
		Phase:                 job.Phase,
		TotalDestinations:     job.TotalDestinations,
		ProcessedDestinations: job.ProcessedDestinations,
		GeocodedDestinations:  job.GeocodedDestinations,
		FailedDestinations:    job.FailedDestinations,
		CreatedAt:             job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:             job.UpdatedAt.Format(time.RFC3339),
		Progress:              progress.Snapshot(job, time.Now(), h.stallThreshold),
	}

	if job.ErrorMessage.Valid {
		out.ErrorMessage = job.ErrorMessage.String
	}

	return out
}
