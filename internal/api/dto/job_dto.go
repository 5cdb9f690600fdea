package dto

import "github.com/aksellodoo/distance-engine/internal/engine/progress"

// StartJobRequest starts a new enrichment job
type StartJobRequest struct {
	Mode string `json:"mode" binding:"required"`
}

// JobDTO is the wire representation of a job plus its derived progress
type JobDTO struct {
	JobID                 string          `json:"job_id"`
	Mode                  string          `json:"mode"`
	Status                string          `json:"status"`
	Phase                 string          `json:"phase"`
	TotalDestinations     int             `json:"total_destinations"`
	ProcessedDestinations int             `json:"processed_destinations"`
	GeocodedDestinations  int             `json:"geocoded_destinations"`
	FailedDestinations    int             `json:"failed_destinations"`
	ErrorMessage          string          `json:"error_message,omitempty"`
	CreatedAt             string          `json:"created_at"`
	UpdatedAt             string          `json:"updated_at"`
	Progress              progress.Report `json:"progress"`
}

// ListJobsRequest filters and paginates the job list
type ListJobsRequest struct {
	Mode     string `form:"mode"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

// ListJobsResponse is a page of jobs plus the cursor for the next page
type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// JobErrorDTO is one entry of the per-destination error ledger
type JobErrorDTO struct {
	ErrorID       string `json:"error_id"`
	DestinationID string `json:"destination_id"`
	Reason        string `json:"reason"`
	IsTemporary   bool   `json:"is_temporary"`
	RetryAttempts int    `json:"retry_attempts"`
	Detail        string `json:"detail,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// ListJobErrorsResponse is the error ledger of one job
type ListJobErrorsResponse struct {
	JobID  string        `json:"job_id"`
	Errors []JobErrorDTO `json:"errors"`
}
