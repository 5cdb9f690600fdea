// Package progress projects a job snapshot into operator-facing figures.
// Everything here is a pure function of the job row and "now"; nothing is
// persisted and the stall signal is re-derived on every read.
package progress

import (
	"fmt"
	"math"
	"time"

	"github.com/aksellodoo/distance-engine/internal/engine/domain"
)

// DefaultStallThreshold is how long a running job may go without a counter
// update before it is flagged as stalled
const DefaultStallThreshold = 5 * time.Minute

// Report is the derived, read-only view of a job's progress
type Report struct {
	Percentage                int    `json:"percentage"`
	PhaseLabel                string `json:"phase_label"`
	EstimatedRemainingMinutes *int   `json:"estimated_remaining_minutes,omitempty"`
	IsStalled                 bool   `json:"is_stalled"`
}

// Snapshot computes the full progress report for a job at the given instant
func Snapshot(job *domain.Job, now time.Time, stallThreshold time.Duration) Report {
	report := Report{
		Percentage: Percentage(job.ProcessedDestinations, job.TotalDestinations),
		PhaseLabel: PhaseLabel(job),
		IsStalled:  IsStalled(job, now, stallThreshold),
	}

	if mins, ok := EstimatedRemainingMinutes(job, now); ok {
		report.EstimatedRemainingMinutes = &mins
	}

	return report
}

// Percentage is the rounded completion percentage, 0 for an empty job
func Percentage(processed, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(100 * float64(processed) / float64(total)))
}

// PhaseLabel renders a human-readable phase plus counts
func PhaseLabel(job *domain.Job) string {
	switch {
	case job.Status == domain.JobStatusRunning && job.Phase == domain.PhaseGeocode:
		return fmt.Sprintf("Geocoding %d/%d", job.GeocodedDestinations+job.FailedDestinations, job.TotalDestinations)
	case job.Status == domain.JobStatusRunning && job.Phase == domain.PhaseMatrix:
		return fmt.Sprintf("Computing distances %d/%d", job.ProcessedDestinations, job.TotalDestinations)
	case job.Status == domain.JobStatusQueued:
		return "Queued"
	case job.Status == domain.JobStatusCompleted:
		return fmt.Sprintf("Completed %d/%d", job.ProcessedDestinations, job.TotalDestinations)
	case job.Status == domain.JobStatusCancelled:
		return fmt.Sprintf("Cancelled at %d/%d", job.ProcessedDestinations, job.TotalDestinations)
	case job.Status == domain.JobStatusFailed:
		return "Failed"
	}
	return fmt.Sprintf("%d/%d", job.ProcessedDestinations, job.TotalDestinations)
}

// EstimatedRemainingMinutes projects observed throughput over the remainder.
// Defined only during the matrix phase with some progress already made.
func EstimatedRemainingMinutes(job *domain.Job, now time.Time) (int, bool) {
	if job.Status != domain.JobStatusRunning || job.Phase != domain.PhaseMatrix {
		return 0, false
	}
	if !job.StartedAt.Valid || job.ProcessedDestinations <= 0 {
		return 0, false
	}

	elapsed := now.Sub(job.StartedAt.Time).Minutes()
	if elapsed <= 0 {
		return 0, false
	}

	throughput := float64(job.ProcessedDestinations) / elapsed
	remaining := float64(job.TotalDestinations - job.ProcessedDestinations)

	return int(math.Ceil(remaining / throughput)), true
}

// IsStalled reports whether a running job has gone quiet past the threshold
func IsStalled(job *domain.Job, now time.Time, threshold time.Duration) bool {
	if threshold <= 0 {
		threshold = DefaultStallThreshold
	}
	return job.Status == domain.JobStatusRunning && now.Sub(job.UpdatedAt) > threshold
}
