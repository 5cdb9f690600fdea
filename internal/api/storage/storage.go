package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aksellodoo/distance-engine/internal/engine/domain"
	"github.com/aksellodoo/distance-engine/shared/postgresql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Storage handles the API-side database operations
type Storage struct {
	db *sqlx.DB
}

// NewStorage creates a new Storage instance
func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

const jobColumns = `
	job_id, mode, status, phase,
	total_destinations, processed_destinations, geocoded_destinations, failed_destinations,
	cancel_requested, error_message, started_at, created_at, updated_at
`

// CreateJob creates a QUEUED job together with its destination work list in a
// single transaction. The partial unique index on active jobs makes concurrent
// starts lose cleanly with ErrJobAlreadyActive.
func (s *Storage) CreateJob(ctx context.Context, mode domain.Mode) (*domain.Job, error) {
	predicate, err := mode.SelectionPredicate()
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	jobID := uuid.New().String()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (job_id, mode, status, phase, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NOW(), NOW())`,
		jobID, string(mode), domain.JobStatusQueued, domain.PhaseNone,
	)
	if err != nil {
		if isActiveJobConflict(err) {
			return nil, domain.ErrJobAlreadyActive
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	// Freeze the destination selection for this run; position fixes the
	// processing order for resumes
	_, err = tx.ExecContext(ctx,
		`INSERT INTO job_destinations (job_id, destination_id, position, state)
		 SELECT $1, d.destination_id,
		        ROW_NUMBER() OVER (ORDER BY d.name, d.destination_id),
		        $2
		 FROM destinations d
		 WHERE `+predicate,
		jobID, domain.ItemStatePending,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build job work list: %w", err)
	}

	var job domain.Job
	err = tx.GetContext(ctx, &job,
		`UPDATE jobs
		 SET total_destinations = (SELECT COUNT(*) FROM job_destinations WHERE job_id = $1)
		 WHERE job_id = $1
		 RETURNING `+jobColumns,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job creation: %w", err)
	}

	return &job, nil
}

// FailJob marks a job FAILED with the given message. Used when a freshly
// created job cannot be dispatched: a stuck QUEUED row would hold the
// single-active slot forever.
func (s *Storage) FailJob(ctx context.Context, jobID, errorMessage string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = $1, phase = $2, error_message = $3, updated_at = NOW()
		 WHERE job_id = $4`,
		domain.JobStatusFailed, domain.PhaseNone, errorMessage, jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark job as failed: %w", err)
	}
	return nil
}

// isActiveJobConflict reports whether err is the single-active-job index firing
func isActiveJobConflict(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) &&
		pqErr.Code == "23505" &&
		pqErr.Constraint == "jobs_single_active"
}

// GetJob retrieves a job by its ID
func (s *Storage) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	if err := s.db.GetContext(ctx, &job, query, jobID); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// RequestCancel flips the cooperative cancellation flag on an active job
func (s *Storage) RequestCancel(ctx context.Context, jobID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET cancel_requested = TRUE, updated_at = NOW()
		 WHERE job_id = $1 AND status IN ($2, $3)`,
		jobID, domain.JobStatusQueued, domain.JobStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to request cancellation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		if _, err := s.GetJob(ctx, jobID); err != nil {
			return err
		}
		return domain.ErrJobNotRunning
	}

	return nil
}

// TouchForResume validates that the job can be resumed and bumps updated_at so
// the stall signal clears immediately
func (s *Storage) TouchForResume(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.IsTerminal() {
		return nil, domain.ErrJobNotRunning
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE jobs SET updated_at = NOW() WHERE job_id = $1`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to touch job: %w", err)
	}

	return job, nil
}

// JobFilter selects and paginates jobs
type JobFilter struct {
	Mode     string
	Status   string
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is the keyset position for job pagination
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListJobs returns one page of jobs, newest first
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Mode != "" {
		query += fmt.Sprintf(" AND mode = $%d", argIdx)
		args = append(args, filter.Mode)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"

	// Fetch one extra to determine if there are more results
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// ListJobErrors returns the error ledger of a job, oldest first
func (s *Storage) ListJobErrors(ctx context.Context, jobID string, limit int) ([]domain.JobError, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT error_id, job_id, destination_id, reason, is_temporary, retry_attempts, detail, created_at
		FROM job_errors
		WHERE job_id = $1
		ORDER BY created_at, error_id
		LIMIT $2
	`

	var entries []domain.JobError
	if err := s.db.SelectContext(ctx, &entries, query, jobID, limit); err != nil {
		return nil, fmt.Errorf("failed to list job errors: %w", err)
	}

	return entries, nil
}
