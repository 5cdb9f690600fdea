package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/aksellodoo/distance-engine/internal/engine/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Storage handles all database operations for the enrichment engine
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

const jobColumns = `
	job_id, mode, status, phase,
	total_destinations, processed_destinations, geocoded_destinations, failed_destinations,
	cancel_requested, error_message, started_at, created_at, updated_at
`

// GetJob retrieves a job by its ID
func (s *Storage) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	var job domain.Job
	if err := s.db.GetContext(ctx, &job, query, jobID); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// ClaimJob transitions a QUEUED job to RUNNING using an optimistic update.
// Returns ErrJobNotClaimable if the job is not in QUEUED status.
func (s *Storage) ClaimJob(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    phase = $2,
		    started_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status = $4
		RETURNING ` + jobColumns

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, domain.JobStatusRunning, domain.PhaseNone, jobID, domain.JobStatusQueued)
	if err != nil {
		if err == sql.ErrNoRows {
			s.logger.Warn("Failed to claim job - not in QUEUED status",
				slog.String("job_id", jobID),
			)
			return nil, domain.ErrJobNotClaimable
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Info("Job claimed",
		slog.String("job_id", jobID),
		slog.String("mode", job.Mode),
		slog.Int("total_destinations", job.TotalDestinations),
	)

	return &job, nil
}

// SetPhase records the phase the job is currently in
func (s *Storage) SetPhase(ctx context.Context, jobID, phase string) error {
	query := `
		UPDATE jobs
		SET phase = $1, updated_at = NOW()
		WHERE job_id = $2 AND status = $3
	`

	if _, err := s.db.ExecContext(ctx, query, phase, jobID, domain.JobStatusRunning); err != nil {
		return fmt.Errorf("failed to set job phase: %w", err)
	}

	return nil
}

// TouchJob bumps updated_at on a running job, clearing any stall signal
func (s *Storage) TouchJob(ctx context.Context, jobID string) error {
	query := `UPDATE jobs SET updated_at = NOW() WHERE job_id = $1 AND status = $2`

	if _, err := s.db.ExecContext(ctx, query, jobID, domain.JobStatusRunning); err != nil {
		return fmt.Errorf("failed to touch job: %w", err)
	}

	return nil
}

// CancelRequested reads the cooperative cancellation flag
func (s *Storage) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var requested bool
	query := `SELECT cancel_requested FROM jobs WHERE job_id = $1`

	if err := s.db.GetContext(ctx, &requested, query, jobID); err != nil {
		if err == sql.ErrNoRows {
			return false, domain.ErrJobNotFound
		}
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}

	return requested, nil
}

// FinishJob moves a job into a terminal state. The phase is cleared and
// error_message is set only for FAILED jobs.
func (s *Storage) FinishJob(ctx context.Context, jobID, status, errorMessage string) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    phase = $2,
		    error_message = NULLIF($3, ''),
		    updated_at = NOW()
		WHERE job_id = $4
	`

	if _, err := s.db.ExecContext(ctx, query, status, domain.PhaseNone, errorMessage, jobID); err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}

	s.logger.Info("Job finished",
		slog.String("job_id", jobID),
		slog.String("status", status),
	)

	return nil
}

// ListPendingGeocode returns the job's destinations that still need
// coordinates, in work-list order
func (s *Storage) ListPendingGeocode(ctx context.Context, jobID string) ([]domain.Destination, error) {
	query := `
		SELECT d.destination_id, d.name, d.address, d.latitude, d.longitude
		FROM job_destinations jd
		JOIN destinations d ON d.destination_id = jd.destination_id
		WHERE jd.job_id = $1
		  AND jd.state = $2
		  AND (d.latitude IS NULL OR d.longitude IS NULL)
		ORDER BY jd.position
	`

	var dests []domain.Destination
	if err := s.db.SelectContext(ctx, &dests, query, jobID, domain.ItemStatePending); err != nil {
		return nil, fmt.Errorf("failed to list pending geocode destinations: %w", err)
	}

	return dests, nil
}

// ListPendingMatrix returns the job's destinations still awaiting a matrix
// result, in work-list order. Destinations already failed are excluded.
func (s *Storage) ListPendingMatrix(ctx context.Context, jobID string) ([]domain.Destination, error) {
	query := `
		SELECT d.destination_id, d.name, d.address, d.latitude, d.longitude
		FROM job_destinations jd
		JOIN destinations d ON d.destination_id = jd.destination_id
		WHERE jd.job_id = $1
		  AND jd.state IN ($2, $3)
		ORDER BY jd.position
	`

	var dests []domain.Destination
	err := s.db.SelectContext(ctx, &dests, query, jobID, domain.ItemStatePending, domain.ItemStateGeocoded)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending matrix destinations: %w", err)
	}

	return dests, nil
}

// ApplyGeocodeSuccess writes the resolved coordinates and marks the work item
// geocoded in a single transaction. The destination is not counted as
// processed yet - that happens when the matrix phase resolves it.
func (s *Storage) ApplyGeocodeSuccess(ctx context.Context, jobID, destinationID string, lat, lng float64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE destinations SET latitude = $1, longitude = $2 WHERE destination_id = $3`,
		lat, lng, destinationID,
	)
	if err != nil {
		return fmt.Errorf("failed to save coordinates: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE job_destinations SET state = $1 WHERE job_id = $2 AND destination_id = $3`,
		domain.ItemStateGeocoded, jobID, destinationID,
	)
	if err != nil {
		return fmt.Errorf("failed to update work item state: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE jobs
		 SET geocoded_destinations = geocoded_destinations + 1, updated_at = NOW()
		 WHERE job_id = $1`,
		jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit geocode success: %w", err)
	}

	return nil
}

// ApplyGeocodeFailure records a permanent geocoding failure: ledger entry,
// failed work item state and counter bumps, all in one transaction. The
// destination is terminally resolved, so it counts as processed.
func (s *Storage) ApplyGeocodeFailure(ctx context.Context, jobID, destinationID string, attempts int, temporary bool, detail string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertJobError(ctx, tx, jobID, destinationID, domain.ReasonGeocodingFailed, attempts, temporary, detail); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE job_destinations SET state = $1 WHERE job_id = $2 AND destination_id = $3`,
		domain.ItemStateFailed, jobID, destinationID,
	)
	if err != nil {
		return fmt.Errorf("failed to update work item state: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE jobs
		 SET processed_destinations = processed_destinations + 1,
		     failed_destinations = failed_destinations + 1,
		     updated_at = NOW()
		 WHERE job_id = $1`,
		jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit geocode failure: %w", err)
	}

	return nil
}

// ApplyMatrixBatch applies every outcome of one matrix batch in a single
// transaction so a reader never observes a partially applied batch.
func (s *Storage) ApplyMatrixBatch(ctx context.Context, jobID string, outcomes []domain.MatrixOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	failed := 0
	for _, out := range outcomes {
		switch out.Kind {
		case domain.OutcomeSuccess:
			_, err = tx.ExecContext(ctx,
				`UPDATE destinations
				 SET distance_km = $1, average_travel_time_hours = $2, distance_source = $3
				 WHERE destination_id = $4`,
				out.DistanceKm, out.TravelHours, domain.DistanceSourceMatrix, out.DestinationID,
			)
			if err != nil {
				return fmt.Errorf("failed to save distance: %w", err)
			}

			_, err = tx.ExecContext(ctx,
				`UPDATE job_destinations SET state = $1 WHERE job_id = $2 AND destination_id = $3`,
				domain.ItemStateDone, jobID, out.DestinationID,
			)
			if err != nil {
				return fmt.Errorf("failed to update work item state: %w", err)
			}

		case domain.OutcomeFailure:
			if err := insertJobError(ctx, tx, jobID, out.DestinationID, domain.ReasonMatrixAPIError, out.RetryAttempts, out.Temporary, out.Detail); err != nil {
				return err
			}
			if err := markItemFailed(ctx, tx, jobID, out.DestinationID); err != nil {
				return err
			}
			failed++

		case domain.OutcomeMissingCoordinates:
			if err := insertJobError(ctx, tx, jobID, out.DestinationID, domain.ReasonMissingCoordinates, 0, false, out.Detail); err != nil {
				return err
			}
			if err := markItemFailed(ctx, tx, jobID, out.DestinationID); err != nil {
				return err
			}
			failed++

		default:
			return fmt.Errorf("unknown matrix outcome kind: %s", out.Kind)
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE jobs
		 SET processed_destinations = processed_destinations + $1,
		     failed_destinations = failed_destinations + $2,
		     updated_at = NOW()
		 WHERE job_id = $3`,
		len(outcomes), failed, jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit matrix batch: %w", err)
	}

	s.logger.Debug("Matrix batch applied",
		slog.String("job_id", jobID),
		slog.Int("outcomes", len(outcomes)),
		slog.Int("failed", failed),
	)

	return nil
}

func insertJobError(ctx context.Context, tx *sqlx.Tx, jobID, destinationID, reason string, attempts int, temporary bool, detail string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO job_errors (error_id, job_id, destination_id, reason, is_temporary, retry_attempts, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		uuid.New().String(), jobID, destinationID, reason, temporary, attempts, detail,
	)
	if err != nil {
		return fmt.Errorf("failed to append job error: %w", err)
	}
	return nil
}

func markItemFailed(ctx context.Context, tx *sqlx.Tx, jobID, destinationID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE job_destinations SET state = $1 WHERE job_id = $2 AND destination_id = $3`,
		domain.ItemStateFailed, jobID, destinationID,
	)
	if err != nil {
		return fmt.Errorf("failed to update work item state: %w", err)
	}
	return nil
}
