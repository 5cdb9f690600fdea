// Package engine drives enrichment jobs: it owns the job state machine,
// sequences the geocode and matrix phases over the record store, and keeps
// the per-destination error ledger.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aksellodoo/distance-engine/internal/engine/domain"
	"github.com/aksellodoo/distance-engine/internal/providers"
)

// Store is the record-store contract the orchestrator drives
type Store interface {
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ClaimJob(ctx context.Context, jobID string) (*domain.Job, error)
	SetPhase(ctx context.Context, jobID, phase string) error
	TouchJob(ctx context.Context, jobID string) error
	CancelRequested(ctx context.Context, jobID string) (bool, error)
	FinishJob(ctx context.Context, jobID, status, errorMessage string) error
	ListPendingGeocode(ctx context.Context, jobID string) ([]domain.Destination, error)
	ListPendingMatrix(ctx context.Context, jobID string) ([]domain.Destination, error)
	ApplyGeocodeSuccess(ctx context.Context, jobID, destinationID string, lat, lng float64) error
	ApplyGeocodeFailure(ctx context.Context, jobID, destinationID string, attempts int, temporary bool, detail string) error
	ApplyMatrixBatch(ctx context.Context, jobID string, outcomes []domain.MatrixOutcome) error
}

// Geocoder resolves one address or place name to coordinates
type Geocoder interface {
	Geocode(ctx context.Context, query string) (providers.Coordinates, error)
}

// MatrixProvider computes distance and duration from the origin to a batch of destinations
type MatrixProvider interface {
	ComputeMatrix(ctx context.Context, origin providers.Coordinates, dests []providers.MatrixDestination) ([]providers.MatrixResult, error)
}

// Config holds orchestrator dependencies and tunables
type Config struct {
	Logger   *slog.Logger
	Store    Store
	Geocoder Geocoder
	Matrix   MatrixProvider

	// Origin is the fixed origin point for every distance computation
	Origin providers.Coordinates

	// MaxAttempts is the per-destination / per-batch provider attempt ceiling (default 3)
	MaxAttempts int
	// BackoffBase is the first retry delay; it doubles per attempt (default 2s)
	BackoffBase time.Duration
	// BatchSize caps destinations per matrix call (default and max 100)
	BatchSize int
	// InterBatchDelay is the minimum pause between provider calls
	InterBatchDelay time.Duration
	// TravelTimeFactor is the truck-speed correction applied to provider durations (default 1.25)
	TravelTimeFactor float64
}

// Orchestrator runs one job at a time: Phase 1 (geocode) to exhaustion, then
// Phase 2 (matrix) in bounded batches, with cooperative cancellation polled
// between batches.
type Orchestrator struct {
	logger          *slog.Logger
	store           Store
	geocoder        Geocoder
	matrix          MatrixProvider
	origin          providers.Coordinates
	maxAttempts     int
	backoffBase     time.Duration
	batchSize       int
	interBatchDelay time.Duration
	travelFactor    float64
}

// New creates an orchestrator, applying defaults for unset tunables
func New(cfg *Config) *Orchestrator {
	o := &Orchestrator{
		logger:          cfg.Logger,
		store:           cfg.Store,
		geocoder:        cfg.Geocoder,
		matrix:          cfg.Matrix,
		origin:          cfg.Origin,
		maxAttempts:     cfg.MaxAttempts,
		backoffBase:     cfg.BackoffBase,
		batchSize:       cfg.BatchSize,
		interBatchDelay: cfg.InterBatchDelay,
		travelFactor:    cfg.TravelTimeFactor,
	}

	if o.maxAttempts <= 0 {
		o.maxAttempts = 3
	}
	if o.backoffBase <= 0 {
		o.backoffBase = 2 * time.Second
	}
	if o.batchSize <= 0 || o.batchSize > providers.MaxMatrixDestinations {
		o.batchSize = providers.MaxMatrixDestinations
	}
	if o.travelFactor <= 0 {
		o.travelFactor = 1.25
	}

	return o
}

// Run drives the job identified by jobID to a terminal state or to the point
// where cancellation or a context shutdown takes over. It is safe to call on
// an already-running job: processing continues from the first unprocessed
// destination.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	job, err := o.store.ClaimJob(ctx, jobID)
	if err != nil {
		if !errors.Is(err, domain.ErrJobNotClaimable) {
			return fmt.Errorf("failed to claim job: %w", err)
		}

		// Not QUEUED: either a forced resume of a running job or a stale
		// message for a terminal one
		job, err = o.store.GetJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("failed to load job: %w", err)
		}

		if job.IsTerminal() {
			o.logger.Warn("Ignoring message for terminal job",
				slog.String("job_id", jobID),
				slog.String("status", job.Status),
			)
			return nil
		}

		if err := o.store.TouchJob(ctx, jobID); err != nil {
			return o.failJob(ctx, jobID, fmt.Errorf("failed to touch job on resume: %w", err))
		}

		o.logger.Info("Resuming job",
			slog.String("job_id", jobID),
			slog.String("phase", job.Phase),
			slog.Int("processed", job.ProcessedDestinations),
			slog.Int("total", job.TotalDestinations),
		)
	}

	cancelled, err := o.runGeocodePhase(ctx, jobID)
	if err != nil {
		return o.failJob(ctx, jobID, err)
	}

	if !cancelled {
		cancelled, err = o.runMatrixPhase(ctx, jobID)
		if err != nil {
			return o.failJob(ctx, jobID, err)
		}
	}

	if cancelled {
		if err := o.store.FinishJob(ctx, jobID, domain.JobStatusCancelled, ""); err != nil {
			return fmt.Errorf("failed to cancel job: %w", err)
		}
		o.logger.Info("Job cancelled", slog.String("job_id", jobID))
		return nil
	}

	final, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return o.failJob(ctx, jobID, fmt.Errorf("failed to load job for completion: %w", err))
	}

	if err := o.store.FinishJob(ctx, jobID, domain.JobStatusCompleted, ""); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	o.logger.Info("Job completed",
		slog.String("job_id", jobID),
		slog.Int("processed", final.ProcessedDestinations),
		slog.Int("geocoded", final.GeocodedDestinations),
		slog.Int("failed", final.FailedDestinations),
		slog.Int("total", final.TotalDestinations),
	)

	return nil
}

// failJob records an orchestration-level fault. Context shutdown is not a
// job failure: the message is requeued and the job resumed later.
func (o *Orchestrator) failJob(ctx context.Context, jobID string, cause error) error {
	if ctx.Err() != nil {
		o.logger.Warn("Job interrupted by shutdown",
			slog.String("job_id", jobID),
			slog.String("error", cause.Error()),
		)
		return domain.NewTemporaryError(cause)
	}

	o.logger.Error("Job failed",
		slog.String("job_id", jobID),
		slog.String("error", cause.Error()),
	)

	finishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := o.store.FinishJob(finishCtx, jobID, domain.JobStatusFailed, cause.Error()); err != nil {
		o.logger.Error("Failed to mark job as failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}

	return cause
}

// pause waits the inter-batch delay, aborting early on context shutdown
func (o *Orchestrator) pause(ctx context.Context) error {
	if o.interBatchDelay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(o.interBatchDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// backoff sleeps the exponential retry delay for the given attempt (1-based)
func (o *Orchestrator) backoff(ctx context.Context, attempt int) error {
	delay := o.backoffBase * time.Duration(uint(1)<<uint(attempt-1))

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
