package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aksellodoo/distance-engine/internal/engine/domain"
	"github.com/aksellodoo/distance-engine/internal/providers"
)

// runMatrixPhase computes distance and travel time for every destination that
// survived the geocode phase, in batches of at most the provider ceiling.
// Each batch resolves all of its destinations terminally and is persisted in
// one transaction.
func (o *Orchestrator) runMatrixPhase(ctx context.Context, jobID string) (cancelled bool, err error) {
	if err := o.store.SetPhase(ctx, jobID, domain.PhaseMatrix); err != nil {
		return false, fmt.Errorf("failed to enter matrix phase: %w", err)
	}

	dests, err := o.store.ListPendingMatrix(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to list destinations for matrix: %w", err)
	}

	if len(dests) == 0 {
		return false, nil
	}

	batches := chunkDestinations(dests, o.batchSize)

	o.logger.Info("Matrix phase started",
		slog.String("job_id", jobID),
		slog.Int("destinations", len(dests)),
		slog.Int("batches", len(batches)),
	)

	for i, batch := range batches {
		if i > 0 {
			if err := o.pause(ctx); err != nil {
				return false, err
			}
		}

		requested, err := o.store.CancelRequested(ctx, jobID)
		if err != nil {
			return false, fmt.Errorf("failed to poll cancel flag: %w", err)
		}
		if requested {
			return true, nil
		}

		outcomes, err := o.computeBatch(ctx, batch)
		if err != nil {
			return false, err
		}

		if err := o.store.ApplyMatrixBatch(ctx, jobID, outcomes); err != nil {
			return false, fmt.Errorf("failed to apply matrix batch: %w", err)
		}
	}

	o.logger.Info("Matrix phase finished",
		slog.String("job_id", jobID),
		slog.Int("destinations", len(dests)),
	)

	return false, nil
}

// computeBatch resolves one batch of destinations into terminal outcomes.
// Destinations without coordinates never reach the provider; a whole-call
// provider failure is retried up to the attempt ceiling before every
// destination in the batch is written off as a matrix error.
func (o *Orchestrator) computeBatch(ctx context.Context, batch []domain.Destination) ([]domain.MatrixOutcome, error) {
	outcomes := make([]domain.MatrixOutcome, 0, len(batch))

	reqDests := make([]providers.MatrixDestination, 0, len(batch))
	for _, dest := range batch {
		if !dest.HasCoordinates() {
			// Defensive: the geocode phase should have resolved or failed these
			outcomes = append(outcomes, domain.MatrixOutcome{
				DestinationID: dest.DestinationID,
				Kind:          domain.OutcomeMissingCoordinates,
				Detail:        "destination reached matrix phase without coordinates",
			})
			continue
		}

		reqDests = append(reqDests, providers.MatrixDestination{
			ID: dest.DestinationID,
			Coordinates: providers.Coordinates{
				Latitude:  *dest.Latitude,
				Longitude: *dest.Longitude,
			},
		})
	}

	if len(reqDests) == 0 {
		return outcomes, nil
	}

	results, attempts, err := o.matrixWithRetry(ctx, reqDests)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		o.logger.Warn("Matrix batch failed permanently",
			slog.Int("destinations", len(reqDests)),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)

		for _, rd := range reqDests {
			outcomes = append(outcomes, domain.MatrixOutcome{
				DestinationID: rd.ID,
				Kind:          domain.OutcomeFailure,
				RetryAttempts: attempts,
				Temporary:     domain.IsTemporary(err),
				Detail:        err.Error(),
			})
		}
		return outcomes, nil
	}

	byID := make(map[string]providers.MatrixResult, len(results))
	for _, r := range results {
		byID[r.DestinationID] = r
	}

	for _, rd := range reqDests {
		r, ok := byID[rd.ID]
		switch {
		case !ok:
			outcomes = append(outcomes, domain.MatrixOutcome{
				DestinationID: rd.ID,
				Kind:          domain.OutcomeFailure,
				RetryAttempts: attempts,
				Detail:        "destination missing from provider response",
			})
		case !r.OK:
			outcomes = append(outcomes, domain.MatrixOutcome{
				DestinationID: rd.ID,
				Kind:          domain.OutcomeFailure,
				RetryAttempts: attempts,
				Detail:        r.Message,
			})
		default:
			outcomes = append(outcomes, domain.MatrixOutcome{
				DestinationID: rd.ID,
				Kind:          domain.OutcomeSuccess,
				DistanceKm:    r.DistanceKm,
				TravelHours:   r.DurationSeconds / 3600 * o.travelFactor,
			})
		}
	}

	return outcomes, nil
}

// matrixWithRetry retries the whole batch on temporary failures up to the
// attempt ceiling with exponential backoff
func (o *Orchestrator) matrixWithRetry(ctx context.Context, dests []providers.MatrixDestination) ([]providers.MatrixResult, int, error) {
	var lastErr error

	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		results, err := o.matrix.ComputeMatrix(ctx, o.origin, dests)
		if err == nil {
			return results, attempt, nil
		}

		lastErr = err

		if !domain.IsTemporary(err) {
			return nil, attempt, err
		}

		if attempt < o.maxAttempts {
			o.logger.Debug("Retrying matrix batch after temporary failure",
				slog.Int("destinations", len(dests)),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			if err := o.backoff(ctx, attempt); err != nil {
				return nil, attempt, err
			}
		}
	}

	return nil, o.maxAttempts, lastErr
}

// chunkDestinations splits dests into consecutive batches of at most size
func chunkDestinations(dests []domain.Destination, size int) [][]domain.Destination {
	if size <= 0 || len(dests) == 0 {
		return nil
	}

	batches := make([][]domain.Destination, 0, (len(dests)+size-1)/size)
	for start := 0; start < len(dests); start += size {
		end := start + size
		if end > len(dests) {
			end = len(dests)
		}
		batches = append(batches, dests[start:end])
	}

	return batches
}
