package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aksellodoo/distance-engine/internal/engine/domain"
	"github.com/aksellodoo/distance-engine/internal/providers"
)

// runGeocodePhase fills in missing coordinates for the job's destination set.
// Destinations are geocoded individually; a permanent failure excludes the
// destination from the matrix phase and counts it as processed. Returns
// cancelled=true when the cooperative cancel flag was observed.
func (o *Orchestrator) runGeocodePhase(ctx context.Context, jobID string) (cancelled bool, err error) {
	dests, err := o.store.ListPendingGeocode(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to list destinations for geocoding: %w", err)
	}

	if len(dests) == 0 {
		return false, nil
	}

	if err := o.store.SetPhase(ctx, jobID, domain.PhaseGeocode); err != nil {
		return false, fmt.Errorf("failed to enter geocode phase: %w", err)
	}

	o.logger.Info("Geocode phase started",
		slog.String("job_id", jobID),
		slog.Int("destinations", len(dests)),
	)

	for i, dest := range dests {
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

		coords, attempts, geoErr := o.geocodeWithRetry(ctx, &dest)
		if geoErr != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}

			o.logger.Warn("Destination geocoding failed permanently",
				slog.String("job_id", jobID),
				slog.String("destination_id", dest.DestinationID),
				slog.Int("attempts", attempts),
				slog.String("error", geoErr.Error()),
			)

			if err := o.store.ApplyGeocodeFailure(ctx, jobID, dest.DestinationID, attempts, domain.IsTemporary(geoErr), geoErr.Error()); err != nil {
				return false, fmt.Errorf("failed to record geocode failure: %w", err)
			}
			continue
		}

		if err := o.store.ApplyGeocodeSuccess(ctx, jobID, dest.DestinationID, coords.Latitude, coords.Longitude); err != nil {
			return false, fmt.Errorf("failed to save coordinates: %w", err)
		}
	}

	o.logger.Info("Geocode phase finished",
		slog.String("job_id", jobID),
		slog.Int("destinations", len(dests)),
	)

	return false, nil
}

// geocodeWithRetry retries temporary provider failures up to the attempt
// ceiling with exponential backoff; permanent failures return immediately.
// The returned attempt count goes into the error ledger.
func (o *Orchestrator) geocodeWithRetry(ctx context.Context, dest *domain.Destination) (providers.Coordinates, int, error) {
	var lastErr error

	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		coords, err := o.geocoder.Geocode(ctx, dest.GeocodeQuery())
		if err == nil {
			return coords, attempt, nil
		}

		lastErr = err

		if !domain.IsTemporary(err) {
			return providers.Coordinates{}, attempt, err
		}

		if attempt < o.maxAttempts {
			o.logger.Debug("Retrying geocode after temporary failure",
				slog.String("destination_id", dest.DestinationID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			if err := o.backoff(ctx, attempt); err != nil {
				return providers.Coordinates{}, attempt, err
			}
		}
	}

	return providers.Coordinates{}, o.maxAttempts, lastErr
}
