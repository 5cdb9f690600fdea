package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aksellodoo/distance-engine/internal/engine/domain"
)

// MaxMatrixDestinations is the provider's per-request destination ceiling
const MaxMatrixDestinations = 100

// MatrixConfig holds distance-matrix provider settings
type MatrixConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// MatrixDestination is one destination sent to the matrix provider
type MatrixDestination struct {
	ID string `json:"id"`
	Coordinates
}

// MatrixResult is the per-destination outcome of a matrix call
type MatrixResult struct {
	DestinationID   string
	DistanceKm      float64
	DurationSeconds float64
	OK              bool
	Message         string
}

// MatrixClient computes road distance and duration from a fixed origin to a
// batch of destinations in a single provider call
type MatrixClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewMatrixClient creates a distance-matrix provider client
func NewMatrixClient(cfg *MatrixConfig, logger *slog.Logger) *MatrixClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &MatrixClient{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type matrixRequest struct {
	Origin       Coordinates         `json:"origin"`
	Destinations []MatrixDestination `json:"destinations"`
}

type matrixResponse struct {
	Results []struct {
		ID              string  `json:"id"`
		DistanceKm      float64 `json:"distance_km"`
		DurationSeconds float64 `json:"duration_seconds"`
		Status          string  `json:"status"`
		Message         string  `json:"message"`
	} `json:"results"`
}

// ComputeMatrix calls the provider once for up to MaxMatrixDestinations
// destinations. A whole-call failure is returned as an error (temporary when
// retryable); per-destination failures come back as results with OK=false.
func (c *MatrixClient) ComputeMatrix(ctx context.Context, origin Coordinates, dests []MatrixDestination) ([]MatrixResult, error) {
	if len(dests) == 0 {
		return nil, nil
	}
	if len(dests) > MaxMatrixDestinations {
		return nil, fmt.Errorf("matrix request exceeds destination ceiling: %d > %d", len(dests), MaxMatrixDestinations)
	}

	body, err := json.Marshal(matrixRequest{Origin: origin, Destinations: dests})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal matrix request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/matrix", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build matrix request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewTemporaryError(fmt.Errorf("matrix request failed: %w", err))
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		c.logger.Warn("Matrix provider returned non-OK status",
			slog.Int("status", resp.StatusCode),
			slog.Int("destinations", len(dests)),
		)
		return nil, err
	}

	var decoded matrixResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode matrix response: %w", err)
	}

	results := make([]MatrixResult, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		results = append(results, MatrixResult{
			DestinationID:   r.ID,
			DistanceKm:      r.DistanceKm,
			DurationSeconds: r.DurationSeconds,
			OK:              r.Status == "ok",
			Message:         r.Message,
		})
	}

	c.logger.Debug("Matrix batch computed",
		slog.Int("requested", len(dests)),
		slog.Int("returned", len(results)),
	)

	return results, nil
}
