package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/aksellodoo/distance-engine/internal/engine/domain"
)

// Coordinates is a latitude/longitude pair in decimal degrees
type Coordinates struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

// GeocoderConfig holds geocoding provider settings
type GeocoderConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// GeocoderClient resolves a free-text address or place name to coordinates
type GeocoderClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGeocoderClient creates a geocoding provider client
func NewGeocoderClient(cfg *GeocoderConfig, logger *slog.Logger) *GeocoderClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &GeocoderClient{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type geocodeResponse struct {
	Results []struct {
		Latitude  float64 `json:"lat"`
		Longitude float64 `json:"lng"`
	} `json:"results"`
}

// Geocode resolves query to coordinates. Timeouts, rate limiting and 5xx
// responses come back wrapped as domain.TemporaryError; an empty result set or
// any other provider rejection is permanent.
func (c *GeocoderClient) Geocode(ctx context.Context, query string) (Coordinates, error) {
	endpoint := c.baseURL + "/geocode"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Coordinates{}, fmt.Errorf("failed to build geocode request: %w", err)
	}

	q := url.Values{}
	q.Set("q", query)
	q.Set("size", "1")
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network-level failures (timeouts included) are worth retrying
		return Coordinates{}, domain.NewTemporaryError(fmt.Errorf("geocode request failed: %w", err))
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		c.logger.Warn("Geocoding provider returned non-OK status",
			slog.Int("status", resp.StatusCode),
			slog.String("query", query),
		)
		return Coordinates{}, err
	}

	var decoded geocodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Coordinates{}, fmt.Errorf("failed to decode geocode response: %w", err)
	}

	if len(decoded.Results) == 0 {
		return Coordinates{}, fmt.Errorf("no geocode results for %q", query)
	}

	c.logger.Debug("Geocoded destination",
		slog.String("query", query),
		slog.Float64("lat", decoded.Results[0].Latitude),
		slog.Float64("lng", decoded.Results[0].Longitude),
	)

	return Coordinates{
		Latitude:  decoded.Results[0].Latitude,
		Longitude: decoded.Results[0].Longitude,
	}, nil
}

// classifyStatus maps an HTTP status to nil, a permanent error, or a temporary one
func classifyStatus(status int) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return domain.NewTemporaryError(fmt.Errorf("provider status %d", status))
	default:
		return fmt.Errorf("provider rejected request with status %d", status)
	}
}
