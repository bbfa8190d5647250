// Package census resolves county FIPS codes to names and states through
// the county directory API.
package census

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/terracast/crop-signal-engine/internal/config"
	"github.com/terracast/crop-signal-engine/internal/domain"
	"github.com/terracast/crop-signal-engine/internal/observability"
)

// Client implements domain.CountyDirectory against the county directory API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewClient creates a county directory client.
func NewClient(cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.CountyAPITimeout},
		baseURL:    cfg.CountyAPIBase,
		metrics:    metrics,
		logger:     logger,
	}
}

// Lookup fetches directory metadata for one FIPS code. An unknown code
// resolves to the zero value without error so callers degrade gracefully.
func (c *Client) Lookup(ctx context.Context, fips string) (domain.CountyInfo, error) {
	u := fmt.Sprintf("%s/%s", c.baseURL, url.PathEscape(fips))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return domain.CountyInfo{}, fmt.Errorf("create request: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.CountyDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.CountyLookups.WithLabelValues("error").Inc()
		return domain.CountyInfo{}, fmt.Errorf("county lookup request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		c.metrics.CountyLookups.WithLabelValues("empty").Inc()
		c.logger.Debug("county not in directory", "fips", fips)
		return domain.CountyInfo{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		c.metrics.CountyLookups.WithLabelValues("error").Inc()
		return domain.CountyInfo{}, fmt.Errorf("county directory error: status %d: %s", resp.StatusCode, body)
	}

	var cr countyResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		c.metrics.CountyLookups.WithLabelValues("error").Inc()
		return domain.CountyInfo{}, fmt.Errorf("decode response: %w", err)
	}

	c.metrics.CountyLookups.WithLabelValues("success").Inc()
	return domain.CountyInfo{FIPS: cr.FIPS, Name: cr.Name, State: cr.State}, nil
}

// County directory API response type.

type countyResponse struct {
	FIPS  string `json:"fips"`
	Name  string `json:"name"`
	State string `json:"state"`
}
