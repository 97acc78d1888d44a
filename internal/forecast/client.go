package forecast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aquifer-io/aquifer/internal/config"
	"github.com/aquifer-io/aquifer/internal/observability"
)

const (
	defaultTimeout      = 5 * time.Second
	defaultCacheTTL     = 5 * time.Minute
	defaultCacheEntries = 256
	maxErrorBody        = 512
)

// ErrBaseURLEmpty is returned when the forecast service address is not configured.
var ErrBaseURLEmpty = errors.New("forecast service URL cannot be empty")

// Config holds forecast client configuration.
type Config struct {
	BaseURL      string
	Timeout      time.Duration
	CacheTTL     time.Duration // 0 disables caching
	CacheEntries int
}

// LoadConfig loads forecast client configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		BaseURL:      config.GetEnvStr("AQUIFER_FORECAST_URL", ""),
		Timeout:      config.GetEnvDuration("AQUIFER_FORECAST_TIMEOUT", defaultTimeout),
		CacheTTL:     config.GetEnvDuration("AQUIFER_FORECAST_CACHE_TTL", defaultCacheTTL),
		CacheEntries: config.GetEnvInt("AQUIFER_FORECAST_CACHE_ENTRIES", defaultCacheEntries),
	}
}

// Validate checks the forecast client configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return ErrBaseURLEmpty
	}

	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		return fmt.Errorf("invalid forecast service URL: %w", err)
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("forecast timeout must be positive, got %v", c.Timeout)
	}

	return nil
}

// Client implements Source against the analytics service's forecast API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewClient creates a forecast service client.
func NewClient(cfg *Config, logger *slog.Logger, metrics *observability.Metrics) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		logger:  logger,
		metrics: metrics,
	}
}

// Forecast fetches the forecast horizon for a region. Every failure wraps ErrUpstream.
func (c *Client) Forecast(ctx context.Context, regionID string) (Series, error) {
	u := fmt.Sprintf("%s/api/v1/forecasts/%s", c.baseURL, url.PathEscape(regionID))

	series, err := c.doRequest(ctx, u)
	if err != nil {
		c.observe("error")

		return nil, fmt.Errorf("%w: region %s: %w", ErrUpstream, regionID, err)
	}

	if len(series) == 0 {
		c.observe("empty")
	} else {
		c.observe("success")
	}

	return series, nil
}

func (c *Client) doRequest(ctx context.Context, fullURL string) (Series, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forecast request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return nil, fmt.Errorf("forecast API error: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var series Series
	if err := json.NewDecoder(resp.Body).Decode(&series); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return series, nil
}

func (c *Client) observe(outcome string) {
	if c.metrics != nil {
		c.metrics.ForecastRequests.WithLabelValues(outcome).Inc()
	}
}
