package pipeline

import (
	"bytes"
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
	"github.com/aquifer-io/aquifer/internal/jobs"
)

const (
	defaultTimeout = 5 * time.Minute
	maxResultBytes = 1 << 20 // 1 MiB
	maxErrorBody   = 512
)

var (
	// ErrServiceURLEmpty indicates an external service address is not configured.
	ErrServiceURLEmpty = errors.New("pipeline service URL cannot be empty")

	// ErrStepFailed indicates the external step answered with a non-2xx status.
	ErrStepFailed = errors.New("pipeline step failed")
)

// Config holds the addresses of the external pipeline services.
type Config struct {
	AnalyticsURL    string
	OrchestratorURL string
	StepsFile       string
	Timeout         time.Duration
}

// LoadConfig loads pipeline configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		AnalyticsURL:    config.GetEnvStr("AQUIFER_ANALYTICS_URL", ""),
		OrchestratorURL: config.GetEnvStr("AQUIFER_ORCHESTRATOR_URL", ""),
		StepsFile:       config.GetEnvStr("AQUIFER_PIPELINE_STEPS_FILE", ""),
		Timeout:         config.GetEnvDuration("AQUIFER_PIPELINE_TIMEOUT", defaultTimeout),
	}
}

// Validate checks the pipeline configuration.
func (c *Config) Validate() error {
	for name, raw := range map[string]string{
		ServiceAnalytics:    c.AnalyticsURL,
		ServiceOrchestrator: c.OrchestratorURL,
	} {
		if strings.TrimSpace(raw) == "" {
			return fmt.Errorf("%w: %s", ErrServiceURLEmpty, name)
		}

		if _, err := url.ParseRequestURI(raw); err != nil {
			return fmt.Errorf("invalid %s URL: %w", name, err)
		}
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("pipeline timeout must be positive, got %v", c.Timeout)
	}

	return nil
}

// Mapping returns the step mapping from StepsFile, or the default when unset.
func (c *Config) Mapping() (Mapping, error) {
	if c.StepsFile == "" {
		return DefaultMapping(), nil
	}

	return LoadMapping(c.StepsFile)
}

// Runner implements jobs.StepRunner over HTTP.
type Runner struct {
	httpClient *http.Client
	bases      map[string]string
	mapping    Mapping
	logger     *slog.Logger
}

// NewRunner creates a step runner. The mapping must already be validated.
func NewRunner(cfg *Config, mapping Mapping, logger *slog.Logger) *Runner {
	return &Runner{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		bases: map[string]string{
			ServiceAnalytics:    strings.TrimRight(cfg.AnalyticsURL, "/"),
			ServiceOrchestrator: strings.TrimRight(cfg.OrchestratorURL, "/"),
		},
		mapping: mapping,
		logger:  logger,
	}
}

// Run invokes the step mapped to jobType and returns its response body as JSON.
// A body that is not JSON is wrapped as {"raw": "..."}.
func (r *Runner) Run(ctx context.Context, jobType jobs.Type, targetDate string) (json.RawMessage, error) {
	step, ok := r.mapping[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", jobs.ErrInvalidJobType, jobType)
	}

	req, err := r.newRequest(ctx, step, targetDate)
	if err != nil {
		return nil, err
	}

	start := time.Now()

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", step.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return nil, fmt.Errorf("%w: %s %s returned %d: %s",
			ErrStepFailed, step.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", req.URL.Path, err)
	}

	r.logger.Debug("Pipeline step succeeded",
		slog.String("job_type", string(jobType)),
		slog.String("url", req.URL.String()),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	return normalizeResult(body), nil
}

func (r *Runner) newRequest(ctx context.Context, step Step, targetDate string) (*http.Request, error) {
	var body io.Reader

	if step.SendDate && step.Method != http.MethodGet {
		payload, err := json.Marshal(map[string]string{"date": targetDate})
		if err != nil {
			return nil, fmt.Errorf("encode step body: %w", err)
		}

		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, step.Method, r.bases[step.Service]+step.Path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	req.Header.Set("Accept", "application/json")

	return req, nil
}

func normalizeResult(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)

	if len(trimmed) > 0 && json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}

	wrapped, _ := json.Marshal(map[string]string{"raw": string(body)}) //nolint:errchkjson // string map always encodes

	return wrapped
}
