package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aquifer-io/aquifer/internal/jobs"
)

type capturedRequest struct {
	method string
	path   string
	body   string
}

func newTestRunner(t *testing.T, timeout time.Duration, handler http.HandlerFunc) (*Runner, chan capturedRequest) {
	t.Helper()

	requests := make(chan capturedRequest, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests <- capturedRequest{method: r.Method, path: r.URL.Path, body: string(body)}

		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := &Config{AnalyticsURL: srv.URL + "/", OrchestratorURL: srv.URL + "/orchestrator", Timeout: timeout}

	return NewRunner(cfg, DefaultMapping(), slog.New(slog.NewTextHandler(io.Discard, nil))), requests
}

func TestRunner_StepMapping(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		jobType  jobs.Type
		wantPath string
		wantBody string
	}{
		{jobs.TypeDailySummary, "/jobs/daily-summary", `{"date":"2024-05-01"}`},
		{jobs.TypeTraining, "/jobs/train", ""},
		{jobs.TypeForecast, "/jobs/forecast", ""},
		{jobs.TypeFullPipeline, "/orchestrator/pipeline/trigger", ""},
	}

	for _, tt := range tests {
		t.Run(string(tt.jobType), func(t *testing.T) {
			runner, requests := newTestRunner(t, time.Second, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"status":"started"}`))
			})

			result, err := runner.Run(context.Background(), tt.jobType, "2024-05-01")
			require.NoError(t, err)
			assert.JSONEq(t, `{"status":"started"}`, string(result))

			got := <-requests
			assert.Equal(t, http.MethodPost, got.method)
			assert.Equal(t, tt.wantPath, got.path)

			if tt.wantBody == "" {
				assert.Empty(t, got.body)
			} else {
				assert.JSONEq(t, tt.wantBody, got.body)
			}
		})
	}
}

func TestRunner_NonJSONResultWrapped(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	runner, _ := newTestRunner(t, time.Second, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("Pipeline triggered"))
	})

	result, err := runner.Run(context.Background(), jobs.TypeTraining, "2024-05-01")
	require.NoError(t, err)
	assert.JSONEq(t, `{"raw":"Pipeline triggered"}`, string(result))
}

func TestRunner_EmptyResultWrapped(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	runner, _ := newTestRunner(t, time.Second, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	result, err := runner.Run(context.Background(), jobs.TypeForecast, "2024-05-01")
	require.NoError(t, err)
	assert.JSONEq(t, `{"raw":""}`, string(result))
}

func TestRunner_Non2xxFails(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	runner, _ := newTestRunner(t, time.Second, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"detail":"Pipeline is already running."}`))
	})

	_, err := runner.Run(context.Background(), jobs.TypeFullPipeline, "2024-05-01")
	require.ErrorIs(t, err, ErrStepFailed)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "Pipeline is already running.")
}

func TestRunner_Timeout(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	release := make(chan struct{})

	runner, _ := newTestRunner(t, 50*time.Millisecond, func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})

	// Registered after the server so it runs before the server's Close.
	t.Cleanup(func() { close(release) })

	_, err := runner.Run(context.Background(), jobs.TypeTraining, "2024-05-01")
	require.Error(t, err)
}

func TestRunner_UnknownType(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	runner, _ := newTestRunner(t, time.Second, func(http.ResponseWriter, *http.Request) {})

	_, err := runner.Run(context.Background(), jobs.Type("promotion"), "2024-05-01")
	require.ErrorIs(t, err, jobs.ErrInvalidJobType)
}

func TestDefaultMappingIsTotal(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	require.NoError(t, DefaultMapping().Validate())
}

func TestParseMapping(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	mapping, err := parseMapping([]byte(`
steps:
  training:
    service: analytics
    path: /jobs/train-v2
  forecast:
    service: orchestrator
    method: put
    path: /forecast/run
    send_date: true
`))
	require.NoError(t, err)

	assert.Equal(t, Step{Service: ServiceAnalytics, Method: http.MethodPost, Path: "/jobs/train-v2"}, mapping[jobs.TypeTraining])
	assert.Equal(t, http.MethodPut, mapping[jobs.TypeForecast].Method)
	assert.True(t, mapping[jobs.TypeForecast].SendDate)
	assert.Equal(t, DefaultMapping()[jobs.TypeDailySummary], mapping[jobs.TypeDailySummary])
}

func TestParseMapping_Invalid(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := map[string]string{
		"unknown type":    "steps:\n  promotion:\n    service: analytics\n    path: /p\n",
		"unknown service": "steps:\n  training:\n    service: mlflow\n    path: /p\n",
		"bad method":      "steps:\n  training:\n    service: analytics\n    method: DELETE\n    path: /p\n",
		"relative path":   "steps:\n  training:\n    service: analytics\n    path: jobs/train\n",
		"not yaml":        "steps: [",
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := parseMapping([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestMappingValidate_Incomplete(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	m := DefaultMapping()
	delete(m, jobs.TypeForecast)

	require.ErrorIs(t, m.Validate(), ErrIncompleteMapping)
}

func TestConfig(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "steps.yaml")
	require.NoError(t, os.WriteFile(path, []byte("steps:\n  training:\n    service: analytics\n    path: /t\n"), 0o600))

	t.Setenv("AQUIFER_ANALYTICS_URL", "http://analytics:8000")
	t.Setenv("AQUIFER_ORCHESTRATOR_URL", "http://orchestrator:8002")
	t.Setenv("AQUIFER_PIPELINE_STEPS_FILE", path)

	cfg := LoadConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, defaultTimeout, cfg.Timeout)

	mapping, err := cfg.Mapping()
	require.NoError(t, err)
	assert.Equal(t, "/t", mapping[jobs.TypeTraining].Path)

	assert.ErrorIs(t, (&Config{AnalyticsURL: "http://a", Timeout: time.Second}).Validate(), ErrServiceURLEmpty)
}

func TestNormalizeResult(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.JSONEq(t, `[1,2]`, string(normalizeResult([]byte(" [1,2]\n"))))

	var wrapped map[string]string
	require.NoError(t, json.Unmarshal(normalizeResult([]byte("{broken")), &wrapped))
	assert.Equal(t, "{broken", wrapped["raw"])
}
