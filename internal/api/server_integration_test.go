package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/aquifer-io/aquifer/internal/admission"
	"github.com/aquifer-io/aquifer/internal/config"
	"github.com/aquifer-io/aquifer/internal/forecast"
	"github.com/aquifer-io/aquifer/internal/ingestion"
	"github.com/aquifer-io/aquifer/internal/storage"
)

func setupIntegrationServer(t *testing.T, forecasts forecast.Source) http.Handler {
	t.Helper()

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	logger := discardLogger()
	conn := &storage.Connection{DB: testDB.Connection}

	reference, err := storage.NewReferenceStore(conn, logger)
	require.NoError(t, err)

	history, err := storage.NewHistoryStore(conn, logger, nil)
	require.NoError(t, err)

	engine := admission.NewEngine(reference, forecasts, logger)

	env := newTestEnv()

	return NewServer(env.config, Dependencies{
		Reference: reference,
		History:   history,
		Ingester:  ingestion.NewEngine(reference, history, logger),
		Admission: admission.NewService(engine, history, logger),
		Jobs:      env.jobs,
		Forecasts: forecasts,
		Logger:    logger,
	}).Handler()
}

func TestServer_EndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	forecasts := &fakeForecasts{series: forecast.Series{
		{RegionID: "KA-01", PredictedLevel: 11.0, HorizonStep: 1},
		{RegionID: "KA-01", PredictedLevel: 10.5, HorizonStep: 2},
	}}

	h := setupIntegrationServer(t, forecasts)

	rec := serve(t, h, http.MethodPost, "/regions", `{"region_id":"KA-01","name":"Kolar","state":"Karnataka",`+
		`"critical_water_level_m":10,"aquifer_area_m2":1000000,"specific_yield":0.15}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = serve(t, h, http.MethodPost, "/wells", `{"well_id":"W-1","region_id":"KA-01","depth":80}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	t.Run("ingestion keeps valid rows and reports the rest", func(t *testing.T) {
		csv := "region_id,well_id,timestamp,water_level\n" +
			"KA-01,W-1,2024-05-01T06:00:00Z,12.5\n" +
			"KA-01,W-9,2024-05-01T06:00:00Z,12.1\n" +
			"KA-01,W-1,2024-05-02,not-a-number\n" +
			"KA-01,W-1,2024-05-03,12.2\n"

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, uploadRequest(t, "/water-readings/ingest/csv", "file", "readings.csv", csv))

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		summary := decodeBody(t, rec)
		assert.InDelta(t, 4, summary["total_rows"], 0)
		assert.InDelta(t, 2, summary["inserted"], 0)
		assert.InDelta(t, 2, summary["failed"], 0)
		assert.Len(t, summary["sample_errors"], 2)

		rec = serve(t, h, http.MethodGet, "/water-readings?well_id=W-1&to=2024-05-01", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.InDelta(t, 1, decodeBody(t, rec)["count"], 0)
	})

	t.Run("misaligned csv is a format error", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, uploadRequest(t, "/rainfall/ingest/csv", "file", "rain.csv", "region_id;amount_mm\nKA-01;3\n"))

		problem := requireProblem(t, rec, http.StatusBadRequest)
		assert.Equal(t, "CSV Format Error", problem["error"])
	})

	t.Run("worked admission example", func(t *testing.T) {
		rec := serve(t, h, http.MethodPost, "/extraction",
			`{"region_id":"KA-01","volume_liters":100000,"usage_type":"irrigation"}`)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		assert.Equal(t, "forecast", rec.Header().Get(headerAdmissionMode))

		rec = serve(t, h, http.MethodPost, "/extraction",
			`{"region_id":"KA-01","volume_liters":90000000,"usage_type":"industrial"}`)

		problem := requireProblem(t, rec, http.StatusConflict)
		details, ok := problem["details"].(map[string]any)
		require.True(t, ok)
		assert.InDelta(t, 10.5, details["predicted_level_next_7d"], 1e-9)
		assert.InDelta(t, 0.6, details["impact_of_extraction"], 1e-9)

		rec = serve(t, h, http.MethodGet, "/extraction?region_id=KA-01", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.InDelta(t, 1, decodeBody(t, rec)["count"], 0, "denied extractions are never logged")
	})

	t.Run("forecast outage fails open", func(t *testing.T) {
		forecasts.err = forecast.ErrUpstream

		t.Cleanup(func() { forecasts.err = nil })

		rec := serve(t, h, http.MethodPost, "/extraction",
			`{"region_id":"KA-01","volume_liters":90000000,"usage_type":"industrial"}`)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		assert.Equal(t, "degraded", rec.Header().Get(headerAdmissionMode))
	})

	t.Run("well with readings cannot be deleted", func(t *testing.T) {
		problem := requireProblem(t, serve(t, h, http.MethodDelete, "/wells/W-1", ""), http.StatusConflict)

		details, ok := problem["details"].(map[string]any)
		require.True(t, ok)
		assert.InDelta(t, 2, details["reading_count"], 0)
	})

	t.Run("deactivated region keeps its history and rejects new rows", func(t *testing.T) {
		require.Equal(t, http.StatusOK, serve(t, h, http.MethodDelete, "/regions/KA-01", "").Code)

		rec := serve(t, h, http.MethodGet, "/water-readings?region_id=KA-01", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.InDelta(t, 2, decodeBody(t, rec)["count"], 0)

		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, uploadRequest(t, "/rainfall/ingest/csv", "file", "rain.csv", "region_id,amount_mm\nKA-01,4.2\n"))
		require.Equal(t, http.StatusOK, rec.Code)

		summary := decodeBody(t, rec)
		assert.InDelta(t, 0, summary["inserted"], 0)
		assert.InDelta(t, 1, summary["failed"], 0)

		requireProblem(t, serve(t, h, http.MethodPost, "/extraction",
			`{"region_id":"KA-01","volume_liters":1,"usage_type":"domestic"}`), http.StatusConflict)
	})
}
