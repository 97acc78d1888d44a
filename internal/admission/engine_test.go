package admission

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aquifer-io/aquifer/internal/events"
	"github.com/aquifer-io/aquifer/internal/forecast"
	"github.com/aquifer-io/aquifer/internal/hydrology"
	"github.com/aquifer-io/aquifer/internal/observability"
)

// ==============================================================================
// Test doubles
// ==============================================================================

type fakeRegions map[string]*hydrology.Region

func (f fakeRegions) GetRegion(_ context.Context, id string) (*hydrology.Region, error) {
	r, ok := f[id]
	if !ok {
		return nil, hydrology.ErrRegionNotFound
	}

	copied := *r

	return &copied, nil
}

type fakeForecasts struct {
	series forecast.Series
	err    error
}

func (f *fakeForecasts) Forecast(_ context.Context, _ string) (forecast.Series, error) {
	return f.series, f.err
}

type fakeWriter struct {
	mu     sync.Mutex
	logs   []hydrology.ExtractionLog
	nextID int64
	err    error
}

func (w *fakeWriter) InsertExtraction(_ context.Context, log *hydrology.ExtractionLog) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return w.err
	}

	w.nextID++
	log.ID = w.nextID
	w.logs = append(w.logs, *log)

	return nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return len(w.logs)
}

// totalingWriter also reports admitted volume, like the Postgres store.
type totalingWriter struct {
	fakeWriter
}

func (w *totalingWriter) AdmittedVolumeSince(_ context.Context, regionID string, _ time.Time) (float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	total := 0.0

	for _, l := range w.logs {
		if l.RegionID == regionID {
			total += l.VolumeLiters
		}
	}

	return total, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evts ...events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, evts...)

	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// workedExampleRegion is critical 10 m, area 1,000,000 m², specific yield 0.15.
func workedExampleRegion() fakeRegions {
	return fakeRegions{
		"KA-01": {
			RegionID:            "KA-01",
			Name:                "Kolar",
			CriticalWaterLevelM: 10,
			AquiferAreaM2:       1_000_000,
			SpecificYield:       0.15,
			IsActive:            true,
		},
		"OLD": {
			RegionID:            "OLD",
			CriticalWaterLevelM: 10,
			AquiferAreaM2:       1_000_000,
			SpecificYield:       0.15,
			IsActive:            false,
		},
	}
}

// baseline10_5 has a lowest predicted level of 10.5 m over the horizon.
func baseline10_5() *fakeForecasts {
	return &fakeForecasts{series: forecast.Series{
		{RegionID: "KA-01", PredictedLevel: 11.0, HorizonStep: 1},
		{RegionID: "KA-01", PredictedLevel: 10.5, HorizonStep: 2},
		{RegionID: "KA-01", PredictedLevel: 10.8, HorizonStep: 3},
	}}
}

// ==============================================================================
// Engine
// ==============================================================================

func TestEvaluate_WorkedExample(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	metrics := observability.NewMetricsForTesting()
	engine := NewEngine(workedExampleRegion(), baseline10_5(), discardLogger(), WithEngineMetrics(metrics))

	small, err := engine.Evaluate(context.Background(), "KA-01", 100_000)
	require.NoError(t, err)

	assert.True(t, small.Approved)
	assert.Equal(t, ModeForecast, small.Mode)
	assert.InDelta(t, 100.0/150_000, small.Rationale.ImpactOfExtraction, 1e-12)
	require.NotNil(t, small.Rationale.ProjectedLevel)
	assert.InDelta(t, 10.49933, *small.Rationale.ProjectedLevel, 1e-5)
	require.NotNil(t, small.Rationale.PredictedLevelNext7d)
	assert.Equal(t, 10.5, *small.Rationale.PredictedLevelNext7d)

	large, err := engine.Evaluate(context.Background(), "KA-01", 90_000_000)
	require.NoError(t, err)

	assert.False(t, large.Approved)
	assert.InDelta(t, 0.6, large.Rationale.ImpactOfExtraction, 1e-9)
	assert.InDelta(t, 9.9, *large.Rationale.ProjectedLevel, 1e-9)
	assert.Equal(t, 10.0, large.Rationale.CriticalLimit)
	assert.Equal(t, PhysicsUsed{AquiferAreaM2: 1_000_000, SpecificYield: 0.15, VolumeM3: 90_000}, large.Rationale.PhysicsUsed)
	assert.Contains(t, large.Rationale.Reason, "below the critical level")
}

func TestEvaluate_ExactlyAtCriticalIsApproved(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	engine := NewEngine(workedExampleRegion(),
		&fakeForecasts{series: forecast.Series{{PredictedLevel: 10.0}}}, discardLogger())

	decision, err := engine.Evaluate(context.Background(), "KA-01", 0)
	require.NoError(t, err)
	assert.True(t, decision.Approved)
}

func TestEvaluate_NoForecastApprovesWithoutBound(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	engine := NewEngine(workedExampleRegion(), &fakeForecasts{}, discardLogger())

	decision, err := engine.Evaluate(context.Background(), "KA-01", 1e12)
	require.NoError(t, err)

	assert.True(t, decision.Approved)
	assert.Equal(t, ModeNoForecast, decision.Mode)
	assert.Nil(t, decision.Rationale.ProjectedLevel)
	assert.Nil(t, decision.Rationale.PredictedLevelNext7d)
}

func TestEvaluate_ForecastOutageFailsOpen(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	outage := &fakeForecasts{err: forecast.ErrUpstream}
	engine := NewEngine(workedExampleRegion(), outage, discardLogger())

	decision, err := engine.Evaluate(context.Background(), "KA-01", 90_000_000)
	require.NoError(t, err)

	assert.True(t, decision.Approved, "fail-open must approve even a breaching volume")
	assert.Equal(t, ModeDegraded, decision.Mode)
	assert.Contains(t, decision.Rationale.Reason, "unavailable")
}

func TestEvaluate_ForecastOutageFailClosed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	outage := &fakeForecasts{err: forecast.ErrUpstream}
	engine := NewEngine(workedExampleRegion(), outage, discardLogger(), WithFailOpen(false))

	_, err := engine.Evaluate(context.Background(), "KA-01", 1)
	require.ErrorIs(t, err, ErrForecastUnavailable)
	assert.ErrorIs(t, err, forecast.ErrUpstream)
}

func TestEvaluate_RegionErrorsNeverFailOpen(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	engine := NewEngine(workedExampleRegion(), &fakeForecasts{err: forecast.ErrUpstream}, discardLogger())

	_, err := engine.Evaluate(context.Background(), "NOPE", 1)
	require.ErrorIs(t, err, hydrology.ErrRegionNotFound)

	_, err = engine.Evaluate(context.Background(), "OLD", 1)
	require.ErrorIs(t, err, hydrology.ErrRegionInactive)

	_, err = engine.Evaluate(context.Background(), "", 1)
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = engine.Evaluate(context.Background(), "KA-01", -1)
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestEvaluateCumulative(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	engine := NewEngine(workedExampleRegion(), baseline10_5(), discardLogger())

	// Safe yield at 10.5 m is 75,000,000 L.
	decision, err := engine.EvaluateCumulative(context.Background(), "KA-01", 30_000_000, 50_000_000)
	require.NoError(t, err)

	assert.False(t, decision.Approved)
	assert.InDelta(t, 50_000.0/150_000, decision.Rationale.CommittedImpact, 1e-9)
	assert.InDelta(t, 10.5-80_000.0/150_000, *decision.Rationale.ProjectedLevel, 1e-9)
}

func TestSafeYield(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	engine := NewEngine(workedExampleRegion(), baseline10_5(), discardLogger())

	estimate, err := engine.SafeYield(context.Background(), "KA-01")
	require.NoError(t, err)

	assert.Equal(t, ModeForecast, estimate.Mode)
	require.NotNil(t, estimate.SafeYieldLiters)
	assert.InDelta(t, 75_000_000, *estimate.SafeYieldLiters, 1e-3)

	degraded := NewEngine(workedExampleRegion(), &fakeForecasts{err: errors.New("down")}, discardLogger())

	estimate, err = degraded.SafeYield(context.Background(), "KA-01")
	require.NoError(t, err)
	assert.Equal(t, ModeDegraded, estimate.Mode)
	assert.Nil(t, estimate.SafeYieldLiters)
}

// ==============================================================================
// Service
// ==============================================================================

func TestSubmit_ApprovedIsStored(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	writer := &fakeWriter{}
	publisher := &recordingPublisher{}
	svc := NewService(NewEngine(workedExampleRegion(), baseline10_5(), discardLogger()), writer, discardLogger(),
		WithClock(clock), WithPublisher(publisher))

	outcome, err := svc.Submit(context.Background(), ExtractionRequest{
		RegionID:     " KA-01 ",
		VolumeLiters: 100_000,
		UsageType:    "irrigation",
	})
	require.NoError(t, err)

	require.NotNil(t, outcome.Log)
	assert.Equal(t, int64(1), outcome.Log.ID)
	assert.Equal(t, "KA-01", outcome.Log.RegionID)
	assert.Equal(t, clock.Now(), outcome.Log.Timestamp)
	assert.Equal(t, string(ModeForecast), outcome.Log.AdmissionMode)

	require.Len(t, publisher.events, 1)
	assert.Equal(t, events.TypeExtractionApproved, publisher.events[0].Type)
}

func TestSubmit_DeniedWritesNothing(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	writer := &fakeWriter{}
	publisher := &recordingPublisher{}
	svc := NewService(NewEngine(workedExampleRegion(), baseline10_5(), discardLogger()), writer, discardLogger(),
		WithPublisher(publisher))

	outcome, err := svc.Submit(context.Background(), ExtractionRequest{
		RegionID:     "KA-01",
		VolumeLiters: 90_000_000,
		UsageType:    "industrial",
	})
	require.ErrorIs(t, err, ErrExtractionDenied)

	require.NotNil(t, outcome)
	assert.False(t, outcome.Decision.Approved)
	assert.Nil(t, outcome.Log)
	assert.Zero(t, writer.count())

	require.Len(t, publisher.events, 1)
	assert.Equal(t, events.TypeExtractionDenied, publisher.events[0].Type)
}

func TestSubmit_DegradedIsStoredWithMode(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	writer := &fakeWriter{}
	svc := NewService(
		NewEngine(workedExampleRegion(), &fakeForecasts{err: forecast.ErrUpstream}, discardLogger()),
		writer, discardLogger())

	ts := time.Date(2024, 4, 30, 6, 0, 0, 0, time.UTC)

	outcome, err := svc.Submit(context.Background(), ExtractionRequest{
		RegionID:     "KA-01",
		VolumeLiters: 90_000_000,
		UsageType:    "industrial",
		Timestamp:    &ts,
	})
	require.NoError(t, err)

	assert.Equal(t, string(ModeDegraded), outcome.Log.AdmissionMode)
	assert.Equal(t, ts, outcome.Log.Timestamp)
}

func TestSubmit_Validation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	writer := &fakeWriter{}
	svc := NewService(NewEngine(workedExampleRegion(), baseline10_5(), discardLogger()), writer, discardLogger())

	for name, req := range map[string]ExtractionRequest{
		"missing region": {VolumeLiters: 1, UsageType: "domestic"},
		"negative":       {RegionID: "KA-01", VolumeLiters: -5, UsageType: "domestic"},
		"missing usage":  {RegionID: "KA-01", VolumeLiters: 1},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Submit(context.Background(), req)
			require.ErrorIs(t, err, ErrInvalidRequest)
		})
	}

	assert.Zero(t, writer.count())
}

func TestSubmit_WriteFailure(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	writer := &fakeWriter{err: errors.New("db down")}
	svc := NewService(NewEngine(workedExampleRegion(), baseline10_5(), discardLogger()), writer, discardLogger())

	_, err := svc.Submit(context.Background(), ExtractionRequest{RegionID: "KA-01", VolumeLiters: 1, UsageType: "domestic"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrExtractionDenied)
}

// Two extractions that each fit under the safe yield but together exceed it are both approved
// when evaluated independently: the baseline does not move between them. This documents the
// known admission race.
func TestSubmit_ConcurrentApprovalsCanJointlyBreach(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	writer := &totalingWriter{}
	svc := NewService(NewEngine(workedExampleRegion(), baseline10_5(), discardLogger()), writer, discardLogger())

	results := submitConcurrently(t, svc, 2, 50_000_000)

	assert.Equal(t, []bool{true, true}, results)

	total, err := writer.AdmittedVolumeSince(context.Background(), "KA-01", time.Time{})
	require.NoError(t, err)
	assert.Greater(t, total, 75_000_000.0, "combined volume exceeds the safe yield")
}

func TestSubmit_RegionSerializationClosesRace(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	writer := &totalingWriter{}
	svc := NewService(NewEngine(workedExampleRegion(), baseline10_5(), discardLogger()), writer, discardLogger(),
		WithRegionSerialization(true, 7*24*time.Hour))

	results := submitConcurrently(t, svc, 2, 50_000_000)

	approved := 0

	for _, ok := range results {
		if ok {
			approved++
		}
	}

	assert.Equal(t, 1, approved)
	assert.Equal(t, 1, writer.count())
	assert.Empty(t, svc.locks.locks, "region locks are released")
}

func submitConcurrently(t *testing.T, svc *Service, n int, volume float64) []bool {
	t.Helper()

	var wg sync.WaitGroup

	results := make([]bool, n)
	start := make(chan struct{})

	for i := 0; i < n; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			<-start

			_, err := svc.Submit(context.Background(), ExtractionRequest{
				RegionID:     "KA-01",
				VolumeLiters: volume,
				UsageType:    "irrigation",
			})
			if err != nil && !errors.Is(err, ErrExtractionDenied) {
				t.Errorf("unexpected error: %v", err)
			}

			results[i] = err == nil
		}(i)
	}

	close(start)
	wg.Wait()

	return results
}

func TestLoadConfig_Defaults(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := LoadConfig()

	assert.True(t, cfg.FailOpen)
	assert.False(t, cfg.SerializeRegion)
	assert.Equal(t, defaultCommitWindow, cfg.CommitWindow)
}
