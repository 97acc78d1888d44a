package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/aquifer-io/aquifer/internal/admission"
	"github.com/aquifer-io/aquifer/internal/forecast"
	"github.com/aquifer-io/aquifer/internal/hydrology"
	"github.com/aquifer-io/aquifer/internal/ingestion"
	"github.com/aquifer-io/aquifer/internal/jobs"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeReference struct {
	mu        sync.Mutex
	regions   map[string]*hydrology.Region
	wells     map[string]*hydrology.Well
	readings  map[string]int64
	healthErr error
}

func newFakeReference() *fakeReference {
	return &fakeReference{
		regions:  make(map[string]*hydrology.Region),
		wells:    make(map[string]*hydrology.Well),
		readings: make(map[string]int64),
	}
}

func (f *fakeReference) HealthCheck(context.Context) error { return f.healthErr }

func (f *fakeReference) CreateRegion(_ context.Context, region *hydrology.Region) error {
	if err := region.Validate(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.regions[region.RegionID]; ok {
		return fmt.Errorf("%w: %s", hydrology.ErrDuplicateRegion, region.RegionID)
	}

	region.IsActive = true
	stored := *region
	f.regions[region.RegionID] = &stored

	return nil
}

func (f *fakeReference) GetRegion(_ context.Context, regionID string) (*hydrology.Region, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	region, ok := f.regions[regionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", hydrology.ErrRegionNotFound, regionID)
	}

	copied := *region

	return &copied, nil
}

func (f *fakeReference) ListRegions(_ context.Context, includeInactive bool) ([]*hydrology.Region, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*hydrology.Region

	for _, r := range f.regions {
		if r.IsActive || includeInactive {
			copied := *r
			out = append(out, &copied)
		}
	}

	return out, nil
}

func (f *fakeReference) SetRegionActive(_ context.Context, regionID string, active bool) (*hydrology.Region, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	region, ok := f.regions[regionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", hydrology.ErrRegionNotFound, regionID)
	}

	region.IsActive = active
	copied := *region

	return &copied, nil
}

func (f *fakeReference) CreateWell(_ context.Context, well *hydrology.Well) error {
	if err := well.Validate(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	region, ok := f.regions[well.RegionID]
	if !ok {
		return fmt.Errorf("%w: %s", hydrology.ErrRegionNotFound, well.RegionID)
	}

	if !region.IsActive {
		return fmt.Errorf("%w: %s", hydrology.ErrRegionInactive, well.RegionID)
	}

	if _, ok := f.wells[well.WellID]; ok {
		return fmt.Errorf("%w: %s", hydrology.ErrDuplicateWell, well.WellID)
	}

	stored := *well
	f.wells[well.WellID] = &stored

	return nil
}

func (f *fakeReference) GetWell(_ context.Context, wellID string) (*hydrology.Well, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	well, ok := f.wells[wellID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", hydrology.ErrWellNotFound, wellID)
	}

	copied := *well

	return &copied, nil
}

func (f *fakeReference) DeleteWell(_ context.Context, wellID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.wells[wellID]; !ok {
		return 0, fmt.Errorf("%w: %s", hydrology.ErrWellNotFound, wellID)
	}

	if n := f.readings[wellID]; n > 0 {
		return n, fmt.Errorf("%w: %s has %d", hydrology.ErrWellHasReadings, wellID, n)
	}

	delete(f.wells, wellID)

	return 0, nil
}

type fakeHistory struct {
	mu          sync.Mutex
	readings    []hydrology.WaterReading
	rainfall    []hydrology.RainfallRecord
	extractions []hydrology.ExtractionLog
	lastFilter  hydrology.HistoryFilter
	lastFrom    time.Time
	lastTo      time.Time
	err         error
}

func (f *fakeHistory) InsertRainfallRecord(_ context.Context, record *hydrology.RainfallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}

	record.ID = int64(len(f.rainfall) + 1)
	f.rainfall = append(f.rainfall, *record)

	return nil
}

func (f *fakeHistory) QueryReadings(_ context.Context, filter hydrology.HistoryFilter) ([]hydrology.WaterReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastFilter = filter

	return f.readings, f.err
}

func (f *fakeHistory) QueryRainfall(_ context.Context, filter hydrology.HistoryFilter) ([]hydrology.RainfallRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastFilter = filter

	return f.rainfall, f.err
}

func (f *fakeHistory) RainfallWindow(
	_ context.Context, _ string, from, to time.Time,
) ([]hydrology.RainfallRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastFrom, f.lastTo = from, to

	return f.rainfall, f.err
}

func (f *fakeHistory) ListExtractions(_ context.Context, filter hydrology.HistoryFilter) ([]hydrology.ExtractionLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastFilter = filter

	return f.extractions, f.err
}

type fakeIngester struct {
	run func(kind ingestion.Kind, body string) (*ingestion.Summary, error)

	mu       sync.Mutex
	lastKind ingestion.Kind
	lastBody string
}

func (f *fakeIngester) Run(_ context.Context, kind ingestion.Kind, r io.Reader) (*ingestion.Summary, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return &ingestion.Summary{Kind: kind}, fmt.Errorf("%w: %w", ingestion.ErrCSVFormat, err)
	}

	f.mu.Lock()
	f.lastKind, f.lastBody = kind, string(data)
	f.mu.Unlock()

	if f.run != nil {
		return f.run(kind, string(data))
	}

	return &ingestion.Summary{RunID: "run-1", Kind: kind, SampleErrors: []string{}}, nil
}

type fakeAdmitter struct {
	submit    func(req admission.ExtractionRequest) (*admission.Outcome, error)
	safeYield func(regionID string) (admission.SafeYield, error)
}

func (f *fakeAdmitter) Submit(_ context.Context, req admission.ExtractionRequest) (*admission.Outcome, error) {
	return f.submit(req)
}

func (f *fakeAdmitter) SafeYield(_ context.Context, regionID string) (admission.SafeYield, error) {
	return f.safeYield(regionID)
}

type fakeJobs struct {
	mu         sync.Mutex
	jobs       map[uuid.UUID]*jobs.Job
	triggerErr error
	lastReq    jobs.TriggerRequest
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: make(map[uuid.UUID]*jobs.Job)}
}

func (f *fakeJobs) Trigger(_ context.Context, req jobs.TriggerRequest) (*jobs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastReq = req

	if f.triggerErr != nil {
		return nil, f.triggerErr
	}

	if req.Type == "" {
		req.Type = jobs.TypeFullPipeline
	}

	if !req.Type.IsValid() {
		return nil, fmt.Errorf("%w: %q", jobs.ErrInvalidJobType, req.Type)
	}

	job := &jobs.Job{ID: uuid.New(), Type: req.Type, Status: jobs.StatusPending, CreatedAt: testNow}
	f.jobs[job.ID] = job

	return job, nil
}

func (f *fakeJobs) Get(_ context.Context, id uuid.UUID) (*jobs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	job, ok := f.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, id)
	}

	return job, nil
}

func (f *fakeJobs) List(context.Context, int) ([]*jobs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]*jobs.Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j)
	}

	return out, nil
}

type fakeForecasts struct {
	series forecast.Series
	err    error
}

func (f *fakeForecasts) Forecast(context.Context, string) (forecast.Series, error) {
	return f.series, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type testEnv struct {
	reference *fakeReference
	history   *fakeHistory
	ingester  *fakeIngester
	admitter  *fakeAdmitter
	jobs      *fakeJobs
	forecasts *fakeForecasts
	config    *ServerConfig
}

func newTestEnv() *testEnv {
	return &testEnv{
		reference: newFakeReference(),
		history:   &fakeHistory{},
		ingester:  &fakeIngester{},
		admitter:  &fakeAdmitter{},
		jobs:      newFakeJobs(),
		forecasts: &fakeForecasts{},
		config: &ServerConfig{
			Port:            8080,
			Host:            "127.0.0.1",
			ReadTimeout:     time.Second,
			WriteTimeout:    time.Second,
			UploadTimeout:   time.Minute,
			ShutdownTimeout: time.Second,
			MaxRequestSize:  1 << 20,
			MaxUploadSize:   1 << 20,
			Version:         "test",
		},
	}
}

func (e *testEnv) handler(t *testing.T) http.Handler {
	t.Helper()

	return NewServer(e.config, Dependencies{
		Reference: e.reference,
		History:   e.history,
		Ingester:  e.ingester,
		Admission: e.admitter,
		Jobs:      e.jobs,
		Forecasts: e.forecasts,
		Logger:    discardLogger(),
		Clock:     clockwork.NewFakeClockAt(testNow),
	}).Handler()
}

func (e *testEnv) seedRegion(id string, active bool) {
	e.reference.regions[id] = &hydrology.Region{
		RegionID:            id,
		Name:                "Region " + id,
		State:               "Karnataka",
		CriticalWaterLevelM: 10,
		AquiferAreaM2:       1e6,
		SpecificYield:       0.15,
		IsActive:            active,
	}
}
