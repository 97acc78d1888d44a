// Package ingestion implements streaming CSV batch ingestion of water readings and rainfall.
//
// Rows are read incrementally, grouped into fixed-size batches, validated against the
// reference store with one bulk lookup per batch and committed with one bulk insert per
// batch. Bad rows are rejected individually; a structural CSV problem or a storage
// failure aborts the run.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/aquifer-io/aquifer/internal/events"
	"github.com/aquifer-io/aquifer/internal/hydrology"
	"github.com/aquifer-io/aquifer/internal/observability"
)

const (
	// DefaultBatchSize is the number of raw rows validated and inserted together.
	DefaultBatchSize = 500

	// DefaultSampleLimit bounds sample_errors in the summary.
	DefaultSampleLimit = 25

	// maxArchivedRejections bounds the rejection report kept for the archive.
	maxArchivedRejections = 100_000
)

// Column names.
const (
	colRegionID   = "region_id"
	colWellID     = "well_id"
	colWaterLevel = "water_level"
	colAmountMM   = "amount_mm"
	colTimestamp  = "timestamp"
	colSource     = "source"
)

var (
	// ErrCSVFormat indicates the stream could not be split into columns reliably.
	// The whole run is aborted because later rows would be misaligned.
	ErrCSVFormat = errors.New("CSV Format Error")

	// ErrStorage indicates the reference lookup or bulk insert of a batch failed.
	ErrStorage = errors.New("ingestion storage failure")

	// ErrUnknownKind indicates an unsupported record kind.
	ErrUnknownKind = errors.New("unknown record kind")
)

// Kind selects the record layout of an ingestion run.
type Kind string

// Record kinds.
const (
	KindReading  Kind = "reading"
	KindRainfall Kind = "rainfall"
)

type (
	// Engine runs CSV ingestion. It is safe for concurrent use; each Run keeps its own state.
	Engine struct {
		lookup      ReferenceLookup
		sink        Sink
		archive     RejectionArchive
		publisher   events.Publisher
		clock       clockwork.Clock
		logger      *slog.Logger
		metrics     *observability.Metrics
		batchSize   int
		sampleLimit int
	}

	// Option configures an Engine.
	Option func(*Engine)

	// run carries the state of one ingestion.
	run struct {
		*Engine

		kind       Kind
		source     *csvSource
		summary    *Summary
		rejections []RowResult
		truncated  bool
	}
)

// WithClock sets the clock used for default timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithBatchSize overrides DefaultBatchSize. Non-positive values are ignored.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithSampleLimit overrides DefaultSampleLimit. Negative values are ignored.
func WithSampleLimit(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.sampleLimit = n
		}
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithRejectionArchive uploads the full rejection report of every run that had rejections.
func WithRejectionArchive(a RejectionArchive) Option {
	return func(e *Engine) {
		e.archive = a
	}
}

// WithPublisher publishes an ingestion.completed event after every run that was not aborted.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// NewEngine creates an ingestion engine backed by the given reference lookup and sink.
func NewEngine(lookup ReferenceLookup, sink Sink, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		lookup:      lookup,
		sink:        sink,
		publisher:   events.NopPublisher{},
		clock:       clockwork.NewRealClock(),
		logger:      logger,
		batchSize:   DefaultBatchSize,
		sampleLimit: DefaultSampleLimit,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Run consumes r as a CSV of the given kind and returns the run summary.
//
// On ErrCSVFormat or ErrStorage the returned summary covers the batches that completed
// before the abort. Input is never read ahead of an in-flight flush.
func (e *Engine) Run(ctx context.Context, kind Kind, r io.Reader) (*Summary, error) {
	if kind != KindReading && kind != KindRainfall {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	startedAt := e.clock.Now()
	summary := newSummary(uuid.NewString(), kind, e.sampleLimit)

	source, err := newCSVSource(r)
	if err != nil {
		e.finish(kind, summary, startedAt, err)

		return summary, err
	}

	rn := &run{Engine: e, kind: kind, source: source, summary: summary}

	if err := rn.consume(ctx); err != nil {
		e.finish(kind, summary, startedAt, err)

		return summary, err
	}

	if e.archive != nil && len(rn.rejections) > 0 {
		rn.archiveReport(ctx, startedAt)
	}

	e.finish(kind, summary, startedAt, nil)
	e.publishCompleted(ctx, summary)

	return summary, nil
}

func (e *Engine) publishCompleted(ctx context.Context, summary *Summary) {
	event := events.Event{
		Type:       events.TypeIngestionCompleted,
		Key:        summary.RunID,
		OccurredAt: e.clock.Now().UTC(),
		Payload:    summary,
	}

	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "Failed to publish ingestion event",
			slog.String("run_id", summary.RunID),
			slog.String("error", err.Error()),
		)
	}
}

func (rn *run) consume(ctx context.Context) error {
	batch := make([]rawRow, 0, rn.batchSize)

	for {
		row, err := rn.source.next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return err
		}

		batch = append(batch, row)

		if len(batch) == rn.batchSize {
			if err := rn.flush(ctx, batch); err != nil {
				return err
			}

			batch = batch[:0]
		}
	}

	if len(batch) > 0 {
		return rn.flush(ctx, batch)
	}

	return nil
}

// flush validates one batch with a single reference lookup and inserts its valid rows
// with a single sink call.
func (rn *run) flush(ctx context.Context, batch []rawRow) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}

	start := time.Now()

	var (
		results  []RowResult
		inserted int
		err      error
	)

	switch rn.kind {
	case KindReading:
		results, inserted, err = rn.flushReadings(ctx, batch)
	case KindRainfall:
		results, inserted, err = rn.flushRainfall(ctx, batch)
	}

	if err != nil {
		return err
	}

	rn.summary.fold(results, inserted)
	rn.collect(results)
	rn.observeBatch(results, inserted, time.Since(start))

	return nil
}

func (rn *run) flushReadings(ctx context.Context, batch []rawRow) ([]RowResult, int, error) {
	wellIDs := rn.distinct(batch, colWellID)

	valid, err := rn.lookup.ActiveWellKeys(ctx, wellIDs)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: well lookup: %w", ErrStorage, err)
	}

	results := make([]RowResult, 0, len(batch))
	staged := make([]hydrology.WaterReading, 0, len(batch))

	for _, row := range batch {
		reading, result := rn.parseReading(row, valid)
		results = append(results, result)

		if result.Accepted {
			staged = append(staged, reading)
		}
	}

	if len(staged) == 0 {
		return results, 0, nil
	}

	n, err := rn.sink.InsertReadings(ctx, staged)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: insert readings: %w", ErrStorage, err)
	}

	if n != len(staged) {
		return nil, 0, fmt.Errorf("%w: inserted %d of %d readings", ErrStorage, n, len(staged))
	}

	return results, n, nil
}

func (rn *run) flushRainfall(ctx context.Context, batch []rawRow) ([]RowResult, int, error) {
	regionIDs := rn.distinct(batch, colRegionID)

	valid, err := rn.lookup.ActiveRegions(ctx, regionIDs)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: region lookup: %w", ErrStorage, err)
	}

	results := make([]RowResult, 0, len(batch))
	staged := make([]hydrology.RainfallRecord, 0, len(batch))

	for _, row := range batch {
		record, result := rn.parseRainfall(row, valid)
		results = append(results, result)

		if result.Accepted {
			staged = append(staged, record)
		}
	}

	if len(staged) == 0 {
		return results, 0, nil
	}

	n, err := rn.sink.InsertRainfall(ctx, staged)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: insert rainfall: %w", ErrStorage, err)
	}

	if n != len(staged) {
		return nil, 0, fmt.Errorf("%w: inserted %d of %d rainfall records", ErrStorage, n, len(staged))
	}

	return results, n, nil
}

func (rn *run) parseReading(row rawRow, valid map[WellKey]struct{}) (hydrology.WaterReading, RowResult) {
	if row.malformed != nil {
		return hydrology.WaterReading{}, rejected(row.num, ReasonStructural, "malformed record: %v", row.malformed)
	}

	values, missing := rn.source.required(row, colRegionID, colWellID, colWaterLevel)
	if missing != "" {
		return hydrology.WaterReading{}, rejected(row.num, ReasonStructural,
			"missing required column(s): %s", missing)
	}

	regionID, wellID, rawLevel := values[0], values[1], values[2]

	if _, ok := valid[WellKey{RegionID: regionID, WellID: wellID}]; !ok {
		return hydrology.WaterReading{}, rejected(row.num, ReasonReferential,
			"well %s not found in active region %s", wellID, regionID)
	}

	level, err := parseAmount(rawLevel)
	if err != nil {
		return hydrology.WaterReading{}, rejected(row.num, ReasonType, "%s %v", colWaterLevel, err)
	}

	ts, source, result := rn.normalize(row)
	if !result.Accepted {
		return hydrology.WaterReading{}, result
	}

	return hydrology.WaterReading{
		RegionID:   regionID,
		WellID:     wellID,
		Timestamp:  ts,
		WaterLevel: level,
		Source:     source,
	}, result
}

func (rn *run) parseRainfall(row rawRow, valid map[string]struct{}) (hydrology.RainfallRecord, RowResult) {
	if row.malformed != nil {
		return hydrology.RainfallRecord{}, rejected(row.num, ReasonStructural, "malformed record: %v", row.malformed)
	}

	values, missing := rn.source.required(row, colRegionID, colAmountMM)
	if missing != "" {
		return hydrology.RainfallRecord{}, rejected(row.num, ReasonStructural,
			"missing required column(s): %s", missing)
	}

	regionID, rawAmount := values[0], values[1]

	if _, ok := valid[regionID]; !ok {
		return hydrology.RainfallRecord{}, rejected(row.num, ReasonReferential,
			"region %s not found or inactive", regionID)
	}

	amount, err := parseAmount(rawAmount)
	if err != nil {
		return hydrology.RainfallRecord{}, rejected(row.num, ReasonType, "%s %v", colAmountMM, err)
	}

	ts, source, result := rn.normalize(row)
	if !result.Accepted {
		return hydrology.RainfallRecord{}, result
	}

	return hydrology.RainfallRecord{
		RegionID:  regionID,
		Timestamp: ts,
		AmountMM:  amount,
		Source:    source,
	}, result
}

// normalize resolves the optional timestamp and source columns.
func (rn *run) normalize(row rawRow) (time.Time, string, RowResult) {
	ts := rn.clock.Now().UTC()

	if raw, ok := rn.source.value(row, colTimestamp); ok {
		parsed, err := parseTimestamp(raw)
		if err != nil {
			return time.Time{}, "", rejected(row.num, ReasonType, "%v", err)
		}

		ts = parsed
	}

	source, ok := rn.source.value(row, colSource)
	if !ok {
		source = hydrology.SourceCSVUpload
	}

	return ts, source, accepted(row.num)
}

// distinct returns the unique non-empty values of a column across the batch.
func (rn *run) distinct(batch []rawRow, column string) []string {
	seen := make(map[string]struct{}, len(batch))
	ids := make([]string, 0, len(batch))

	for _, row := range batch {
		v, ok := rn.source.value(row, column)
		if !ok {
			continue
		}

		if _, dup := seen[v]; dup {
			continue
		}

		seen[v] = struct{}{}
		ids = append(ids, v)
	}

	return ids
}

func (rn *run) collect(results []RowResult) {
	if rn.archive == nil {
		return
	}

	for _, r := range results {
		if r.Accepted {
			continue
		}

		if len(rn.rejections) >= maxArchivedRejections {
			rn.truncated = true

			return
		}

		rn.rejections = append(rn.rejections, r)
	}
}

func (rn *run) archiveReport(ctx context.Context, startedAt time.Time) {
	report := &Report{
		RunID:      rn.summary.RunID,
		Kind:       rn.kind,
		StartedAt:  startedAt,
		FinishedAt: rn.clock.Now(),
		Summary:    *rn.summary,
		Rejections: rn.rejections,
		Truncated:  rn.truncated,
	}

	key, err := rn.archive.Archive(ctx, report)
	if err != nil {
		rn.logger.Warn("Failed to archive ingestion rejection report",
			slog.String("run_id", rn.summary.RunID),
			slog.String("kind", string(rn.kind)),
			slog.Int("rejections", len(rn.rejections)),
			slog.String("error", err.Error()),
		)

		return
	}

	rn.summary.ReportKey = key
}

func (rn *run) observeBatch(results []RowResult, inserted int, elapsed time.Duration) {
	if rn.metrics == nil {
		return
	}

	kind := string(rn.kind)

	rn.metrics.IngestFlushDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	rn.metrics.IngestRows.WithLabelValues(kind, "inserted").Add(float64(inserted))

	for _, r := range results {
		if !r.Accepted {
			rn.metrics.IngestRows.WithLabelValues(kind, "rejected").Inc()
			rn.metrics.IngestRejections.WithLabelValues(kind, string(r.Reason)).Inc()
		}
	}
}

func (e *Engine) finish(kind Kind, summary *Summary, startedAt time.Time, err error) {
	result := "completed"

	switch {
	case errors.Is(err, ErrCSVFormat):
		result = "format_error"
	case err != nil:
		result = "storage_error"
	}

	if e.metrics != nil {
		e.metrics.IngestRuns.WithLabelValues(string(kind), result).Inc()
	}

	attrs := []any{
		slog.String("run_id", summary.RunID),
		slog.String("kind", string(kind)),
		slog.String("result", result),
		slog.Int("total_rows", summary.TotalRows),
		slog.Int("inserted", summary.Inserted),
		slog.Int("failed", summary.Failed),
		slog.Duration("duration", e.clock.Since(startedAt)),
	}

	if err != nil {
		e.logger.Warn("Ingestion run aborted", append(attrs, slog.String("error", err.Error()))...)

		return
	}

	e.logger.Info("Ingestion run completed", attrs...)
}

// parseAmount parses a non-negative finite measurement.
func parseAmount(raw string) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("is not a number: %q", raw)
	}

	if v < 0 {
		return 0, fmt.Errorf("cannot be negative: %v", v)
	}

	return v, nil
}
