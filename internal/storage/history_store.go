package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/aquifer-io/aquifer/internal/admission"
	"github.com/aquifer-io/aquifer/internal/hydrology"
	"github.com/aquifer-io/aquifer/internal/ingestion"
)

// History query limits.
const (
	DefaultHistoryLimit = 500
	MaxHistoryLimit     = 2000
)

var (
	_ ingestion.Sink             = (*HistoryStore)(nil)
	_ admission.ExtractionWriter = (*HistoryStore)(nil)
	_ admission.VolumeTotaler    = (*HistoryStore)(nil)
)

// HistoryStore persists the append-only history: water readings, rainfall and extraction logs.
type HistoryStore struct {
	conn         *Connection
	logger       *slog.Logger
	queryTimeout time.Duration
}

// NewHistoryStore creates a PostgreSQL-backed history store.
func NewHistoryStore(conn *Connection, logger *slog.Logger, cfg *Config) (*HistoryStore, error) {
	if conn == nil || conn.DB == nil {
		return nil, ErrNoDatabaseConnection
	}

	timeout := defaultQueryTimeout
	if cfg != nil && cfg.QueryTimeout > 0 {
		timeout = cfg.QueryTimeout
	}

	return &HistoryStore{conn: conn, logger: logger, queryTimeout: timeout}, nil
}

// InsertReadings bulk-inserts readings with one COPY inside one transaction.
func (s *HistoryStore) InsertReadings(ctx context.Context, readings []hydrology.WaterReading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}

	err := s.copyIn(ctx, "water_readings",
		[]string{"region_id", "well_id", "timestamp", "water_level", "source"},
		len(readings),
		func(i int) []any {
			r := readings[i]

			return []any{r.RegionID, r.WellID, r.Timestamp, r.WaterLevel, r.Source}
		},
	)
	if err != nil {
		return 0, err
	}

	return len(readings), nil
}

// InsertRainfall bulk-inserts rainfall records with one COPY inside one transaction.
func (s *HistoryStore) InsertRainfall(ctx context.Context, records []hydrology.RainfallRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	err := s.copyIn(ctx, "rainfall_records",
		[]string{"region_id", "timestamp", "amount_mm", "source"},
		len(records),
		func(i int) []any {
			r := records[i]

			return []any{r.RegionID, r.Timestamp, r.AmountMM, r.Source}
		},
	)
	if err != nil {
		return 0, err
	}

	return len(records), nil
}

// copyIn streams n rows produced by row into table. Either all rows land or none do.
func (s *HistoryStore) copyIn(ctx context.Context, table string, columns []string, n int, row func(int) []any) error {
	start := time.Now()

	tx, err := s.conn.DB.BeginTx(ctx, nil)
	if err != nil {
		return s.storageError(ctx, table, "begin transaction", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(table, columns...))
	if err != nil {
		return s.storageError(ctx, table, "prepare copy", err)
	}

	for i := 0; i < n; i++ {
		if _, err := stmt.ExecContext(ctx, row(i)...); err != nil {
			_ = stmt.Close()

			return s.storageError(ctx, table, "copy row", err)
		}
	}

	// The final empty Exec flushes the COPY buffer.
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()

		return s.storageError(ctx, table, "flush copy", err)
	}

	if err := stmt.Close(); err != nil {
		return s.storageError(ctx, table, "close copy", err)
	}

	if err := tx.Commit(); err != nil {
		return s.storageError(ctx, table, "commit", err)
	}

	s.logger.DebugContext(ctx, "Bulk insert complete",
		slog.String("table", table),
		slog.Int("rows", n),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)

	return nil
}

func (s *HistoryStore) storageError(ctx context.Context, table, op string, err error) error {
	attrs := []any{
		slog.String("table", table),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	}

	if isDatabaseConnectionError(err) {
		s.logger.ErrorContext(ctx, "Database connection lost during bulk insert", attrs...)
	} else {
		s.logger.ErrorContext(ctx, "Bulk insert failed", attrs...)
	}

	return fmt.Errorf("%s %s: %w", op, table, err)
}

// InsertRainfallRecord stores one manually submitted record and sets its id.
func (s *HistoryStore) InsertRainfallRecord(ctx context.Context, record *hydrology.RainfallRecord) error {
	err := s.conn.DB.QueryRowContext(ctx, `
		INSERT INTO rainfall_records (region_id, timestamp, amount_mm, source)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, record.RegionID, record.Timestamp, record.AmountMM, record.Source).Scan(&record.ID)
	if err != nil {
		return fmt.Errorf("insert rainfall record: %w", err)
	}

	return nil
}

// QueryReadings returns readings matching filter, newest first.
func (s *HistoryStore) QueryReadings(ctx context.Context, filter hydrology.HistoryFilter) ([]hydrology.WaterReading, error) {
	where, args := historyConditions(filter, true)

	query := `SELECT id, region_id, well_id, timestamp, water_level, source FROM water_readings` +
		where + fmt.Sprintf(" ORDER BY timestamp DESC, id DESC LIMIT %d", clampLimit(filter.Limit))

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.conn.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	readings := make([]hydrology.WaterReading, 0)

	for rows.Next() {
		var r hydrology.WaterReading
		if err := rows.Scan(&r.ID, &r.RegionID, &r.WellID, &r.Timestamp, &r.WaterLevel, &r.Source); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}

		r.Timestamp = r.Timestamp.UTC()
		readings = append(readings, r)
	}

	return readings, rows.Err()
}

// QueryRainfall returns rainfall records matching filter, newest first. WellID is ignored.
func (s *HistoryStore) QueryRainfall(ctx context.Context, filter hydrology.HistoryFilter) ([]hydrology.RainfallRecord, error) {
	where, args := historyConditions(filter, false)

	return s.queryRainfall(ctx, where+fmt.Sprintf(" ORDER BY timestamp DESC, id DESC LIMIT %d", clampLimit(filter.Limit)), args)
}

// RainfallWindow returns every rainfall record of a region inside [from, to], unbounded by
// the history limit. Zero times leave that side open.
func (s *HistoryStore) RainfallWindow(ctx context.Context, regionID string, from, to time.Time) ([]hydrology.RainfallRecord, error) {
	where, args := historyConditions(hydrology.HistoryFilter{RegionID: regionID, From: from, To: to}, false)

	return s.queryRainfall(ctx, where+" ORDER BY timestamp", args)
}

func (s *HistoryStore) queryRainfall(ctx context.Context, clause string, args []any) ([]hydrology.RainfallRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.conn.DB.QueryContext(ctx,
		`SELECT id, region_id, timestamp, amount_mm, source FROM rainfall_records`+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("query rainfall: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	records := make([]hydrology.RainfallRecord, 0)

	for rows.Next() {
		var r hydrology.RainfallRecord
		if err := rows.Scan(&r.ID, &r.RegionID, &r.Timestamp, &r.AmountMM, &r.Source); err != nil {
			return nil, fmt.Errorf("scan rainfall: %w", err)
		}

		r.Timestamp = r.Timestamp.UTC()
		records = append(records, r)
	}

	return records, rows.Err()
}

// InsertExtraction implements admission.ExtractionWriter. Logs are immutable once written.
func (s *HistoryStore) InsertExtraction(ctx context.Context, log *hydrology.ExtractionLog) error {
	err := s.conn.DB.QueryRowContext(ctx, `
		INSERT INTO extraction_logs (region_id, volume_liters, usage_type, timestamp, admission_mode)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, log.RegionID, log.VolumeLiters, log.UsageType, log.Timestamp, log.AdmissionMode).Scan(&log.ID, &log.CreatedAt)
	if err != nil {
		if pqCode(err) == codeForeignKeyViolation {
			return fmt.Errorf("%w: %s", hydrology.ErrRegionNotFound, log.RegionID)
		}

		return fmt.Errorf("insert extraction: %w", err)
	}

	return nil
}

// ListExtractions returns extraction logs matching filter, newest first.
func (s *HistoryStore) ListExtractions(ctx context.Context, filter hydrology.HistoryFilter) ([]hydrology.ExtractionLog, error) {
	where, args := historyConditions(filter, false)

	query := `SELECT id, region_id, volume_liters, usage_type, timestamp, admission_mode, created_at
		FROM extraction_logs` + where + fmt.Sprintf(" ORDER BY timestamp DESC, id DESC LIMIT %d", clampLimit(filter.Limit))

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	rows, err := s.conn.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query extractions: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	logs := make([]hydrology.ExtractionLog, 0)

	for rows.Next() {
		var l hydrology.ExtractionLog

		err := rows.Scan(&l.ID, &l.RegionID, &l.VolumeLiters, &l.UsageType, &l.Timestamp, &l.AdmissionMode, &l.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan extraction: %w", err)
		}

		l.Timestamp = l.Timestamp.UTC()
		logs = append(logs, l)
	}

	return logs, rows.Err()
}

// AdmittedVolumeSince implements admission.VolumeTotaler. It sums logs written at or after since.
func (s *HistoryStore) AdmittedVolumeSince(ctx context.Context, regionID string, since time.Time) (float64, error) {
	var total float64

	err := s.conn.DB.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(volume_liters), 0)
		FROM extraction_logs
		WHERE region_id = $1 AND created_at >= $2
	`, regionID, since).Scan(&total)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("sum extractions: %w", err)
	}

	return total, nil
}

// historyConditions builds the WHERE clause shared by history queries.
func historyConditions(filter hydrology.HistoryFilter, withWell bool) (string, []any) {
	var (
		conditions []string
		args       []any
	)

	add := func(cond string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	if filter.RegionID != "" {
		add("region_id = $%d", filter.RegionID)
	}

	if withWell && filter.WellID != "" {
		add("well_id = $%d", filter.WellID)
	}

	if !filter.From.IsZero() {
		add("timestamp >= $%d", filter.From)
	}

	if !filter.To.IsZero() {
		add("timestamp <= $%d", filter.To)
	}

	if len(conditions) == 0 {
		return "", nil
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	default:
		return limit
	}
}
