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

var (
	_ ingestion.ReferenceLookup = (*ReferenceStore)(nil)
	_ admission.RegionReader    = (*ReferenceStore)(nil)
)

const regionColumns = `region_id, name, state, critical_water_level_m, aquifer_area_m2,
	specific_yield, is_active, created_at, updated_at`

// ReferenceStore persists regions and wells, the physical reference data behind ingestion
// validation and admission control.
type ReferenceStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewReferenceStore creates a PostgreSQL-backed reference store.
func NewReferenceStore(conn *Connection, logger *slog.Logger) (*ReferenceStore, error) {
	if conn == nil || conn.DB == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &ReferenceStore{conn: conn, logger: logger}, nil
}

// HealthCheck verifies the database connection.
func (s *ReferenceStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// CreateRegion validates and inserts a region. Duplicate ids return hydrology.ErrDuplicateRegion.
func (s *ReferenceStore) CreateRegion(ctx context.Context, region *hydrology.Region) error {
	region.RegionID = strings.TrimSpace(region.RegionID)

	if err := region.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO regions (region_id, name, state, critical_water_level_m, aquifer_area_m2, specific_yield, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		RETURNING is_active, created_at, updated_at
	`

	err := s.conn.DB.QueryRowContext(ctx, query,
		region.RegionID,
		region.Name,
		region.State,
		region.CriticalWaterLevelM,
		region.AquiferAreaM2,
		region.SpecificYield,
	).Scan(&region.IsActive, &region.CreatedAt, &region.UpdatedAt)
	if err != nil {
		if pqCode(err) == codeUniqueViolation {
			return fmt.Errorf("%w: %s", hydrology.ErrDuplicateRegion, region.RegionID)
		}

		return fmt.Errorf("insert region: %w", err)
	}

	s.logger.InfoContext(ctx, "Region created",
		slog.String("region_id", region.RegionID),
		slog.Float64("critical_water_level_m", region.CriticalWaterLevelM),
	)

	return nil
}

// GetRegion returns a region whether active or not. Unknown ids return hydrology.ErrRegionNotFound.
func (s *ReferenceStore) GetRegion(ctx context.Context, regionID string) (*hydrology.Region, error) {
	row := s.conn.DB.QueryRowContext(ctx,
		`SELECT `+regionColumns+` FROM regions WHERE region_id = $1`, regionID)

	region, err := scanRegion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", hydrology.ErrRegionNotFound, regionID)
	}

	if err != nil {
		return nil, fmt.Errorf("get region: %w", err)
	}

	return region, nil
}

// ListRegions returns every region ordered by id.
func (s *ReferenceStore) ListRegions(ctx context.Context, includeInactive bool) ([]*hydrology.Region, error) {
	rows, err := s.conn.DB.QueryContext(ctx,
		`SELECT `+regionColumns+` FROM regions WHERE is_active OR $1 ORDER BY region_id`, includeInactive)
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	regions := make([]*hydrology.Region, 0)

	for rows.Next() {
		region, err := scanRegion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan region: %w", err)
		}

		regions = append(regions, region)
	}

	return regions, rows.Err()
}

// SetRegionActive flips the soft-delete flag. History rows are never touched.
func (s *ReferenceStore) SetRegionActive(ctx context.Context, regionID string, active bool) (*hydrology.Region, error) {
	row := s.conn.DB.QueryRowContext(ctx, `
		UPDATE regions SET is_active = $2, updated_at = CURRENT_TIMESTAMP
		WHERE region_id = $1
		RETURNING `+regionColumns, regionID, active)

	region, err := scanRegion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", hydrology.ErrRegionNotFound, regionID)
	}

	if err != nil {
		return nil, fmt.Errorf("update region: %w", err)
	}

	s.logger.InfoContext(ctx, "Region activity changed",
		slog.String("region_id", regionID),
		slog.Bool("is_active", active),
	)

	return region, nil
}

// CreateWell inserts a well into an existing, active region.
//
// The region row is share-locked for the duration of the insert so a concurrent
// deactivation cannot interleave.
func (s *ReferenceStore) CreateWell(ctx context.Context, well *hydrology.Well) error {
	well.WellID = strings.TrimSpace(well.WellID)
	well.RegionID = strings.TrimSpace(well.RegionID)

	if err := well.Validate(); err != nil {
		return err
	}

	tx, err := s.conn.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	var active bool

	err = tx.QueryRowContext(ctx,
		`SELECT is_active FROM regions WHERE region_id = $1 FOR SHARE`, well.RegionID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", hydrology.ErrRegionNotFound, well.RegionID)
	}

	if err != nil {
		return fmt.Errorf("lock region: %w", err)
	}

	if !active {
		return fmt.Errorf("%w: %s", hydrology.ErrRegionInactive, well.RegionID)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO wells (well_id, region_id, depth_m, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, well.WellID, well.RegionID, well.Depth, string(well.Status)).Scan(&well.CreatedAt)
	if err != nil {
		if pqCode(err) == codeUniqueViolation {
			return fmt.Errorf("%w: %s", hydrology.ErrDuplicateWell, well.WellID)
		}

		return fmt.Errorf("insert well: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit well: %w", err)
	}

	s.logger.InfoContext(ctx, "Well created",
		slog.String("well_id", well.WellID),
		slog.String("region_id", well.RegionID),
	)

	return nil
}

// GetWell returns a well. Unknown ids return hydrology.ErrWellNotFound.
func (s *ReferenceStore) GetWell(ctx context.Context, wellID string) (*hydrology.Well, error) {
	var (
		well   hydrology.Well
		status string
	)

	err := s.conn.DB.QueryRowContext(ctx,
		`SELECT well_id, region_id, depth_m, status, created_at FROM wells WHERE well_id = $1`, wellID,
	).Scan(&well.WellID, &well.RegionID, &well.Depth, &status, &well.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", hydrology.ErrWellNotFound, wellID)
	}

	if err != nil {
		return nil, fmt.Errorf("get well: %w", err)
	}

	well.Status = hydrology.WellStatus(status)

	return &well, nil
}

// DeleteWell removes a well that no water reading references.
//
// When readings exist nothing is deleted: the reading count is returned together with
// hydrology.ErrWellHasReadings. The well row is locked while counting so two deletes of the
// same well serialize.
func (s *ReferenceStore) DeleteWell(ctx context.Context, wellID string) (int64, error) {
	tx, err := s.conn.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	var exists int

	err = tx.QueryRowContext(ctx, `SELECT 1 FROM wells WHERE well_id = $1 FOR UPDATE`, wellID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", hydrology.ErrWellNotFound, wellID)
	}

	if err != nil {
		return 0, fmt.Errorf("lock well: %w", err)
	}

	var readings int64

	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM water_readings WHERE well_id = $1`, wellID).Scan(&readings)
	if err != nil {
		return 0, fmt.Errorf("count readings: %w", err)
	}

	if readings > 0 {
		return readings, fmt.Errorf("%w: %s has %d", hydrology.ErrWellHasReadings, wellID, readings)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM wells WHERE well_id = $1`, wellID); err != nil {
		return 0, fmt.Errorf("delete well: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit well delete: %w", err)
	}

	s.logger.InfoContext(ctx, "Well deleted", slog.String("well_id", wellID))

	return 0, nil
}

// ActiveRegions implements ingestion.ReferenceLookup with one query per call.
func (s *ReferenceStore) ActiveRegions(ctx context.Context, regionIDs []string) (map[string]struct{}, error) {
	valid := make(map[string]struct{}, len(regionIDs))
	if len(regionIDs) == 0 {
		return valid, nil
	}

	start := time.Now()

	rows, err := s.conn.DB.QueryContext(ctx,
		`SELECT region_id FROM regions WHERE is_active AND region_id = ANY($1)`, pq.Array(regionIDs))
	if err != nil {
		return nil, fmt.Errorf("lookup active regions: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan region id: %w", err)
		}

		valid[id] = struct{}{}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lookup active regions: %w", err)
	}

	s.logger.DebugContext(ctx, "Active region lookup",
		slog.Int("requested", len(regionIDs)),
		slog.Int("active", len(valid)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)

	return valid, nil
}

// ActiveWellKeys implements ingestion.ReferenceLookup. A key is returned only when the well's
// region is active.
func (s *ReferenceStore) ActiveWellKeys(ctx context.Context, wellIDs []string) (map[ingestion.WellKey]struct{}, error) {
	valid := make(map[ingestion.WellKey]struct{}, len(wellIDs))
	if len(wellIDs) == 0 {
		return valid, nil
	}

	rows, err := s.conn.DB.QueryContext(ctx, `
		SELECT w.region_id, w.well_id
		FROM wells w
		JOIN regions r ON r.region_id = w.region_id
		WHERE r.is_active AND w.well_id = ANY($1)
	`, pq.Array(wellIDs))
	if err != nil {
		return nil, fmt.Errorf("lookup active wells: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var key ingestion.WellKey
		if err := rows.Scan(&key.RegionID, &key.WellID); err != nil {
			return nil, fmt.Errorf("scan well key: %w", err)
		}

		valid[key] = struct{}{}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lookup active wells: %w", err)
	}

	return valid, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRegion(row rowScanner) (*hydrology.Region, error) {
	var r hydrology.Region

	err := row.Scan(
		&r.RegionID,
		&r.Name,
		&r.State,
		&r.CriticalWaterLevelM,
		&r.AquiferAreaM2,
		&r.SpecificYield,
		&r.IsActive,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &r, nil
}
