package hydrology

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Source tags applied when a record does not carry its own.
const (
	SourceCSVUpload = "csv_upload"
	SourceManual    = "manual"
)

// ErrInvalidRecord indicates a history record failed field validation.
var ErrInvalidRecord = errors.New("invalid record")

type (
	// WaterReading is an append-only water level observation from a well.
	WaterReading struct {
		ID         int64     `json:"id,omitempty"`
		RegionID   string    `json:"region_id"`
		WellID     string    `json:"well_id"`
		Timestamp  time.Time `json:"timestamp"`
		WaterLevel float64   `json:"water_level"`
		Source     string    `json:"source"`
	}

	// RainfallRecord is an append-only rainfall observation for a region.
	RainfallRecord struct {
		ID        int64     `json:"id,omitempty"`
		RegionID  string    `json:"region_id"`
		Timestamp time.Time `json:"timestamp"`
		AmountMM  float64   `json:"amount_mm"`
		Source    string    `json:"source"`
	}

	// ExtractionLog records an admitted groundwater extraction.
	ExtractionLog struct {
		ID            int64     `json:"id,omitempty"`
		RegionID      string    `json:"region_id"`
		VolumeLiters  float64   `json:"volume_liters"`
		UsageType     string    `json:"usage_type"`
		Timestamp     time.Time `json:"timestamp"`
		AdmissionMode string    `json:"admission_mode"`
		CreatedAt     time.Time `json:"created_at"`
	}

	// HistoryFilter narrows history queries. Zero values mean "no constraint".
	HistoryFilter struct {
		RegionID string
		WellID   string
		From     time.Time
		To       time.Time
		Limit    int
	}
)

// Validate checks a manually submitted rainfall record and fills its defaults.
func (r *RainfallRecord) Validate(now time.Time) error {
	if strings.TrimSpace(r.RegionID) == "" {
		return fmt.Errorf("%w: region_id is required", ErrInvalidRecord)
	}

	if !isFinite(r.AmountMM) || r.AmountMM < 0 {
		return fmt.Errorf("%w: amount_mm must be >= 0, got %v", ErrInvalidRecord, r.AmountMM)
	}

	if r.Timestamp.IsZero() {
		r.Timestamp = now
	}

	if r.Source == "" {
		r.Source = SourceManual
	}

	return nil
}
