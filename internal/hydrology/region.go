// Package hydrology defines the reference and history records of the groundwater domain
// and the aquifer physics used to gate extraction.
package hydrology

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// MaxSpecificYield is the upper bound accepted for an aquifer's specific yield.
const MaxSpecificYield = 0.5

// Sentinel errors shared by the reference store, the engines and the HTTP layer.
var (
	// ErrRegionNotFound indicates no region exists with the requested id.
	ErrRegionNotFound = errors.New("region not found")

	// ErrRegionInactive indicates the region exists but has been deactivated.
	ErrRegionInactive = errors.New("region is inactive")

	// ErrDuplicateRegion indicates a region with the same id already exists.
	ErrDuplicateRegion = errors.New("region already exists")

	// ErrWellNotFound indicates no well exists with the requested id.
	ErrWellNotFound = errors.New("well not found")

	// ErrDuplicateWell indicates a well with the same id already exists.
	ErrDuplicateWell = errors.New("well already exists")

	// ErrWellHasReadings indicates a well cannot be deleted because readings reference it.
	ErrWellHasReadings = errors.New("well has water readings")

	// ErrInvalidRegion indicates a region failed field validation.
	ErrInvalidRegion = errors.New("invalid region")

	// ErrInvalidWell indicates a well failed field validation.
	ErrInvalidWell = errors.New("invalid well")
)

// WellStatus is the operational state of a well.
type WellStatus string

// Well statuses.
const (
	WellStatusActive      WellStatus = "active"
	WellStatusInactive    WellStatus = "inactive"
	WellStatusMaintenance WellStatus = "maintenance"
)

// IsValid reports whether s is one of the known well statuses.
func (s WellStatus) IsValid() bool {
	switch s {
	case WellStatusActive, WellStatusInactive, WellStatusMaintenance:
		return true
	default:
		return false
	}
}

type (
	// Region is a monitored aquifer area together with the physical parameters
	// used by admission control.
	Region struct {
		RegionID            string    `json:"region_id"`
		Name                string    `json:"name"`
		State               string    `json:"state"`
		CriticalWaterLevelM float64   `json:"critical_water_level_m"`
		AquiferAreaM2       float64   `json:"aquifer_area_m2"`
		SpecificYield       float64   `json:"specific_yield"`
		IsActive            bool      `json:"is_active"`
		CreatedAt           time.Time `json:"created_at"`
		UpdatedAt           time.Time `json:"updated_at"`
	}

	// Well is a monitoring well inside a region.
	Well struct {
		WellID    string     `json:"well_id"`
		RegionID  string     `json:"region_id"`
		Depth     float64    `json:"depth"`
		Status    WellStatus `json:"status"`
		CreatedAt time.Time  `json:"created_at"`
	}
)

// Validate checks identifiers and the physical bounds of a region.
func (r *Region) Validate() error {
	if strings.TrimSpace(r.RegionID) == "" {
		return fmt.Errorf("%w: region_id is required", ErrInvalidRegion)
	}

	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRegion)
	}

	if !isFinite(r.CriticalWaterLevelM) || r.CriticalWaterLevelM < 0 {
		return fmt.Errorf("%w: critical_water_level_m must be >= 0, got %v", ErrInvalidRegion, r.CriticalWaterLevelM)
	}

	if !isFinite(r.AquiferAreaM2) || r.AquiferAreaM2 <= 0 {
		return fmt.Errorf("%w: aquifer_area_m2 must be > 0, got %v", ErrInvalidRegion, r.AquiferAreaM2)
	}

	if !isFinite(r.SpecificYield) || r.SpecificYield <= 0 || r.SpecificYield > MaxSpecificYield {
		return fmt.Errorf("%w: specific_yield must be in (0, %.1f], got %v",
			ErrInvalidRegion, MaxSpecificYield, r.SpecificYield)
	}

	return nil
}

// Validate checks identifiers, depth and status of a well.
// An empty status is normalized to active.
func (w *Well) Validate() error {
	if strings.TrimSpace(w.WellID) == "" {
		return fmt.Errorf("%w: well_id is required", ErrInvalidWell)
	}

	if strings.TrimSpace(w.RegionID) == "" {
		return fmt.Errorf("%w: region_id is required", ErrInvalidWell)
	}

	if !isFinite(w.Depth) || w.Depth < 0 {
		return fmt.Errorf("%w: depth must be >= 0, got %v", ErrInvalidWell, w.Depth)
	}

	if w.Status == "" {
		w.Status = WellStatusActive
	}

	if !w.Status.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidWell, w.Status)
	}

	return nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
