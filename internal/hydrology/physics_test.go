package hydrology

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDepthDelta(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name   string
		liters float64
		want   float64
	}{
		{"small extraction", 100_000, 100.0 / 150_000},
		{"large extraction", 90_000_000, 0.6},
		{"zero volume", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DepthDelta(tt.liters, 1_000_000, 0.15)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestProjectedLevel(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.InDelta(t, 10.49933, ProjectedLevel(10.5, DepthDelta(100_000, 1_000_000, 0.15)), 1e-5)
	assert.InDelta(t, 9.9, ProjectedLevel(10.5, DepthDelta(90_000_000, 1_000_000, 0.15)), 1e-9)
}

func TestSafeYieldLiters(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	region := Region{CriticalWaterLevelM: 10, AquiferAreaM2: 1_000_000, SpecificYield: 0.15}

	// 0.5 m of headroom over 150 000 m³ of drainable storage per meter.
	assert.InDelta(t, 75_000_000, SafeYieldLiters(region, 10.5), 1e-3)
	assert.Zero(t, SafeYieldLiters(region, 10))
	assert.Zero(t, SafeYieldLiters(region, 9.2))

	// Extracting exactly the safe yield lands on the critical level.
	limit := SafeYieldLiters(region, 10.5)
	projected := ProjectedLevel(10.5, DepthDelta(limit, region.AquiferAreaM2, region.SpecificYield))
	assert.InDelta(t, region.CriticalWaterLevelM, projected, 1e-9)
}

func TestEffectiveRainfall(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// PET = 0.05 * 30 * 0.4 = 0.6 mm
	assert.InDelta(t, 0.6, Evapotranspiration(30, 60), 1e-9)
	assert.InDelta(t, 9.4, EffectiveRainfall(10, 30, 60), 1e-9)
	assert.Zero(t, EffectiveRainfall(0.2, 30, 60))
	assert.Zero(t, Evapotranspiration(-5, 50), "cold air never yields negative evaporation")
}

func TestRegionValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	valid := func() Region {
		return Region{
			RegionID:            "region-001",
			Name:                "North Basin",
			State:               "Karnataka",
			CriticalWaterLevelM: 10,
			AquiferAreaM2:       1_000_000,
			SpecificYield:       0.15,
		}
	}

	tests := []struct {
		name    string
		mutate  func(r *Region)
		wantErr bool
	}{
		{"valid region", func(*Region) {}, false},
		{"missing id", func(r *Region) { r.RegionID = " " }, true},
		{"missing name", func(r *Region) { r.Name = "" }, true},
		{"negative critical level", func(r *Region) { r.CriticalWaterLevelM = -1 }, true},
		{"zero area", func(r *Region) { r.AquiferAreaM2 = 0 }, true},
		{"zero specific yield", func(r *Region) { r.SpecificYield = 0 }, true},
		{"specific yield at bound", func(r *Region) { r.SpecificYield = 0.5 }, false},
		{"specific yield above bound", func(r *Region) { r.SpecificYield = 0.51 }, true},
		{"nan area", func(r *Region) { r.AquiferAreaM2 = math.NaN() }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(&r)

			err := r.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidRegion))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestWellValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	w := Well{WellID: "W-1", RegionID: "region-001", Depth: 80}
	require.NoError(t, w.Validate())
	assert.Equal(t, WellStatusActive, w.Status, "empty status defaults to active")

	w.Status = "decommissioned"
	assert.ErrorIs(t, w.Validate(), ErrInvalidWell)

	w = Well{WellID: "W-1", RegionID: "region-001", Depth: -3}
	assert.ErrorIs(t, w.Validate(), ErrInvalidWell)
}

func TestRainfallRecordValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	r := RainfallRecord{RegionID: "region-001", AmountMM: 15.4}
	require.NoError(t, r.Validate(now))
	assert.Equal(t, now, r.Timestamp)
	assert.Equal(t, SourceManual, r.Source)

	r = RainfallRecord{RegionID: "region-001", AmountMM: -1}
	assert.ErrorIs(t, r.Validate(now), ErrInvalidRecord)
}

func TestRecharge(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// PET at 30°C and 50% humidity is 0.75 mm per event.
	records := []RainfallRecord{{AmountMM: 10}, {AmountMM: 0.5}, {AmountMM: 2}}

	got := Recharge("region-001", records, 30, 50)

	assert.Equal(t, "region-001", got.RegionID)
	assert.Equal(t, 3, got.Records)
	assert.InDelta(t, 12.5, got.TotalRainfallMM, 1e-9)
	assert.InDelta(t, 0.75+0.5+0.75, got.EvapotranspirationMM, 1e-9)
	assert.InDelta(t, 9.25+0+1.25, got.EffectiveRainfallMM, 1e-9)

	empty := Recharge("region-001", nil, 30, 50)
	assert.Zero(t, empty.EffectiveRainfallMM)
}
