package hydrology

import "math"

const (
	litersPerCubicMeter = 1000.0

	// evapotranspirationFactor calibrates the temperature-humidity evaporation proxy.
	evapotranspirationFactor = 0.05
)

// LitersToCubicMeters converts a volume in liters to cubic meters.
func LitersToCubicMeters(liters float64) float64 {
	return liters / litersPerCubicMeter
}

// DepthDelta returns the water table change in meters caused by removing volumeLiters
// from an aquifer of the given area and specific yield:
//
//	ΔV = A × Δh × Sy  =>  Δh = (L / 1000) / (A × Sy)
//
// A positive result means the level drops.
func DepthDelta(volumeLiters, aquiferAreaM2, specificYield float64) float64 {
	return LitersToCubicMeters(volumeLiters) / (aquiferAreaM2 * specificYield)
}

// ProjectedLevel applies an extraction's depth delta to a baseline level.
func ProjectedLevel(baseline, delta float64) float64 {
	return baseline - delta
}

// SafeYieldLiters is the largest extraction that keeps the projected level at or above
// the region's critical level, given the baseline level. It is never negative.
func SafeYieldLiters(region Region, baseline float64) float64 {
	headroom := baseline - region.CriticalWaterLevelM
	if headroom <= 0 {
		return 0
	}

	return headroom * region.AquiferAreaM2 * region.SpecificYield * litersPerCubicMeter
}

// Evapotranspiration estimates potential evapotranspiration in millimeters from air
// temperature and relative humidity: PET = k × T × (1 − RH/100), floored at zero.
func Evapotranspiration(tempC, humidityPct float64) float64 {
	saturationDeficit := (100 - humidityPct) / 100.0

	return math.Max(0, evapotranspirationFactor*tempC*saturationDeficit)
}

// EffectiveRainfall is the share of rainfall that recharges the aquifer after
// evaporation losses, floored at zero.
func EffectiveRainfall(rainfallMM, tempC, humidityPct float64) float64 {
	return math.Max(0, rainfallMM-Evapotranspiration(tempC, humidityPct))
}

// RechargeSummary aggregates effective rainfall over a set of rainfall records.
type RechargeSummary struct {
	RegionID             string  `json:"region_id"`
	Records              int     `json:"records"`
	TotalRainfallMM      float64 `json:"total_rainfall_mm"`
	EvapotranspirationMM float64 `json:"evapotranspiration_mm"`
	EffectiveRainfallMM  float64 `json:"effective_rainfall_mm"`
}

// Recharge applies the evaporation loss to each record and sums the results. Losses are
// per rainfall event, so a record smaller than the loss contributes nothing.
func Recharge(regionID string, records []RainfallRecord, tempC, humidityPct float64) RechargeSummary {
	pet := Evapotranspiration(tempC, humidityPct)
	summary := RechargeSummary{RegionID: regionID, Records: len(records)}

	for _, r := range records {
		summary.TotalRainfallMM += r.AmountMM
		summary.EvapotranspirationMM += math.Min(pet, r.AmountMM)
		summary.EffectiveRainfallMM += EffectiveRainfall(r.AmountMM, tempC, humidityPct)
	}

	return summary
}
