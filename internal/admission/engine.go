// Package admission implements Safe Yield admission control for groundwater extraction.
//
// An extraction is approved when the forecast baseline level, lowered by the extraction's
// physical depth effect, stays at or above the region's critical level. Forecast outages are
// handled by a single policy point (resolveBaseline): by default the request is approved
// without a bound (fail-open) and flagged as degraded.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/aquifer-io/aquifer/internal/forecast"
	"github.com/aquifer-io/aquifer/internal/hydrology"
	"github.com/aquifer-io/aquifer/internal/observability"
)

var (
	// ErrInvalidRequest indicates a malformed extraction request.
	ErrInvalidRequest = errors.New("invalid extraction request")

	// ErrForecastUnavailable indicates the forecast service failed while running fail-closed.
	ErrForecastUnavailable = errors.New("forecast unavailable")

	// ErrExtractionDenied indicates the extraction would breach the critical level.
	ErrExtractionDenied = errors.New("extraction denied: safe yield exceeded")
)

// Mode describes where the baseline of a decision came from.
type Mode string

// Baseline modes.
const (
	ModeForecast   Mode = "forecast"
	ModeNoForecast Mode = "no_forecast"
	ModeDegraded   Mode = "degraded"
)

type (
	// RegionReader loads a region's physical parameters.
	RegionReader interface {
		// GetRegion returns hydrology.ErrRegionNotFound for unknown ids.
		GetRegion(ctx context.Context, regionID string) (*hydrology.Region, error)
	}

	// Baseline is the outcome of a forecast lookup. Level is meaningful only when Available.
	Baseline struct {
		Level     float64
		Available bool
		Degraded  bool
		Note      string
	}

	// PhysicsUsed echoes the parameters that produced the depth estimate.
	PhysicsUsed struct {
		AquiferAreaM2 float64 `json:"aquifer_area_m2"`
		SpecificYield float64 `json:"specific_yield"`
		VolumeM3      float64 `json:"volume_m3"`
	}

	// Rationale explains a decision in machine-readable form.
	Rationale struct {
		Reason               string      `json:"reason"`
		PredictedLevelNext7d *float64    `json:"predicted_level_next_7d"`
		ImpactOfExtraction   float64     `json:"impact_of_extraction"`
		CommittedImpact      float64     `json:"committed_impact,omitempty"`
		CriticalLimit        float64     `json:"critical_limit"`
		ProjectedLevel       *float64    `json:"projected_level"`
		PhysicsUsed          PhysicsUsed `json:"physics_used"`
	}

	// Decision is the result of evaluating one extraction.
	Decision struct {
		Approved  bool      `json:"approved"`
		Mode      Mode      `json:"mode"`
		Rationale Rationale `json:"rationale"`
	}

	// SafeYield is the extraction headroom of a region under the current baseline.
	SafeYield struct {
		RegionID        string   `json:"region_id"`
		Mode            Mode     `json:"mode"`
		BaselineLevel   *float64 `json:"baseline_level"`
		CriticalLimit   float64  `json:"critical_limit"`
		SafeYieldLiters *float64 `json:"safe_yield_liters"`
		Note            string   `json:"note,omitempty"`
	}

	// Engine evaluates extractions. It performs no writes.
	Engine struct {
		regions   RegionReader
		forecasts forecast.Source
		failOpen  bool
		logger    *slog.Logger
		metrics   *observability.Metrics
	}

	// EngineOption configures an Engine.
	EngineOption func(*Engine)
)

// Mode reports the baseline mode.
func (b Baseline) Mode() Mode {
	switch {
	case b.Available:
		return ModeForecast
	case b.Degraded:
		return ModeDegraded
	default:
		return ModeNoForecast
	}
}

// WithFailOpen sets the forecast outage policy. The default is fail-open.
func WithFailOpen(failOpen bool) EngineOption {
	return func(e *Engine) {
		e.failOpen = failOpen
	}
}

// WithEngineMetrics enables Prometheus instrumentation.
func WithEngineMetrics(m *observability.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine creates an admission control engine.
func NewEngine(regions RegionReader, forecasts forecast.Source, logger *slog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		regions:   regions,
		forecasts: forecasts,
		failOpen:  true,
		logger:    logger,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Evaluate decides whether volumeLiters may be extracted from the region.
//
// Unknown regions return hydrology.ErrRegionNotFound and inactive regions
// hydrology.ErrRegionInactive; neither falls open. A denial is a Decision with
// Approved=false, not an error.
func (e *Engine) Evaluate(ctx context.Context, regionID string, volumeLiters float64) (Decision, error) {
	return e.EvaluateCumulative(ctx, regionID, volumeLiters, 0)
}

// EvaluateCumulative is Evaluate with committedLiters already admitted against the same
// baseline. Their depth effect is applied before the new volume's.
func (e *Engine) EvaluateCumulative(
	ctx context.Context,
	regionID string,
	volumeLiters, committedLiters float64,
) (Decision, error) {
	if math.IsNaN(volumeLiters) || math.IsInf(volumeLiters, 0) || volumeLiters < 0 {
		return Decision{}, fmt.Errorf("%w: volume_liters must be a non-negative number", ErrInvalidRequest)
	}

	region, err := e.activeRegion(ctx, regionID)
	if err != nil {
		return Decision{}, err
	}

	baseline, err := e.resolveBaseline(ctx, regionID)
	if err != nil {
		return Decision{}, err
	}

	decision := decide(region, baseline, volumeLiters, math.Max(0, committedLiters))

	if e.metrics != nil {
		outcome := "approved"
		if !decision.Approved {
			outcome = "denied"
		}

		e.metrics.AdmissionDecisions.WithLabelValues(outcome, string(decision.Mode)).Inc()
	}

	return decision, nil
}

// SafeYield estimates how much may still be extracted from a region.
func (e *Engine) SafeYield(ctx context.Context, regionID string) (SafeYield, error) {
	region, err := e.activeRegion(ctx, regionID)
	if err != nil {
		return SafeYield{}, err
	}

	baseline, err := e.resolveBaseline(ctx, regionID)
	if err != nil {
		return SafeYield{}, err
	}

	estimate := SafeYield{
		RegionID:      region.RegionID,
		Mode:          baseline.Mode(),
		CriticalLimit: region.CriticalWaterLevelM,
		Note:          baseline.Note,
	}

	if baseline.Available {
		level := baseline.Level
		liters := hydrology.SafeYieldLiters(*region, level)
		estimate.BaselineLevel = &level
		estimate.SafeYieldLiters = &liters
	}

	return estimate, nil
}

func (e *Engine) activeRegion(ctx context.Context, regionID string) (*hydrology.Region, error) {
	if regionID == "" {
		return nil, fmt.Errorf("%w: region_id is required", ErrInvalidRequest)
	}

	region, err := e.regions.GetRegion(ctx, regionID)
	if err != nil {
		return nil, err
	}

	if !region.IsActive {
		return nil, fmt.Errorf("%w: %s", hydrology.ErrRegionInactive, regionID)
	}

	return region, nil
}

// resolveBaseline is the only place the forecast outage policy is applied.
//
//   - forecast with points: baseline is the lowest predicted level over the horizon
//   - forecast with no points: no baseline, not degraded
//   - forecast error, fail-open: no baseline, degraded, warning logged
//   - forecast error, fail-closed: ErrForecastUnavailable
func (e *Engine) resolveBaseline(ctx context.Context, regionID string) (Baseline, error) {
	series, err := e.forecasts.Forecast(ctx, regionID)
	if err != nil {
		if !e.failOpen {
			return Baseline{}, fmt.Errorf("%w: %w", ErrForecastUnavailable, err)
		}

		e.logger.WarnContext(ctx, "Forecast service unavailable, failing open",
			slog.String("region_id", regionID),
			slog.String("error", err.Error()),
		)

		return Baseline{Degraded: true, Note: "forecast service unavailable; admitted without a sustainability bound"}, nil
	}

	level, ok := series.MinLevel()
	if !ok {
		return Baseline{Note: "no forecast available for region"}, nil
	}

	return Baseline{Level: level, Available: true}, nil
}

// decide applies the Safe Yield rule. It is pure.
func decide(region *hydrology.Region, baseline Baseline, volumeLiters, committedLiters float64) Decision {
	delta := hydrology.DepthDelta(volumeLiters, region.AquiferAreaM2, region.SpecificYield)
	committed := hydrology.DepthDelta(committedLiters, region.AquiferAreaM2, region.SpecificYield)

	rationale := Rationale{
		ImpactOfExtraction: delta,
		CommittedImpact:    committed,
		CriticalLimit:      region.CriticalWaterLevelM,
		PhysicsUsed: PhysicsUsed{
			AquiferAreaM2: region.AquiferAreaM2,
			SpecificYield: region.SpecificYield,
			VolumeM3:      hydrology.LitersToCubicMeters(volumeLiters),
		},
	}

	if !baseline.Available {
		rationale.Reason = baseline.Note

		return Decision{Approved: true, Mode: baseline.Mode(), Rationale: rationale}
	}

	level := baseline.Level
	projected := hydrology.ProjectedLevel(level, committed+delta)

	rationale.PredictedLevelNext7d = &level
	rationale.ProjectedLevel = &projected

	if projected < region.CriticalWaterLevelM {
		rationale.Reason = fmt.Sprintf(
			"projected level %.4f m would fall below the critical level %.2f m", projected, region.CriticalWaterLevelM)

		return Decision{Approved: false, Mode: ModeForecast, Rationale: rationale}
	}

	rationale.Reason = fmt.Sprintf(
		"projected level %.4f m stays at or above the critical level %.2f m", projected, region.CriticalWaterLevelM)

	return Decision{Approved: true, Mode: ModeForecast, Rationale: rationale}
}
