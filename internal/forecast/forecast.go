// Package forecast reads groundwater level forecasts from the external analytics service.
package forecast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUpstream indicates the forecast service could not be reached or answered with an error.
// Callers decide the policy: admission control degrades, the proxy endpoint surfaces 502.
var ErrUpstream = errors.New("forecast service unavailable")

// dateLayouts covers the analytics service's ISO dates with and without zone.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

type (
	// Point is one predicted water level of a region's forecast horizon.
	Point struct {
		RegionID       string    `json:"region_id"`
		ForecastDate   time.Time `json:"forecast_date"`
		PredictedLevel float64   `json:"predicted_level"`
		ModelVersion   string    `json:"model_version"`
		HorizonStep    int       `json:"horizon_step"`
	}

	// Series is a region's forecast horizon ordered by date. An empty series means no forecast
	// has been generated for the region yet.
	Series []Point

	// Source returns the current forecast series for a region.
	Source interface {
		Forecast(ctx context.Context, regionID string) (Series, error)
	}

	// wirePoint tolerates the zone-less timestamps the analytics service emits.
	wirePoint struct {
		RegionID       string  `json:"region_id"`
		ForecastDate   string  `json:"forecast_date"`
		PredictedLevel float64 `json:"predicted_level"`
		ModelVersion   string  `json:"model_version"`
		HorizonStep    int     `json:"horizon_step"`
	}
)

// MinLevel returns the lowest predicted level over the horizon.
func (s Series) MinLevel() (float64, bool) {
	if len(s) == 0 {
		return 0, false
	}

	lowest := s[0].PredictedLevel

	for _, p := range s[1:] {
		if p.PredictedLevel < lowest {
			lowest = p.PredictedLevel
		}
	}

	return lowest, true
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Point) UnmarshalJSON(data []byte) error {
	var w wirePoint
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	date, err := parseDate(w.ForecastDate)
	if err != nil {
		return err
	}

	*p = Point{
		RegionID:       w.RegionID,
		ForecastDate:   date,
		PredictedLevel: w.PredictedLevel,
		ModelVersion:   w.ModelVersion,
		HorizonStep:    w.HorizonStep,
	}

	return nil
}

func parseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized forecast_date %q", value)
}
