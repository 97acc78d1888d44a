package api

import (
	"net/http"
	"time"

	"github.com/aquifer-io/aquifer/internal/forecast"
	"github.com/aquifer-io/aquifer/internal/hydrology"
)

// rechargeWindow is the lookback used when the recharge request names no range.
const rechargeWindow = 30 * 24 * time.Hour

type (
	forecastResponse struct {
		RegionID string          `json:"region_id"`
		Count    int             `json:"count"`
		Data     forecast.Series `json:"data"`
	}

	rechargeResponse struct {
		hydrology.RechargeSummary

		From        time.Time `json:"from"`
		To          time.Time `json:"to"`
		TempC       float64   `json:"temp_c"`
		HumidityPct float64   `json:"humidity_pct"`
	}
)

// handleGetForecast proxies the forecast service. Upstream failures answer 502 here, unlike
// admission control which may fail open.
func (s *Server) handleGetForecast(w http.ResponseWriter, r *http.Request) {
	regionID := r.PathValue("region_id")

	series, err := s.forecasts.Forecast(r.Context(), regionID)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	if series == nil {
		series = forecast.Series{}
	}

	s.writeJSON(w, r, http.StatusOK, forecastResponse{RegionID: regionID, Count: len(series), Data: series})
}

// handleSafeYield returns the extraction headroom of a region and the baseline mode it rests on.
func (s *Server) handleSafeYield(w http.ResponseWriter, r *http.Request) {
	estimate, err := s.admission.SafeYield(r.Context(), r.PathValue("region_id"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, estimate)
}

// handleRecharge sums effective rainfall for a region over [from, to] given the ambient
// temperature and humidity. Without a range the last 30 days are used.
func (s *Server) handleRecharge(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	tempC, err := requiredFloat(query, "temp_c")
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	humidity, err := requiredFloat(query, "humidity_pct")
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	if humidity < 0 || humidity > 100 {
		WriteErrorResponse(w, r, s.logger, BadRequest("humidity_pct must be between 0 and 100"))

		return
	}

	from, to, err := parseRange(query)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	if to.IsZero() {
		to = s.clock.Now().UTC()
	}

	if from.IsZero() {
		from = to.Add(-rechargeWindow)
	}

	region, err := s.reference.GetRegion(r.Context(), r.PathValue("region_id"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	records, err := s.history.RainfallWindow(r.Context(), region.RegionID, from, to)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, rechargeResponse{
		RechargeSummary: hydrology.Recharge(region.RegionID, records, tempC, humidity),
		From:            from,
		To:              to,
		TempC:           tempC,
		HumidityPct:     humidity,
	})
}
