package api

import (
	"net/http"
	"strings"

	"github.com/aquifer-io/aquifer/internal/hydrology"
)

// historyFilter parses the filters shared by the history listings.
func historyFilter(r *http.Request, withWell bool) (hydrology.HistoryFilter, error) {
	query := r.URL.Query()

	limit, err := parseLimit(query)
	if err != nil {
		return hydrology.HistoryFilter{}, err
	}

	from, to, err := parseRange(query)
	if err != nil {
		return hydrology.HistoryFilter{}, err
	}

	filter := hydrology.HistoryFilter{
		RegionID: strings.TrimSpace(query.Get("region_id")),
		From:     from,
		To:       to,
		Limit:    limit,
	}

	if withWell {
		filter.WellID = strings.TrimSpace(query.Get("well_id"))
	}

	return filter, nil
}

// handleListReadings returns water readings sorted by timestamp, newest first.
func (s *Server) handleListReadings(w http.ResponseWriter, r *http.Request) {
	filter, err := historyFilter(r, true)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	readings, err := s.history.QueryReadings(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, newListResponse(readings))
}

// handleListRainfall returns rainfall records sorted by timestamp, newest first.
func (s *Server) handleListRainfall(w http.ResponseWriter, r *http.Request) {
	filter, err := historyFilter(r, false)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	records, err := s.history.QueryRainfall(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, newListResponse(records))
}

// handleCreateRainfall stores one manually submitted rainfall record.
//
// The region must exist and be active. A missing timestamp defaults to now, a missing
// source to "manual".
func (s *Server) handleCreateRainfall(w http.ResponseWriter, r *http.Request) {
	var record hydrology.RainfallRecord
	if err := s.decodeJSON(w, r, &record, false); err != nil {
		s.writeError(w, r, err)

		return
	}

	record.ID = 0
	record.RegionID = strings.TrimSpace(record.RegionID)

	if err := record.Validate(s.clock.Now().UTC()); err != nil {
		s.writeError(w, r, err)

		return
	}

	region, err := s.reference.GetRegion(r.Context(), record.RegionID)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	if !region.IsActive {
		s.writeError(w, r, hydrology.ErrRegionInactive)

		return
	}

	if err := s.history.InsertRainfallRecord(r.Context(), &record); err != nil {
		s.writeError(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusCreated, record)
}
