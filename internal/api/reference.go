package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/aquifer-io/aquifer/internal/hydrology"
)

type wellInUse struct {
	Reason       string `json:"reason"`
	ReadingCount int64  `json:"reading_count"`
}

func (s *Server) handleListRegions(w http.ResponseWriter, r *http.Request) {
	includeInactive := false

	if raw := r.URL.Query().Get("include_inactive"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			WriteErrorResponse(w, r, s.logger, BadRequest("include_inactive must be a boolean"))

			return
		}

		includeInactive = v
	}

	regions, err := s.reference.ListRegions(r.Context(), includeInactive)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, newListResponse(regions))
}

func (s *Server) handleCreateRegion(w http.ResponseWriter, r *http.Request) {
	var region hydrology.Region
	if err := s.decodeJSON(w, r, &region, false); err != nil {
		s.writeError(w, r, err)

		return
	}

	if err := s.reference.CreateRegion(r.Context(), &region); err != nil {
		s.writeError(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusCreated, region)
}

func (s *Server) handleGetRegion(w http.ResponseWriter, r *http.Request) {
	region, err := s.reference.GetRegion(r.Context(), r.PathValue("region_id"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, region)
}

// handleDeactivateRegion soft-deletes a region. Its history stays untouched.
func (s *Server) handleDeactivateRegion(w http.ResponseWriter, r *http.Request) {
	s.setRegionActive(w, r, false)
}

func (s *Server) handleActivateRegion(w http.ResponseWriter, r *http.Request) {
	s.setRegionActive(w, r, true)
}

func (s *Server) setRegionActive(w http.ResponseWriter, r *http.Request, active bool) {
	region, err := s.reference.SetRegionActive(r.Context(), r.PathValue("region_id"), active)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, region)
}

func (s *Server) handleCreateWell(w http.ResponseWriter, r *http.Request) {
	var well hydrology.Well
	if err := s.decodeJSON(w, r, &well, false); err != nil {
		s.writeError(w, r, err)

		return
	}

	if err := s.reference.CreateWell(r.Context(), &well); err != nil {
		s.writeError(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusCreated, well)
}

func (s *Server) handleGetWell(w http.ResponseWriter, r *http.Request) {
	well, err := s.reference.GetWell(r.Context(), r.PathValue("well_id"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, well)
}

// handleDeleteWell removes a well that no reading references.
//
// Response codes:
//   - 204 No Content: deleted
//   - 404 Not Found: unknown well
//   - 409 Conflict: readings reference the well, details carry the count
func (s *Server) handleDeleteWell(w http.ResponseWriter, r *http.Request) {
	readings, err := s.reference.DeleteWell(r.Context(), r.PathValue("well_id"))

	switch {
	case errors.Is(err, hydrology.ErrWellHasReadings):
		WriteErrorResponse(w, r, s.logger,
			Conflict(err.Error()).
				WithError(hydrology.ErrWellHasReadings.Error()).
				WithDetails(wellInUse{Reason: "well has water readings", ReadingCount: readings}),
		)

		return
	case err != nil:
		s.writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}
