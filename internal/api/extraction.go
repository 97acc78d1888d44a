package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aquifer-io/aquifer/internal/admission"
	"github.com/aquifer-io/aquifer/internal/api/middleware"
	"github.com/aquifer-io/aquifer/internal/hydrology"
)

const headerAdmissionMode = "X-Admission-Mode"

// extractionResponse is the stored log together with the decision that admitted it.
type extractionResponse struct {
	*hydrology.ExtractionLog

	Decision admission.Decision `json:"decision"`
}

// handleSubmitExtraction runs admission control on one extraction request.
//
// Response codes:
//   - 201 Created: admitted and logged, X-Admission-Mode names the baseline used
//   - 409 Conflict: denied, details carry the rationale; or the region is inactive
//   - 502 Bad Gateway: the forecast service is down and admission runs fail-closed
func (s *Server) handleSubmitExtraction(w http.ResponseWriter, r *http.Request) {
	var req admission.ExtractionRequest
	if err := s.decodeJSON(w, r, &req, false); err != nil {
		s.writeError(w, r, err)

		return
	}

	outcome, err := s.admission.Submit(r.Context(), req)

	switch {
	case errors.Is(err, admission.ErrExtractionDenied) && outcome != nil:
		w.Header().Set(headerAdmissionMode, string(outcome.Decision.Mode))

		s.logger.InfoContext(r.Context(), "Extraction request denied",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("region_id", req.RegionID),
			slog.String("reason", outcome.Decision.Rationale.Reason),
		)

		WriteErrorResponse(w, r, s.logger,
			Conflict("extraction would drop the water table below the critical level").
				WithError(admission.ErrExtractionDenied.Error()).
				WithDetails(outcome.Decision.Rationale),
		)

		return
	case err != nil:
		s.writeError(w, r, err)

		return
	}

	w.Header().Set(headerAdmissionMode, string(outcome.Decision.Mode))
	s.writeJSON(w, r, http.StatusCreated, extractionResponse{
		ExtractionLog: outcome.Log,
		Decision:      outcome.Decision,
	})
}

// handleListExtractions lists admitted extractions, newest first.
func (s *Server) handleListExtractions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	limit, err := parseLimit(query)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	from, to, err := parseRange(query)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	logs, err := s.history.ListExtractions(r.Context(), hydrology.HistoryFilter{
		RegionID: strings.TrimSpace(query.Get("region_id")),
		From:     from,
		To:       to,
		Limit:    limit,
	})
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, newListResponse(logs))
}
