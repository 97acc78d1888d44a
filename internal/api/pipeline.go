package api

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/aquifer-io/aquifer/internal/jobs"
)

type (
	triggerResponse struct {
		JobID     uuid.UUID   `json:"job_id"`
		Status    jobs.Status `json:"status"`
		StatusURL string      `json:"status_url"`
	}
)

// handleTriggerPipeline accepts a pipeline job and returns before it runs.
//
// The body is optional: {"date": "YYYY-MM-DD", "type": "full_pipeline"}.
func (s *Server) handleTriggerPipeline(w http.ResponseWriter, r *http.Request) {
	var req jobs.TriggerRequest
	if err := s.decodeJSON(w, r, &req, true); err != nil {
		s.writeError(w, r, err)

		return
	}

	job, err := s.jobs.Trigger(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	statusURL := "/pipeline/status/" + job.ID.String()

	w.Header().Set("Location", statusURL)
	s.writeJSON(w, r, http.StatusAccepted, triggerResponse{
		JobID:     job.ID,
		Status:    job.Status,
		StatusURL: statusURL,
	})
}

// handlePipelineStatus returns the persisted state of one job.
func (s *Server) handlePipelineStatus(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("id")

	id, err := uuid.Parse(raw)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: job id %q is not a UUID", errInvalidQuery, raw))

		return
	}

	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, job)
}

// handleListJobs returns recent jobs, newest first.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	list, err := s.jobs.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, newListResponse(list))
}
