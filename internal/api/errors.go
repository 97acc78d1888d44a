package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aquifer-io/aquifer/internal/admission"
	"github.com/aquifer-io/aquifer/internal/api/middleware"
	"github.com/aquifer-io/aquifer/internal/forecast"
	"github.com/aquifer-io/aquifer/internal/hydrology"
	"github.com/aquifer-io/aquifer/internal/ingestion"
	"github.com/aquifer-io/aquifer/internal/jobs"
)

// ProblemDetail is an RFC 7807 problem document.
//
// Error repeats the short classification clients match on, Details carries structured
// context such as an admission rationale.
type ProblemDetail struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail,omitempty"`
	Instance      string `json:"instance,omitempty"`
	Error         string `json:"error"`
	Details       any    `json:"details,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// NewProblemDetail creates a new RFC 7807 Problem Detail.
func NewProblemDetail(status int, title, detail string) *ProblemDetail {
	return &ProblemDetail{
		Type:   fmt.Sprintf("https://aquifer.io/problems/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
		Error:  title,
	}
}

// WithError overrides the error classification.
func (p *ProblemDetail) WithError(classification string) *ProblemDetail {
	p.Error = classification

	return p
}

// WithDetails attaches structured context.
func (p *ProblemDetail) WithDetails(details any) *ProblemDetail {
	p.Details = details

	return p
}

// WriteErrorResponse writes an RFC 7807 compliant error response.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, problem *ProblemDetail) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if problem.CorrelationID == "" {
		problem.CorrelationID = correlationID
	}

	if problem.Instance == "" {
		problem.Instance = r.URL.Path
	}

	w.Header().Set("Content-Type", contentTypeProblemJSON)
	w.WriteHeader(problem.Status)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		logger.Error("Failed to encode error response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("method", r.Method),
			slog.Any("encode_error", err),
			slog.Int("status", problem.Status),
		)
	}
}

// InternalServerError creates a 500 Internal Server Error problem.
func InternalServerError(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusInternalServerError, "Internal Server Error", detail)
}

// BadRequest creates a 400 Bad Request problem.
func BadRequest(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusBadRequest, "Bad Request", detail)
}

// NotFound creates a 404 Not Found problem.
func NotFound(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusNotFound, "Not Found", detail)
}

// Conflict creates a 409 Conflict problem.
func Conflict(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusConflict, "Conflict", detail)
}

// PayloadTooLarge creates a 413 Payload Too Large problem.
func PayloadTooLarge(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusRequestEntityTooLarge, "Payload Too Large", detail)
}

// BadGateway creates a 502 Bad Gateway problem for upstream failures.
func BadGateway(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusBadGateway, "Bad Gateway", detail)
}

// ServiceUnavailable creates a 503 Service Unavailable problem.
func ServiceUnavailable(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusServiceUnavailable, "Service Unavailable", detail)
}

// problemFor maps a domain error onto its HTTP class. Unrecognised errors are 500s whose
// detail does not leak the underlying message.
func problemFor(err error) *ProblemDetail {
	var maxBytes *http.MaxBytesError

	switch {
	case errors.As(err, &maxBytes):
		return PayloadTooLarge(fmt.Sprintf("request body exceeds %d bytes", maxBytes.Limit))

	case errors.Is(err, ingestion.ErrCSVFormat):
		return BadRequest(err.Error()).WithError(ingestion.ErrCSVFormat.Error())

	case errors.Is(err, hydrology.ErrInvalidRegion),
		errors.Is(err, hydrology.ErrInvalidWell),
		errors.Is(err, hydrology.ErrInvalidRecord),
		errors.Is(err, admission.ErrInvalidRequest),
		errors.Is(err, jobs.ErrInvalidJobType),
		errors.Is(err, jobs.ErrInvalidTargetDate),
		errors.Is(err, errInvalidQuery):
		return BadRequest(err.Error())

	case errors.Is(err, hydrology.ErrRegionNotFound),
		errors.Is(err, hydrology.ErrWellNotFound),
		errors.Is(err, jobs.ErrJobNotFound):
		return NotFound(err.Error())

	case errors.Is(err, hydrology.ErrRegionInactive),
		errors.Is(err, hydrology.ErrDuplicateRegion),
		errors.Is(err, hydrology.ErrDuplicateWell),
		errors.Is(err, hydrology.ErrWellHasReadings):
		return Conflict(err.Error())

	case errors.Is(err, admission.ErrForecastUnavailable),
		errors.Is(err, forecast.ErrUpstream):
		return BadGateway(err.Error())

	case errors.Is(err, jobs.ErrQueueFull),
		errors.Is(err, jobs.ErrClosed):
		return ServiceUnavailable(err.Error())

	default:
		return InternalServerError("An unexpected error occurred while processing the request")
	}
}

// writeError logs err with the request's correlation ID and writes its problem document.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	problem := problemFor(err)

	level := slog.LevelWarn
	if problem.Status >= http.StatusInternalServerError {
		level = slog.LevelError
	}

	s.logger.Log(r.Context(), level, "Request failed",
		slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", problem.Status),
		slog.String("error", err.Error()),
	)

	WriteErrorResponse(w, r, s.logger, problem)
}
