package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/aquifer-io/aquifer/internal/api/middleware"
	"github.com/aquifer-io/aquifer/internal/ingestion"
)

const uploadField = "file"

var (
	errMissingFile = errors.New("multipart field \"file\" is required")
	errNotCSV      = errors.New("uploaded file must have a .csv extension")
)

func (s *Server) handleIngestReadings(w http.ResponseWriter, r *http.Request) {
	s.ingest(w, r, ingestion.KindReading)
}

func (s *Server) handleIngestRainfall(w http.ResponseWriter, r *http.Request) {
	s.ingest(w, r, ingestion.KindRainfall)
}

// ingest streams the uploaded CSV straight into the ingestion engine without buffering the file.
//
// Every completed run answers 200, rejected rows included. A structural failure answers 400
// with the partial summary in details.
func (s *Server) ingest(w http.ResponseWriter, r *http.Request, kind ingestion.Kind) {
	correlationID := middleware.GetCorrelationID(r.Context())

	s.extendDeadlines(w, r)

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadSize)

	part, err := csvPart(r)
	if err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			s.writeError(w, r, err)

			return
		}

		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	defer func() {
		_ = part.Close()
	}()

	s.logger.InfoContext(r.Context(), "CSV ingestion started",
		slog.String("correlation_id", correlationID),
		slog.String("kind", string(kind)),
		slog.String("filename", part.FileName()),
	)

	summary, err := s.ingester.Run(r.Context(), kind, part)
	if err != nil {
		problem := problemFor(err)
		if summary != nil && problem.Status == http.StatusBadRequest {
			problem.WithDetails(summary)
		}

		s.logger.WarnContext(r.Context(), "CSV ingestion aborted",
			slog.String("correlation_id", correlationID),
			slog.String("kind", string(kind)),
			slog.Int("status", problem.Status),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	s.writeJSON(w, r, http.StatusOK, summary)
}

// csvPart advances the multipart stream to the "file" field and checks its extension.
func csvPart(r *http.Request) (*multipart.Part, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("expected multipart/form-data body: %w", err)
	}

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, errMissingFile
		}

		if err != nil {
			return nil, fmt.Errorf("read multipart body: %w", err)
		}

		if part.FormName() != uploadField {
			_ = part.Close()

			continue
		}

		if !strings.EqualFold(filepath.Ext(part.FileName()), ".csv") {
			_ = part.Close()

			return nil, errNotCSV
		}

		return part, nil
	}
}

// extendDeadlines lets an upload outlive the server-wide read and write timeouts.
func (s *Server) extendDeadlines(w http.ResponseWriter, r *http.Request) {
	if s.config.UploadTimeout <= 0 {
		return
	}

	deadline := s.clock.Now().Add(s.config.UploadTimeout)
	rc := http.NewResponseController(w)

	if err := rc.SetReadDeadline(deadline); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.logger.Warn("Failed to extend upload read deadline",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}

	if err := rc.SetWriteDeadline(deadline); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.logger.Warn("Failed to extend upload write deadline",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}
