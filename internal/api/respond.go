package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aquifer-io/aquifer/internal/api/middleware"
	"github.com/aquifer-io/aquifer/internal/storage"
)

const dateLayout = "2006-01-02"

// errInvalidQuery marks malformed query parameters and request bodies.
var errInvalidQuery = errors.New("invalid request")

type listResponse[T any] struct {
	Count int `json:"count"`
	Data  []T `json:"data"`
}

func newListResponse[T any](data []T) listResponse[T] {
	if data == nil {
		data = []T{}
	}

	return listResponse[T]{Count: len(data), Data: data}
}

// writeJSON marshals v before touching the response so encoding failures can still become a 500.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("encode response: %w", err))

		return
	}

	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) writeText(w http.ResponseWriter, r *http.Request, status int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)

	if _, err := io.WriteString(w, body); err != nil {
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}

// decodeJSON reads a JSON body capped at MaxRequestSize into dst. An empty body is accepted
// only when optional is set, leaving dst untouched.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)

	if ct := r.Header.Get("Content-Type"); ct != "" && !hasJSONContentType(ct) {
		return fmt.Errorf("%w: Content-Type must be application/json, got %q", errInvalidQuery, ct)
	}

	decoder := json.NewDecoder(r.Body)

	err := decoder.Decode(dst)

	var maxBytes *http.MaxBytesError

	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF) && optional:
		return nil
	case errors.Is(err, io.EOF):
		return fmt.Errorf("%w: request body is empty", errInvalidQuery)
	case errors.As(err, &maxBytes):
		return err
	default:
		return fmt.Errorf("%w: malformed JSON: %s", errInvalidQuery, err.Error())
	}
}

// hasJSONContentType checks if Content-Type header starts with "application/json".
// This allows charset parameters (e.g., "application/json; charset=utf-8").
func hasJSONContentType(contentType string) bool {
	return strings.HasPrefix(strings.TrimSpace(contentType), contentTypeJSON)
}

// parseLimit reads the limit parameter. Missing means the default, values above the maximum
// are capped, anything else that is not a positive integer is rejected.
func parseLimit(query url.Values) (int, error) {
	raw := strings.TrimSpace(query.Get("limit"))
	if raw == "" {
		return storage.DefaultHistoryLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("%w: limit must be a positive integer, got %q", errInvalidQuery, raw)
	}

	return min(limit, storage.MaxHistoryLimit), nil
}

// parseTime reads an RFC 3339 timestamp or a YYYY-MM-DD date. A date-only upper bound covers
// the whole day.
func parseTime(query url.Values, name string, upper bool) (time.Time, error) {
	raw := strings.TrimSpace(query.Get(name))
	if raw == "" {
		return time.Time{}, nil
	}

	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}

	d, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be RFC 3339 or YYYY-MM-DD, got %q", errInvalidQuery, name, raw)
	}

	if upper {
		return d.Add(24*time.Hour - time.Nanosecond), nil
	}

	return d, nil
}

// parseRange reads from/to and rejects inverted ranges.
func parseRange(query url.Values) (time.Time, time.Time, error) {
	from, err := parseTime(query, "from", false)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	to, err := parseTime(query, "to", true)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: to must not be before from", errInvalidQuery)
	}

	return from, to, nil
}

// requiredFloat reads a mandatory finite float parameter.
func requiredFloat(query url.Values, name string) (float64, error) {
	raw := strings.TrimSpace(query.Get(name))
	if raw == "" {
		return 0, fmt.Errorf("%w: %s is required", errInvalidQuery, name)
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s must be a number, got %q", errInvalidQuery, name, raw)
	}

	return v, nil
}
