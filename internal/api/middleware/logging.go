package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aquifer-io/aquifer/internal/observability"
)

const unmatchedRoute = "unmatched"

// RequestLogger writes one access log line per request and, when metrics is not nil, counts
// requests and observes latency per ServeMux pattern. Raw paths are never used as labels.
func RequestLogger(logger *slog.Logger, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			elapsed := time.Since(start)

			// ServeMux records the matched pattern on the request it was handed.
			route := r.Pattern
			if route == "" {
				route = unmatchedRoute
			}

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("route", route),
				slog.Int("status_code", rec.status),
				slog.Int64("bytes", rec.written),
				slog.Duration("duration", elapsed),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("correlation_id", GetCorrelationID(r.Context())),
			}

			if client, ok := GetClientContext(r.Context()); ok {
				attrs = append(attrs, slog.String("client_id", client.ClientID))
			}

			level := slog.LevelInfo
			if rec.status >= http.StatusInternalServerError {
				level = slog.LevelError
			}

			logger.LogAttrs(r.Context(), level, "HTTP request", attrs...)

			if metrics != nil {
				metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
				metrics.HTTPDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
			}
		})
	}
}

// statusRecorder captures the status code and body size written by the handler.
type statusRecorder struct {
	http.ResponseWriter

	status      int
	written     int64
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}

	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true

	n, err := s.ResponseWriter.Write(b)
	s.written += int64(n)

	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
