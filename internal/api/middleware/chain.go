// Package middleware provides the HTTP middleware of the Aquifer API.
package middleware

import (
	"log/slog"
	"net/http"

	"github.com/aquifer-io/aquifer/internal/observability"
)

// Option wraps a handler with one layer of the Aquifer request pipeline.
type Option func(http.Handler) http.Handler

// Apply wraps handler so that options run in the order given: the first option sees the
// request first. The server builds its pipeline like this:
//
//	handler := middleware.Apply(mux,
//	    middleware.WithCorrelationID(),
//	    middleware.WithRecovery(logger),
//	    middleware.WithAuth(store, logger),
//	    middleware.WithRateLimit(limiter, logger),
//	    middleware.WithRequestLogger(logger, metrics),
//	    middleware.WithCORS(corsConfig),
//	)
func Apply(handler http.Handler, options ...Option) http.Handler {
	for i := len(options) - 1; i >= 0; i-- {
		handler = options[i](handler)
	}

	return handler
}

func passthrough(next http.Handler) http.Handler {
	return next
}

// WithCorrelationID tags every request with an X-Correlation-ID.
func WithCorrelationID() Option {
	return CorrelationID()
}

// WithRecovery converts handler panics into 500 problem responses.
func WithRecovery(logger *slog.Logger) Option {
	return Recovery(logger)
}

// WithAuth resolves station and dashboard API keys through store. Without a store every
// request passes unauthenticated.
func WithAuth(store APIKeyStore, logger *slog.Logger) Option {
	if store == nil {
		return passthrough
	}

	return Authenticate(store, logger)
}

// WithRateLimit throttles callers through limiter. A nil limiter leaves traffic unthrottled.
func WithRateLimit(limiter RateLimiter, logger *slog.Logger) Option {
	if limiter == nil {
		return passthrough
	}

	return RateLimit(limiter, logger)
}

// WithRequestLogger emits the access log and, when metrics is set, per-route HTTP metrics.
func WithRequestLogger(logger *slog.Logger, metrics *observability.Metrics) Option {
	return RequestLogger(logger, metrics)
}

// WithCORS lets the configured dashboard origins call the API from a browser.
func WithCORS(config CORSConfig) Option {
	return CORS(config)
}
