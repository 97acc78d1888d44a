package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// publicEndpoints holds paths that bypass authentication (health checks, metrics scrapes).
var publicEndpoints sync.Map //nolint: gochecknoglobals

// RegisterPublicEndpoint registers an endpoint that bypasses authentication.
// Only health and monitoring endpoints belong here.
func RegisterPublicEndpoint(endpoint string) {
	publicEndpoints.Store(endpoint, true)
}

func isPublicEndpoint(path string) bool {
	_, ok := publicEndpoints.Load(path)

	return ok
}

type (
	// AuthError represents an authentication error with a specific type.
	AuthError struct {
		Type    error
		Message string
	}

	// clientContextKey is the context key for the authenticated client.
	clientContextKey struct{}

	// ClientContext identifies the authenticated caller of a request.
	ClientContext struct {
		ClientID string
		AuthTime time.Time
	}
)

// Authentication error types.
var (
	// ErrMissingAPIKey is returned when no API key is provided in headers.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidAPIKey is returned for malformed or unknown keys. The message is the same for
	// both so callers cannot enumerate client ids.
	ErrInvalidAPIKey = errors.New("invalid API key")
)

// Error implements the error interface for AuthError.
func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("authentication failed: %s: %s", e.Type.Error(), e.Message)
	}

	return "authentication failed: " + e.Type.Error()
}

// Unwrap returns the wrapped error type.
func (e *AuthError) Unwrap() error {
	return e.Type
}

// GetClientContext returns the authenticated client of the request, if any.
func GetClientContext(ctx context.Context) (ClientContext, bool) {
	clientCtx, ok := ctx.Value(clientContextKey{}).(ClientContext)

	return clientCtx, ok
}

// SetClientContext attaches an authenticated client to ctx.
func SetClientContext(ctx context.Context, clientCtx ClientContext) context.Context {
	return context.WithValue(ctx, clientContextKey{}, clientCtx)
}

// extractAPIKey reads the key from X-Api-Key, falling back to "Authorization: Bearer".
// Keys containing newlines are rejected.
func extractAPIKey(r *http.Request) (string, bool) {
	if apiKey := r.Header.Get("X-Api-Key"); apiKey != "" {
		return cleanAPIKey(apiKey)
	}

	authHeader := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
		return cleanAPIKey(token)
	}

	return "", false
}

func cleanAPIKey(key string) (string, bool) {
	if strings.ContainsAny(key, "\r\n") {
		return "", false
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return "", false
	}

	return key, true
}

// Authenticate validates API keys against store and records the client in the request context.
// Public endpoints pass through untouched.
func Authenticate(store APIKeyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicEndpoint(r.URL.Path) {
				next.ServeHTTP(w, r)

				return
			}

			authStart := time.Now()

			apiKey, found := extractAPIKey(r)
			if !found {
				writeAuthError(w, r, logger, &AuthError{Type: ErrMissingAPIKey, Message: "Missing API key"})

				return
			}

			key, ok := store.FindByKey(r.Context(), apiKey)
			if !ok {
				logger.Error("authentication failed: key rejected",
					slog.String("key", MaskKey(apiKey)),
					slog.String("correlation_id", GetCorrelationID(r.Context())),
				)

				writeAuthError(w, r, logger, &AuthError{Type: ErrInvalidAPIKey, Message: "Invalid or missing API key"})

				return
			}

			ctx := SetClientContext(r.Context(), ClientContext{ClientID: key.ClientID, AuthTime: time.Now()})

			logger.Debug("API key authenticated",
				slog.String("client_id", key.ClientID),
				slog.Duration("auth_latency", time.Since(authStart)),
				slog.String("correlation_id", GetCorrelationID(r.Context())),
				slog.String("endpoint", r.URL.Path),
			)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	correlationID := GetCorrelationID(r.Context())

	logger.Warn("Authentication failed",
		slog.String("reason", err.Error()),
		slog.String("correlation_id", correlationID),
		slog.String("endpoint", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
	)

	detail := err.Error()

	if err := writeRFC7807Error(w, r, http.StatusUnauthorized, detail, correlationID); err != nil {
		logger.Error("failed to write response with RFC 7807 error format",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
}

// writeRFC7807Error writes a problem document without importing the api package.
func writeRFC7807Error(w http.ResponseWriter, r *http.Request, statusCode int, detail, correlationID string) error {
	title := http.StatusText(statusCode)
	if title == "" {
		title = "Error"
	}

	problem := map[string]any{
		"type":           fmt.Sprintf("https://aquifer.io/problems/%d", statusCode),
		"title":          title,
		"status":         statusCode,
		"detail":         detail,
		"instance":       r.URL.Path,
		"error":          title,
		"correlation_id": correlationID,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(statusCode)

	return json.NewEncoder(w).Encode(problem)
}
