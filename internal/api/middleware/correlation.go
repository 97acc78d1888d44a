package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"
)

const (
	correlationIDHeader = "X-Correlation-ID"
	correlationIDSize   = 8
	maxCorrelationIDLen = 128
)

type correlationIDKey struct{}

// CorrelationID propagates the caller's X-Correlation-ID or generates one, and echoes it on
// the response. Incoming IDs that are too long or contain control characters are replaced.
func CorrelationID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := r.Header.Get(correlationIDHeader)
			if !validCorrelationID(correlationID) {
				correlationID = generateCorrelationID()
			}

			w.Header().Set(correlationIDHeader, correlationID)

			ctx := context.WithValue(r.Context(), correlationIDKey{}, correlationID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCorrelationID returns the ID CorrelationID stored on ctx, or "unknown" outside a request.
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return correlationID
	}

	return "unknown"
}

func validCorrelationID(id string) bool {
	if id == "" || len(id) > maxCorrelationIDLen {
		return false
	}

	for _, c := range id {
		if c < 0x21 || c > 0x7e {
			return false
		}
	}

	return true
}

// generateCorrelationID returns 16 hex characters from crypto/rand, falling back to the
// current time when the entropy source fails.
func generateCorrelationID() string {
	bytes := make([]byte, correlationIDSize)
	if _, err := rand.Read(bytes); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}

	return hex.EncodeToString(bytes)
}
