// Package httpmw holds the ambient HTTP middleware stack: request
// tracing, security headers, CORS, rate limiting, a circuit breaker
// around backend calls, and response compression. All of it is
// carried regardless of the upload-engine's feature scope.
package httpmw

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"
)

type contextKey string

const correlationIDKey contextKey = "correlation_id"

const (
	headerCorrelationID = "X-Correlation-ID"
	headerRequestID     = "X-Request-ID"
)

func generateCorrelationID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return hex.EncodeToString([]byte(time.Now().Format(time.RFC3339Nano)))
	}
	return hex.EncodeToString(b)
}

// CorrelationID extracts the request's correlation ID from ctx, or ""
// if none was attached.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// Tracing attaches a correlation ID to the request context, honoring
// an incoming X-Correlation-ID/X-Request-ID, and echoes it back on the
// response.
func Tracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerCorrelationID)
		if id == "" {
			id = r.Header.Get(headerRequestID)
		}
		if id == "" {
			id = generateCorrelationID()
		}
		w.Header().Set(headerCorrelationID, id)
		ctx := context.WithValue(r.Context(), correlationIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
