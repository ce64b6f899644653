package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// CorrelationHeader carries the id that ties an HTTP call to its log lines.
const CorrelationHeader = "X-Correlation-ID"

const maxCorrelationIDLen = 128

type contextKey struct{}

// CorrelationID propagates the caller's X-Correlation-ID or mints a UUID
// when it is missing or oversized, then echoes it on the response.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationHeader)
		if id == "" || len(id) > maxCorrelationIDLen {
			id = uuid.NewString()
		}
		w.Header().Set(CorrelationHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, id)))
	})
}

// GetCorrelationID returns "" outside a request handled by CorrelationID.
func GetCorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(contextKey{}).(string)
	return v
}
