// Package middleware holds the HTTP middleware of the operator API.
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type correlationKey struct{}

const (
	requestIDHeader = "X-Request-ID"
	maxRequestIDLen = 64
)

// CorrelationID tags the request with an id, taken from X-Request-ID when the
// caller sent a usable one, echoes it back and attaches it to the active span.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" || len(reqID) > maxRequestIDLen {
			reqID = uuid.NewString()
		}

		trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("request.id", reqID))
		w.Header().Set(requestIDHeader, reqID)

		ctx := context.WithValue(r.Context(), correlationKey{}, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext returns the id set by CorrelationID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
