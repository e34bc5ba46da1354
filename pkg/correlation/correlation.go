// Package correlation carries the saga correlation id and the inbound HTTP
// request id through a context.
package correlation

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const (
	// Header is the HTTP and Kafka header carrying the saga correlation id.
	Header = "X-Correlation-ID"
	// RequestIDHeader carries the caller's id for one HTTP request.
	RequestIDHeader = "X-Request-ID"
)

type (
	ctxKey       struct{}
	requestIDKey struct{}
)

func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the correlation id or "" when none is set.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Middleware tags the request context with a request id taken from
// X-Request-ID, or from a client-sent X-Correlation-ID, or generated. The id
// is echoed as X-Request-ID. It never becomes a saga correlation id.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = r.Header.Get(Header)
		}
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}
