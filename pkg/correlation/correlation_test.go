package correlation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithID(t *testing.T) {
	assert.Empty(t, FromContext(context.Background()))
	ctx := WithID(context.Background(), "corr-1")
	assert.Equal(t, "corr-1", FromContext(ctx))
	assert.Empty(t, RequestIDFromContext(ctx))
}

func TestMiddleware(t *testing.T) {
	var seenRequest, seenSaga string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenRequest = RequestIDFromContext(r.Context())
		seenSaga = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-1", seenRequest)
	assert.Equal(t, "req-1", rec.Header().Get(RequestIDHeader))
	assert.Empty(t, seenSaga)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seenRequest)
	assert.Equal(t, seenRequest, rec.Header().Get(RequestIDHeader))
}

func TestMiddleware_ClientCorrelationIsOnlyARequestID(t *testing.T) {
	var seenRequest, seenSaga string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenRequest = RequestIDFromContext(r.Context())
		seenSaga = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/orders", nil)
	req.Header.Set(Header, "client-chosen")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "client-chosen", seenRequest)
	assert.Empty(t, seenSaga)
	assert.Empty(t, rec.Header().Get(Header))
}
