package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationMiddleware_GeneratesID(t *testing.T) {
	var seen string
	handler := CorrelationMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(CorrelationIDHeader))
}

func TestCorrelationMiddleware_HonorsInboundID(t *testing.T) {
	handler := CorrelationMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc-123", CorrelationIDFromContext(r.Context()))
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CorrelationIDHeader, "abc-123")
	handler.ServeHTTP(httptest.NewRecorder(), req)
}

func TestCorrelationMiddleware_RejectsMalformedID(t *testing.T) {
	var seen string
	handler := CorrelationMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CorrelationIDHeader, "bad id\nwith newline")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.NotEqual(t, "bad id\nwith newline", seen)
	assert.NotEmpty(t, seen)
}

func TestGetOrCreateCorrelationID(t *testing.T) {
	ctx := context.Background()

	ctx, id := GetOrCreateCorrelationID(ctx)
	require.NotEmpty(t, id)

	_, again := GetOrCreateCorrelationID(ctx)
	assert.Equal(t, id, again)
}
