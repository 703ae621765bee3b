package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/breatheroute/aqingest/internal/api/middleware"
)

func serveRequestID(t *testing.T, incoming string) (ctxID, headerID string) {
	t.Helper()
	handler := middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID = middleware.GetRequestID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/stations", http.NoBody)
	if incoming != "" {
		req.Header.Set("X-Request-Id", incoming)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return ctxID, rec.Header().Get("X-Request-Id")
}

func TestRequestID_GeneratesNewID(t *testing.T) {
	ctxID, headerID := serveRequestID(t, "")
	assert.True(t, strings.HasPrefix(ctxID, "req_"))
	assert.Equal(t, ctxID, headerID)
}

func TestRequestID_PreservesSaneID(t *testing.T) {
	ctxID, headerID := serveRequestID(t, "dashboard-7f3a.01")
	assert.Equal(t, "dashboard-7f3a.01", ctxID)
	assert.Equal(t, "dashboard-7f3a.01", headerID)
}

func TestRequestID_ReplacesUnsafeID(t *testing.T) {
	for _, incoming := range []string{"has space", "line\nbreak", strings.Repeat("a", 65), "<script>"} {
		ctxID, _ := serveRequestID(t, incoming)
		assert.NotEqual(t, incoming, ctxID)
		assert.True(t, strings.HasPrefix(ctxID, "req_"))
	}
}

func TestRequestID_UniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, _ := serveRequestID(t, "")
		assert.False(t, seen[id], "duplicate request ID generated: %s", id)
		seen[id] = true
	}
}

func TestGetRequestID_EmptyWithoutMiddleware(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	assert.Empty(t, middleware.GetRequestID(req.Context()))
}
