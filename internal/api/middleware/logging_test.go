package middleware_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breatheroute/aqingest/internal/api/middleware"
)

func logEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogger_LogsRequest(t *testing.T) {
	var buf bytes.Buffer
	handler := middleware.Logger(zerolog.New(&buf))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("response body"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/stations", http.NoBody)
	req.Header.Set("User-Agent", "test-agent")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entry := logEntry(t, &buf)
	assert.Equal(t, "request completed", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "GET", entry["method"])
	assert.Equal(t, "/v1/stations", entry["path"])
	assert.Equal(t, "/v1/stations", entry["route"])
	assert.Equal(t, float64(200), entry["status"])
	assert.Equal(t, float64(13), entry["bytes"])
	assert.Equal(t, "test-agent", entry["user_agent"])
	assert.Contains(t, entry, "duration")
}

func TestLogger_LevelFollowsStatus(t *testing.T) {
	tests := map[int]string{
		http.StatusOK:                  "info",
		http.StatusBadRequest:          "warn",
		http.StatusServiceUnavailable:  "error",
		http.StatusInternalServerError: "error",
	}

	for status, level := range tests {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var buf bytes.Buffer
			handler := middleware.Logger(zerolog.New(&buf))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(status)
			}))
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/stats", http.NoBody))

			entry := logEntry(t, &buf)
			assert.Equal(t, level, entry["level"])
			assert.Equal(t, float64(status), entry["status"])
		})
	}
}

func TestLogger_IncludesRequestAndTraceIDs(t *testing.T) {
	_, cleanup := setupTestTracer()
	defer cleanup()

	var buf bytes.Buffer
	handler := middleware.RequestID(middleware.Tracing("aqingest-api")(
		middleware.Logger(zerolog.New(&buf))(okHandler),
	))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/stats", http.NoBody))

	entry := logEntry(t, &buf)
	requestID, _ := entry["request_id"].(string)
	assert.Contains(t, requestID, "req_")

	traceID, _ := entry["trace_id"].(string)
	assert.Len(t, traceID, 32)
	spanID, _ := entry["span_id"].(string)
	assert.Len(t, spanID, 16)
}
