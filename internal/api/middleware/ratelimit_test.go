package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breatheroute/aqingest/internal/api/middleware"
)

func serveFrom(h http.Handler, ip, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/measurements", http.NoBody)
	req.RemoteAddr = ip
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimitByIP(t *testing.T) {
	handler := middleware.RateLimitByIP(middleware.RateLimitConfig{RequestLimit: 2, WindowLength: time.Minute})(okHandler)

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, serveFrom(handler, "172.16.0.1:12345", "").Code)
	}

	rec := serveFrom(handler, "172.16.0.1:12345", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "too-many-requests")
	assert.Contains(t, rec.Body.String(), "/v1/measurements")

	assert.Equal(t, http.StatusOK, serveFrom(handler, "172.16.0.2:12345", "").Code)
}

func TestRateLimitBySubject_SharesBudgetAcrossIPs(t *testing.T) {
	svc := newTokenService(t)
	token, _, err := svc.Issue("dashboard")
	require.NoError(t, err)

	limit := middleware.RateLimitBySubject(middleware.RateLimitConfig{RequestLimit: 2, WindowLength: 30 * time.Second})
	handler := middleware.Auth(svc)(limit(okHandler))

	assert.Equal(t, http.StatusOK, serveFrom(handler, "10.0.0.1:1", "Bearer "+token).Code)
	assert.Equal(t, http.StatusOK, serveFrom(handler, "10.0.0.2:1", "Bearer "+token).Code)

	rec := serveFrom(handler, "10.0.0.3:1", "Bearer "+token)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
}

func TestRateLimitBySubject_FallsBackToIP(t *testing.T) {
	handler := middleware.RateLimitBySubject(middleware.RateLimitConfig{RequestLimit: 1, WindowLength: time.Minute})(okHandler)

	assert.Equal(t, http.StatusOK, serveFrom(handler, "192.168.1.1:1", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, serveFrom(handler, "192.168.1.1:1", "").Code)
	assert.Equal(t, http.StatusOK, serveFrom(handler, "192.168.1.2:1", "").Code)
}

func TestDefaultRateLimitConfigs(t *testing.T) {
	assert.Equal(t, 30, middleware.QueryRateLimit.RequestLimit)
	assert.Equal(t, 100, middleware.StandardRateLimit.RequestLimit)
	assert.Equal(t, time.Minute, middleware.StandardRateLimit.WindowLength)
}
