// Package response writes JSON bodies and RFC 7807 problems for the API.
package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/breatheroute/aqingest/internal/airquality"
	"github.com/breatheroute/aqingest/internal/api/middleware"
	"github.com/breatheroute/aqingest/internal/api/models"
)

// JSON writes data as JSON with the given status and the request id header.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	if requestID := middleware.GetRequestID(r.Context()); requestID != "" {
		w.Header().Set("X-Request-Id", requestID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Error writes problem for the request path.
func Error(w http.ResponseWriter, r *http.Request, problem *models.Problem) {
	problem.Instance = r.URL.Path
	problem.Write(w)
}

// BadRequest writes a 400 problem.
func BadRequest(w http.ResponseWriter, r *http.Request, detail string, errors []models.FieldError) {
	Error(w, r, models.NewBadRequest(middleware.GetRequestID(r.Context()), detail, errors))
}

// Unauthorized writes a 401 problem.
func Unauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	Error(w, r, models.NewUnauthorized(middleware.GetRequestID(r.Context()), detail))
}

// Forbidden writes a 403 problem.
func Forbidden(w http.ResponseWriter, r *http.Request, detail string) {
	Error(w, r, models.NewForbidden(middleware.GetRequestID(r.Context()), detail))
}

// NotFound writes a 404 problem.
func NotFound(w http.ResponseWriter, r *http.Request, detail string) {
	Error(w, r, models.NewNotFound(middleware.GetRequestID(r.Context()), detail))
}

// RateLimitInfo contains rate limit information for 429 responses.
type RateLimitInfo struct {
	Limit      int
	Remaining  int
	ResetAt    int64
	RetryAfter int
}

// TooManyRequests writes a 429 problem with optional rate limit headers.
func TooManyRequests(w http.ResponseWriter, r *http.Request, detail string, info *RateLimitInfo) {
	if info != nil {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetAt, 10))
		if info.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(info.RetryAfter))
		}
	}
	Error(w, r, models.NewTooManyRequests(middleware.GetRequestID(r.Context()), detail))
}

// InternalError writes a 500 problem.
func InternalError(w http.ResponseWriter, r *http.Request, detail string) {
	Error(w, r, models.NewInternalError(middleware.GetRequestID(r.Context()), detail))
}

// ServiceUnavailable writes a 503 problem.
func ServiceUnavailable(w http.ResponseWriter, r *http.Request, detail string) {
	Error(w, r, models.NewServiceUnavailable(middleware.GetRequestID(r.Context()), detail))
}

// FromError maps a read service error to a problem. Internal details are
// not exposed for unclassified errors.
func FromError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, airquality.ErrRangeTooLarge):
		BadRequest(w, r, err.Error(), []models.FieldError{
			{Field: "to", Message: "range exceeds the maximum span", Code: models.CodeRangeTooWide},
		})
	case errors.Is(err, airquality.ErrInvalidWindow):
		BadRequest(w, r, err.Error(), []models.FieldError{
			{Field: "from", Message: "from must be before to", Code: models.CodeInvalidRange},
		})
	case errors.Is(err, airquality.ErrStoreUnavailable):
		ServiceUnavailable(w, r, "measurement store unavailable")
	default:
		InternalError(w, r, "an unexpected error occurred")
	}
}
