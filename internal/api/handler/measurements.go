package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/breatheroute/aqingest/internal/airquality"
	"github.com/breatheroute/aqingest/internal/api/middleware"
	"github.com/breatheroute/aqingest/internal/api/models"
	"github.com/breatheroute/aqingest/internal/api/response"
)

// ReadService is the read side of the measurement store.
type ReadService interface {
	Stations(ctx context.Context) ([]airquality.Station, error)
	Metrics(ctx context.Context) ([]airquality.Metric, error)
	Measurements(ctx context.Context, q airquality.RangeQuery) ([]airquality.StoredRow, error)
	Stats(ctx context.Context) (airquality.StoreStats, error)
	InvalidateStats()
	CacheStatus() airquality.CacheStatus
}

// MeasurementHandler serves catalog, measurement and statistics endpoints.
type MeasurementHandler struct {
	svc    ReadService
	logger zerolog.Logger
}

// NewMeasurementHandler creates a MeasurementHandler.
func NewMeasurementHandler(svc ReadService, logger zerolog.Logger) *MeasurementHandler {
	return &MeasurementHandler{svc: svc, logger: logger}
}

// ListStations handles GET /v1/stations.
func (h *MeasurementHandler) ListStations(w http.ResponseWriter, r *http.Request) {
	stations, err := h.svc.Stations(r.Context())
	if err != nil {
		h.fail(w, r, err, "list stations")
		return
	}

	items := make([]models.Station, 0, len(stations))
	for _, s := range stations {
		items = append(items, models.StationFrom(s))
	}
	response.JSON(w, r, http.StatusOK, models.ListResponse[models.Station]{Items: items})
}

// ListMetrics handles GET /v1/metrics.
func (h *MeasurementHandler) ListMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.svc.Metrics(r.Context())
	if err != nil {
		h.fail(w, r, err, "list metrics")
		return
	}

	items := make([]models.Metric, 0, len(metrics))
	for _, m := range metrics {
		items = append(items, models.MetricFrom(m))
	}
	response.JSON(w, r, http.StatusOK, models.ListResponse[models.Metric]{Items: items})
}

// GetMeasurements handles GET /v1/measurements?station=&metric=&from=&to=.
// from and to are RFC 3339; the range is [from, to) and rows are ascending.
func (h *MeasurementHandler) GetMeasurements(w http.ResponseWriter, r *http.Request) {
	q, fieldErrs := parseRangeQuery(r)
	if len(fieldErrs) > 0 {
		response.BadRequest(w, r, "invalid measurement query", fieldErrs)
		return
	}

	rows, err := h.svc.Measurements(r.Context(), q)
	if err != nil {
		h.fail(w, r, err, "query measurements")
		return
	}

	response.JSON(w, r, http.StatusOK, models.SeriesFrom(q, rows))
}

// GetStats handles GET /v1/stats. Cache-Control: no-cache bypasses the
// cached statistics.
func (h *MeasurementHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(strings.ToLower(r.Header.Get("Cache-Control")), "no-cache") {
		h.svc.InvalidateStats()
	}

	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		h.fail(w, r, err, "store stats")
		return
	}

	body := models.StatsFrom(stats)
	if cache := h.svc.CacheStatus(); cache.HasData {
		cachedAt := models.Timestamp(cache.FetchedAt)
		body.CachedAt = &cachedAt
		body.Stale = cache.IsExpired
	}
	response.JSON(w, r, http.StatusOK, body)
}

func (h *MeasurementHandler) fail(w http.ResponseWriter, r *http.Request, err error, op string) {
	h.logger.Error().
		Err(err).
		Str("request_id", middleware.GetRequestID(r.Context())).
		Str("op", op).
		Msg("read request failed")
	response.FromError(w, r, err)
}

func parseRangeQuery(r *http.Request) (airquality.RangeQuery, []models.FieldError) {
	values := r.URL.Query()
	var errs []models.FieldError

	required := func(name string) string {
		v := strings.TrimSpace(values.Get(name))
		if v == "" {
			errs = append(errs, models.FieldError{Field: name, Message: "is required", Code: models.CodeRequired})
		}
		return v
	}
	timestamp := func(name string) time.Time {
		v := required(name)
		if v == "" {
			return time.Time{}
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			errs = append(errs, models.FieldError{Field: name, Message: "must be an RFC 3339 timestamp", Code: models.CodeInvalidTime})
			return time.Time{}
		}
		return t.UTC()
	}

	q := airquality.RangeQuery{
		StationID: airquality.StationID(required("station")),
		MetricID:  airquality.MetricID(required("metric")),
		From:      timestamp("from"),
		To:        timestamp("to"),
	}
	if len(errs) == 0 && !q.From.Before(q.To) {
		errs = append(errs, models.FieldError{Field: "to", Message: "must be after from", Code: models.CodeInvalidRange})
	}
	return q, errs
}
