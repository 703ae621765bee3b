// Package handler provides the HTTP handlers of the reporting API.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/breatheroute/aqingest/internal/airquality"
	"github.com/breatheroute/aqingest/internal/api/models"
	"github.com/breatheroute/aqingest/internal/api/response"
)

// readinessTimeout bounds the store ping of a readiness probe.
const readinessTimeout = 2 * time.Second

// Pinger reports whether the measurement store is reachable.
type Pinger interface {
	Ready(ctx context.Context) error
}

// OpsHandler handles operational endpoints.
type OpsHandler struct {
	version   string
	buildTime string
	store     Pinger
}

// NewOpsHandler creates a new OpsHandler.
func NewOpsHandler(version, buildTime string, store Pinger) *OpsHandler {
	return &OpsHandler{
		version:   version,
		buildTime: buildTime,
		store:     store,
	}
}

// HealthCheck handles GET /v1/ops/health. It never touches dependencies.
func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(time.Now()),
		Details: map[string]any{
			"version":   h.version,
			"buildTime": h.buildTime,
		},
	})
}

// ReadinessCheck handles GET /v1/ops/ready. It answers 503 while the store
// cannot be reached.
func (h *OpsHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	check := models.CheckResult{Name: "measurement-store", Status: models.HealthStatusOK}
	status := http.StatusOK
	if err := h.store.Ready(ctx); err != nil {
		check.Status = models.HealthStatusFail
		check.Detail = airquality.ErrStoreUnavailable.Error()
		status = http.StatusServiceUnavailable
	}

	response.JSON(w, r, status, models.Readiness{
		Status: check.Status,
		Time:   models.Timestamp(time.Now()),
		Checks: []models.CheckResult{check},
	})
}
