// Package api provides the read-only reporting API over the measurement store.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/breatheroute/aqingest/internal/api/handler"
	"github.com/breatheroute/aqingest/internal/api/middleware"
	"github.com/breatheroute/aqingest/internal/api/response"
	"github.com/breatheroute/aqingest/internal/auth"
)

// ReadService is what the router needs from the measurement read service.
type ReadService interface {
	handler.ReadService
	handler.Pinger
}

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version     string
	BuildTime   string
	Logger      zerolog.Logger
	ServiceName string
	Metrics     *middleware.Metrics
	Tokens      middleware.TokenValidator
	Service     ReadService
	RequireTLS  bool
}

// NewRouter creates the chi router with all API routes configured.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "aqingest-api"
	}

	// Order matters: the request id must exist before spans and logs.
	r.Use(middleware.RequestID)
	r.Use(middleware.Tracing(serviceName))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware())
	}
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.RequireTLS(cfg.RequireTLS))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.NotFound(w, r, "no such endpoint")
	})

	opsHandler := handler.NewOpsHandler(cfg.Version, cfg.BuildTime, cfg.Service)
	measurementHandler := handler.NewMeasurementHandler(cfg.Service, cfg.Logger)

	authenticated := chi.Chain(
		middleware.Auth(cfg.Tokens),
		middleware.RequireScope(auth.ScopeRead),
	)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/ops", func(r chi.Router) {
			r.Get("/health", opsHandler.HealthCheck)
			r.Get("/ready", opsHandler.ReadinessCheck)
		})

		r.Group(func(r chi.Router) {
			r.Use(authenticated...)

			r.With(middleware.RateLimitBySubject(middleware.StandardRateLimit)).Group(func(r chi.Router) {
				r.Get("/stations", measurementHandler.ListStations)
				r.Get("/metrics", measurementHandler.ListMetrics)
				r.Get("/stats", measurementHandler.GetStats)
			})

			r.With(middleware.RateLimitBySubject(middleware.QueryRateLimit)).
				Get("/measurements", measurementHandler.GetMeasurements)
		})
	})

	return r
}
