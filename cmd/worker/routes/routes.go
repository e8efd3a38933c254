// Package routes wires the worker's operational endpoints onto an echo
// instance.
package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowmesh/flowmesh/cmd/worker/handlers"
	"github.com/flowmesh/flowmesh/common/bootstrap"
	"github.com/flowmesh/flowmesh/common/dispatch"
	"github.com/flowmesh/flowmesh/common/middleware"
	"github.com/flowmesh/flowmesh/common/ratelimit"
)

// Register mounts health, metrics and the run inspection API.
func Register(e *echo.Echo, components *bootstrap.Components, d *dispatch.Dispatcher) {
	ops := handlers.NewOpsHandler(components)
	e.GET("/healthz", ops.Healthz)
	e.GET("/readyz", ops.Readyz)

	if reg := components.Metrics.Registry(); reg != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	h := handlers.NewRunHandler(d, components.Logger)
	runs := e.Group("/api/v1/runs")
	if limit := components.Config.Dispatch.RateLimitPerMinute; limit > 0 && components.Redis != nil {
		limiter := ratelimit.New(components.Redis.GetUnderlying(), components.Logger)
		runs.Use(middleware.TenantRateLimit(limiter, int64(limit)))
	}
	{
		runs.GET("", h.ListRuns)              // GET /api/v1/runs?tenant_id=
		runs.GET("/:id", h.GetRun)            // GET /api/v1/runs/{run_id}
		runs.GET("/:id/logs", h.GetRunLogs)   // GET /api/v1/runs/{run_id}/logs
		runs.POST("/:id/cancel", h.CancelRun) // POST /api/v1/runs/{run_id}/cancel
	}
}
