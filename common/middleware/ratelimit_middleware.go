// Package middleware holds echo middleware shared by the HTTP surfaces.
package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/flowmesh/flowmesh/common/ratelimit"
)

// tenantOf extracts the tenant the request acts for. The ops API carries it
// as a query parameter; header wins when both are set.
func tenantOf(c echo.Context) string {
	if t := c.Request().Header.Get("X-Tenant-ID"); t != "" {
		return t
	}
	return c.QueryParam("tenant_id")
}

// TenantRateLimit enforces a per-tenant request budget over a 60 second
// window. Requests without a tenant pass through; tenant validation belongs
// to the handlers. Limiter errors fail open so a Redis outage degrades to
// unlimited rather than unavailable.
func TenantRateLimit(limiter *ratelimit.Limiter, perMinute int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if limiter == nil || perMinute <= 0 {
				return next(c)
			}
			tenantID := tenantOf(c)
			if tenantID == "" {
				return next(c)
			}

			result, err := limiter.CheckTenantLimit(c.Request().Context(), tenantID, perMinute, 60)
			if err != nil {
				return next(c)
			}
			if !result.Allowed {
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":               "tenant_rate_limit_exceeded",
					"tenant_id":           tenantID,
					"limit":               result.Limit,
					"window":              "60 seconds",
					"retry_after_seconds": result.RetryAfterSeconds,
				})
			}
			return next(c)
		}
	}
}
