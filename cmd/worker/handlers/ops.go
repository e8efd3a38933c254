package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/flowmesh/flowmesh/common/bootstrap"
)

// OpsHandler serves liveness and readiness.
type OpsHandler struct {
	components *bootstrap.Components
}

// NewOpsHandler creates a new ops handler
func NewOpsHandler(components *bootstrap.Components) *OpsHandler {
	return &OpsHandler{components: components}
}

// Healthz reports process liveness
// GET /healthz
func (h *OpsHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"status": "ok"})
}

// Readyz reports whether the backing store and Redis are reachable
// GET /readyz
func (h *OpsHandler) Readyz(c echo.Context) error {
	if err := h.components.Health(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unavailable",
			"error":  err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"status": "ready"})
}
