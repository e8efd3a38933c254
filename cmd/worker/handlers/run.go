// Package handlers implements the worker's operational HTTP surface:
// health, metrics and read-only run inspection plus cancel. Workflow CRUD
// and run triggering live outside this service.
package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/flowmesh/flowmesh/common/dispatch"
	"github.com/flowmesh/flowmesh/common/fault"
	"github.com/flowmesh/flowmesh/common/logger"
	"github.com/flowmesh/flowmesh/common/models"
)

// RunHandler serves run inspection and cancellation. All routes are tenant
// scoped through the tenant_id query parameter.
type RunHandler struct {
	dispatcher *dispatch.Dispatcher
	log        *logger.Logger
}

// NewRunHandler creates a new run handler
func NewRunHandler(d *dispatch.Dispatcher, log *logger.Logger) *RunHandler {
	return &RunHandler{dispatcher: d, log: log}
}

// GetRun returns the current state of a run
// GET /api/v1/runs/:id?tenant_id=
func (h *RunHandler) GetRun(c echo.Context) error {
	tenantID, err := tenantOf(c)
	if err != nil {
		return err
	}
	runID := c.Param("id")

	run, err := h.dispatcher.Status(c.Request().Context(), tenantID, runID)
	if errors.Is(err, fault.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		h.log.Error("failed to load run", "run_id", runID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load run")
	}
	return c.JSON(http.StatusOK, run)
}

// ListRuns returns runs matching the filter, newest first
// GET /api/v1/runs?tenant_id=&workflow_id=&status=&limit=
func (h *RunHandler) ListRuns(c echo.Context) error {
	tenantID, err := tenantOf(c)
	if err != nil {
		return err
	}

	filter := models.RunFilter{
		TenantID:   tenantID,
		WorkflowID: c.QueryParam("workflow_id"),
	}
	if s := c.QueryParam("status"); s != "" {
		status, ok := parseStatus(s)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown status "+s)
		}
		filter.Status = status
	}
	if l := c.QueryParam("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		filter.Limit = n
	}

	runs, err := h.dispatcher.ListRuns(c.Request().Context(), filter)
	if err != nil {
		h.log.Error("failed to list runs", "tenant_id", tenantID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list runs")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// GetRunLogs returns the per-node execution records of a run
// GET /api/v1/runs/:id/logs?tenant_id=
func (h *RunHandler) GetRunLogs(c echo.Context) error {
	tenantID, err := tenantOf(c)
	if err != nil {
		return err
	}
	runID := c.Param("id")

	// The run lookup distinguishes "no logs yet" from "no such run".
	if _, err := h.dispatcher.Status(c.Request().Context(), tenantID, runID); err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		h.log.Error("failed to load run", "run_id", runID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load run")
	}

	logs, err := h.dispatcher.GetRunLogs(c.Request().Context(), tenantID, runID)
	if err != nil {
		h.log.Error("failed to load run logs", "run_id", runID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load run logs")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"run_id": runID,
		"nodes":  logs,
		"count":  len(logs),
	})
}

// CancelRun requests cancellation of a run
// POST /api/v1/runs/:id/cancel?tenant_id=
func (h *RunHandler) CancelRun(c echo.Context) error {
	tenantID, err := tenantOf(c)
	if err != nil {
		return err
	}
	runID := c.Param("id")

	ok, err := h.dispatcher.Cancel(c.Request().Context(), tenantID, runID)
	if errors.Is(err, fault.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		h.log.Error("failed to cancel run", "run_id", runID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to cancel run")
	}
	if !ok {
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"run_id":    runID,
			"cancelled": false,
			"reason":    "run already finished",
		})
	}
	// Accepted, not done: a running run cancels when its worker notices.
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"run_id":    runID,
		"cancelled": true,
	})
}

func tenantOf(c echo.Context) (string, error) {
	tenantID := c.QueryParam("tenant_id")
	if tenantID == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "tenant_id is required")
	}
	return tenantID, nil
}

func parseStatus(s string) (models.RunStatus, bool) {
	switch models.RunStatus(strings.ToUpper(s)) {
	case models.StatusPending:
		return models.StatusPending, true
	case models.StatusRunning:
		return models.StatusRunning, true
	case models.StatusCompleted:
		return models.StatusCompleted, true
	case models.StatusFailed:
		return models.StatusFailed, true
	case models.StatusCancelled:
		return models.StatusCancelled, true
	default:
		return "", false
	}
}
