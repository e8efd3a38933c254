package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/common/bootstrap"
	"github.com/flowmesh/flowmesh/common/dispatch"
	"github.com/flowmesh/flowmesh/common/logger"
	"github.com/flowmesh/flowmesh/common/models"
	"github.com/flowmesh/flowmesh/common/queue"
	"github.com/flowmesh/flowmesh/common/repository"
)

func testLog() *logger.Logger {
	return logger.New("error", "text")
}

func setupHandler(t *testing.T) (*RunHandler, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	d := dispatch.New(&dispatch.Opts{
		Store:  store,
		Queue:  queue.NewMemoryQueue(1, testLog()),
		Logger: testLog(),
	})
	return NewRunHandler(d, testLog()), store
}

func seedRun(t *testing.T, store *repository.MemoryStore, tenantID string, status models.RunStatus) *models.WorkflowRun {
	t.Helper()
	ctx := context.Background()
	run := &models.WorkflowRun{
		ID:              uuid.NewString(),
		WorkflowID:      "wf-h",
		WorkflowVersion: 1,
		TenantID:        tenantID,
		Mode:            models.ModeManual,
		Status:          models.StatusPending,
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, store.CreateRun(ctx, run))
	if status != models.StatusPending {
		claimed, err := store.ClaimRun(ctx, tenantID, run.ID, "worker-h", time.Now().UTC())
		require.NoError(t, err)
		run = claimed
		if status.IsTerminal() {
			require.NoError(t, store.FinishRun(ctx, tenantID, run.ID, run.ClaimEpoch, status, ""))
			run.Status = status
		}
	}
	return run
}

func call(t *testing.T, h echo.HandlerFunc, method, target string, paramNames, paramValues []string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if len(paramNames) > 0 {
		c.SetParamNames(paramNames...)
		c.SetParamValues(paramValues...)
	}
	return rec, h(c)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	return got
}

func httpStatus(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	return he.Code
}

func TestGetRun(t *testing.T) {
	h, store := setupHandler(t)
	run := seedRun(t, store, "t1", models.StatusRunning)

	t.Run("found", func(t *testing.T) {
		rec, err := call(t, h.GetRun, http.MethodGet, "/api/v1/runs/"+run.ID+"?tenant_id=t1",
			[]string{"id"}, []string{run.ID})
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, rec.Code)
		got := decode(t, rec)
		require.Equal(t, run.ID, got["id"])
		require.Equal(t, string(models.StatusRunning), got["status"])
	})

	t.Run("missing tenant", func(t *testing.T) {
		_, err := call(t, h.GetRun, http.MethodGet, "/api/v1/runs/"+run.ID,
			[]string{"id"}, []string{run.ID})
		require.Equal(t, http.StatusBadRequest, httpStatus(t, err))
	})

	t.Run("unknown run", func(t *testing.T) {
		_, err := call(t, h.GetRun, http.MethodGet, "/api/v1/runs/nope?tenant_id=t1",
			[]string{"id"}, []string{"nope"})
		require.Equal(t, http.StatusNotFound, httpStatus(t, err))
	})

	t.Run("wrong tenant", func(t *testing.T) {
		_, err := call(t, h.GetRun, http.MethodGet, "/api/v1/runs/"+run.ID+"?tenant_id=t2",
			[]string{"id"}, []string{run.ID})
		require.Equal(t, http.StatusNotFound, httpStatus(t, err))
	})
}

func TestListRuns(t *testing.T) {
	h, store := setupHandler(t)
	seedRun(t, store, "t1", models.StatusCompleted)
	seedRun(t, store, "t1", models.StatusRunning)
	seedRun(t, store, "t2", models.StatusRunning)

	t.Run("tenant scoped", func(t *testing.T) {
		rec, err := call(t, h.ListRuns, http.MethodGet, "/api/v1/runs?tenant_id=t1", nil, nil)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, rec.Code)
		got := decode(t, rec)
		require.EqualValues(t, 2, got["count"])
	})

	t.Run("status filter", func(t *testing.T) {
		rec, err := call(t, h.ListRuns, http.MethodGet, "/api/v1/runs?tenant_id=t1&status=running", nil, nil)
		require.NoError(t, err)
		got := decode(t, rec)
		require.EqualValues(t, 1, got["count"])
	})

	t.Run("unknown status", func(t *testing.T) {
		_, err := call(t, h.ListRuns, http.MethodGet, "/api/v1/runs?tenant_id=t1&status=zombie", nil, nil)
		require.Equal(t, http.StatusBadRequest, httpStatus(t, err))
	})

	t.Run("bad limit", func(t *testing.T) {
		_, err := call(t, h.ListRuns, http.MethodGet, "/api/v1/runs?tenant_id=t1&limit=-3", nil, nil)
		require.Equal(t, http.StatusBadRequest, httpStatus(t, err))
	})
}

func TestGetRunLogs(t *testing.T) {
	h, store := setupHandler(t)
	run := seedRun(t, store, "t1", models.StatusRunning)

	now := time.Now().UTC()
	for i, node := range []string{"start", "a"} {
		require.NoError(t, store.RecordNodeResult(context.Background(), "t1", 0, &models.NodeExecutionResult{
			RunID:     run.ID,
			NodeID:    node,
			Status:    models.NodeSuccess,
			Attempt:   1,
			Output:    map[string]interface{}{},
			StartedAt: now.Add(time.Duration(i) * time.Millisecond),
			EndedAt:   now.Add(time.Duration(i+1) * time.Millisecond),
		}))
	}

	t.Run("ordered records", func(t *testing.T) {
		rec, err := call(t, h.GetRunLogs, http.MethodGet, "/api/v1/runs/"+run.ID+"/logs?tenant_id=t1",
			[]string{"id"}, []string{run.ID})
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, rec.Code)
		got := decode(t, rec)
		require.EqualValues(t, 2, got["count"])
		nodes := got["nodes"].([]interface{})
		first := nodes[0].(map[string]interface{})
		require.Equal(t, "start", first["node_id"])
	})

	t.Run("unknown run", func(t *testing.T) {
		_, err := call(t, h.GetRunLogs, http.MethodGet, "/api/v1/runs/nope/logs?tenant_id=t1",
			[]string{"id"}, []string{"nope"})
		require.Equal(t, http.StatusNotFound, httpStatus(t, err))
	})
}

func TestCancelRun(t *testing.T) {
	h, store := setupHandler(t)

	t.Run("pending run cancelled", func(t *testing.T) {
		run := seedRun(t, store, "t1", models.StatusPending)
		rec, err := call(t, h.CancelRun, http.MethodPost, "/api/v1/runs/"+run.ID+"/cancel?tenant_id=t1",
			[]string{"id"}, []string{run.ID})
		require.NoError(t, err)
		require.Equal(t, http.StatusAccepted, rec.Code)
		require.Equal(t, true, decode(t, rec)["cancelled"])

		after, err := store.GetRun(context.Background(), "t1", run.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusCancelled, after.Status)
	})

	t.Run("terminal run conflict", func(t *testing.T) {
		run := seedRun(t, store, "t1", models.StatusCompleted)
		rec, err := call(t, h.CancelRun, http.MethodPost, "/api/v1/runs/"+run.ID+"/cancel?tenant_id=t1",
			[]string{"id"}, []string{run.ID})
		require.NoError(t, err)
		require.Equal(t, http.StatusConflict, rec.Code)
		require.Equal(t, false, decode(t, rec)["cancelled"])
	})

	t.Run("unknown run", func(t *testing.T) {
		_, err := call(t, h.CancelRun, http.MethodPost, "/api/v1/runs/nope/cancel?tenant_id=t1",
			[]string{"id"}, []string{"nope"})
		require.Equal(t, http.StatusNotFound, httpStatus(t, err))
	})
}

func TestOpsHandlers(t *testing.T) {
	store := repository.NewMemoryStore()
	ops := NewOpsHandler(&bootstrap.Components{Logger: testLog(), Store: store})

	rec, err := call(t, ops.Healthz, http.MethodGet, "/healthz", nil, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, err = call(t, ops.Readyz, http.MethodGet, "/readyz", nil, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ready", decode(t, rec)["status"])
}
