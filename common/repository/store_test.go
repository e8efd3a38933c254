package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowmesh/flowmesh/common/fault"
	"github.com/flowmesh/flowmesh/common/logger"
	"github.com/flowmesh/flowmesh/common/models"
)

func testLog() *logger.Logger {
	return logger.New("error", "text")
}

// eachStore runs the same conformance checks against every embedded driver.
// The postgres store shares its SQL shape with sqlite and is covered by
// deployment smoke tests.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	drivers := []struct {
		name string
		open func(t *testing.T) Store
	}{
		{"memory", func(t *testing.T) Store { return NewMemoryStore() }},
		{"sqlite", func(t *testing.T) Store {
			s, err := NewSQLiteStore(":memory:", testLog())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			if err := s.Init(context.Background()); err != nil {
				t.Fatalf("init sqlite: %v", err)
			}
			return s
		}},
	}
	for _, d := range drivers {
		t.Run(d.name, func(t *testing.T) {
			fn(t, d.open(t))
		})
	}
}

func pendingRun(tenantID, runID string) *models.WorkflowRun {
	return &models.WorkflowRun{
		ID:              runID,
		WorkflowID:      "wf-1",
		WorkflowVersion: 1,
		TenantID:        tenantID,
		Mode:            models.ModeManual,
		Input:           map[string]interface{}{"orderId": "o-42"},
		Status:          models.StatusPending,
		CreatedAt:       time.Now().UTC(),
	}
}

func TestStoreCreateGetRun(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := pendingRun("t1", "r1")
		if err := s.CreateRun(ctx, run); err != nil {
			t.Fatalf("create: %v", err)
		}

		got, err := s.GetRun(ctx, "t1", "r1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.WorkflowID != "wf-1" || got.Status != models.StatusPending || got.ClaimEpoch != 0 {
			t.Errorf("unexpected run: %+v", got)
		}
		if got.Input["orderId"] != "o-42" {
			t.Errorf("input not preserved: %v", got.Input)
		}

		if err := s.CreateRun(ctx, run); !errors.Is(err, fault.ErrConflict) {
			t.Errorf("duplicate create: got %v, want conflict", err)
		}
		if _, err := s.GetRun(ctx, "t1", "missing"); !errors.Is(err, fault.ErrNotFound) {
			t.Errorf("missing run: got %v, want not found", err)
		}
		// Tenant isolation.
		if _, err := s.GetRun(ctx, "t2", "r1"); !errors.Is(err, fault.ErrNotFound) {
			t.Errorf("cross-tenant get: got %v, want not found", err)
		}
	})
}

func TestStoreClaimRun(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.CreateRun(ctx, pendingRun("t1", "r1")); err != nil {
			t.Fatalf("create: %v", err)
		}
		notStale := time.Now().UTC().Add(-time.Hour)

		run, err := s.ClaimRun(ctx, "t1", "r1", "worker-a", notStale)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if run.Status != models.StatusRunning || run.ClaimEpoch != 1 || run.WorkerID != "worker-a" {
			t.Errorf("claimed run: %+v", run)
		}
		if run.StartedAt == nil || run.HeartbeatAt == nil {
			t.Error("claim must set started_at and heartbeat_at")
		}

		// A live claim cannot be stolen.
		if _, err := s.ClaimRun(ctx, "t1", "r1", "worker-b", notStale); !errors.Is(err, fault.ErrConflict) {
			t.Errorf("steal live claim: got %v, want conflict", err)
		}

		// A stale heartbeat can be seized; the epoch fences out the old owner.
		seized, err := s.ClaimRun(ctx, "t1", "r1", "worker-b", time.Now().UTC().Add(time.Hour))
		if err != nil {
			t.Fatalf("seize stale: %v", err)
		}
		if seized.ClaimEpoch != 2 || seized.WorkerID != "worker-b" {
			t.Errorf("seized run: epoch=%d worker=%s", seized.ClaimEpoch, seized.WorkerID)
		}

		if _, err := s.ClaimRun(ctx, "t1", "missing", "worker-a", notStale); !errors.Is(err, fault.ErrNotFound) {
			t.Errorf("claim missing: got %v, want not found", err)
		}
	})
}

func TestStoreHeartbeatFencing(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.CreateRun(ctx, pendingRun("t1", "r1")); err != nil {
			t.Fatalf("create: %v", err)
		}
		run, err := s.ClaimRun(ctx, "t1", "r1", "worker-a", time.Now().UTC().Add(-time.Hour))
		if err != nil {
			t.Fatalf("claim: %v", err)
		}

		if err := s.Heartbeat(ctx, "t1", "r1", run.ClaimEpoch); err != nil {
			t.Errorf("heartbeat at own epoch: %v", err)
		}
		if err := s.Heartbeat(ctx, "t1", "r1", run.ClaimEpoch+1); !errors.Is(err, fault.ErrFenced) {
			t.Errorf("heartbeat at wrong epoch: got %v, want fenced", err)
		}

		if err := s.FinishRun(ctx, "t1", "r1", run.ClaimEpoch, models.StatusCompleted, ""); err != nil {
			t.Fatalf("finish: %v", err)
		}
		if err := s.Heartbeat(ctx, "t1", "r1", run.ClaimEpoch); !errors.Is(err, fault.ErrFenced) {
			t.Errorf("heartbeat after finish: got %v, want fenced", err)
		}
	})
}

func TestStoreFinishRun(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.CreateRun(ctx, pendingRun("t1", "r1")); err != nil {
			t.Fatalf("create: %v", err)
		}
		run, err := s.ClaimRun(ctx, "t1", "r1", "worker-a", time.Now().UTC().Add(-time.Hour))
		if err != nil {
			t.Fatalf("claim: %v", err)
		}

		if err := s.FinishRun(ctx, "t1", "r1", run.ClaimEpoch+5, models.StatusCompleted, ""); !errors.Is(err, fault.ErrFenced) {
			t.Errorf("finish at wrong epoch: got %v, want fenced", err)
		}
		if err := s.FinishRun(ctx, "t1", "r1", run.ClaimEpoch, models.StatusFailed, "adapter exploded"); err != nil {
			t.Fatalf("finish: %v", err)
		}

		got, err := s.GetRun(ctx, "t1", "r1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != models.StatusFailed || got.ErrorMessage != "adapter exploded" || got.EndedAt == nil {
			t.Errorf("finished run: %+v", got)
		}

		// Terminal is final.
		if err := s.FinishRun(ctx, "t1", "r1", run.ClaimEpoch, models.StatusCompleted, ""); !errors.Is(err, fault.ErrConflict) {
			t.Errorf("finish terminal run: got %v, want conflict", err)
		}
	})
}

func TestStoreFinishRunEpochZeroBypass(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.CreateRun(ctx, pendingRun("t1", "r1")); err != nil {
			t.Fatalf("create: %v", err)
		}

		// Epoch 0 is the dispatcher path: cancel a run nobody claimed yet.
		if err := s.FinishRun(ctx, "t1", "r1", 0, models.StatusCancelled, "cancelled before start"); err != nil {
			t.Fatalf("finish pending with epoch 0: %v", err)
		}
		got, err := s.GetRun(ctx, "t1", "r1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != models.StatusCancelled {
			t.Errorf("status = %s, want CANCELLED", got.Status)
		}
	})
}

func TestStoreRequestCancel(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.CreateRun(ctx, pendingRun("t1", "r1")); err != nil {
			t.Fatalf("create: %v", err)
		}

		ok, err := s.RequestCancel(ctx, "t1", "r1")
		if err != nil || !ok {
			t.Fatalf("request cancel: ok=%v err=%v", ok, err)
		}
		requested, err := s.CancelRequested(ctx, "t1", "r1")
		if err != nil || !requested {
			t.Errorf("cancel flag: requested=%v err=%v", requested, err)
		}

		if err := s.FinishRun(ctx, "t1", "r1", 0, models.StatusCancelled, ""); err != nil {
			t.Fatalf("finish: %v", err)
		}
		ok, err = s.RequestCancel(ctx, "t1", "r1")
		if err != nil {
			t.Fatalf("request cancel on terminal: %v", err)
		}
		if ok {
			t.Error("cancel of terminal run must report false")
		}

		if _, err := s.RequestCancel(ctx, "t1", "missing"); !errors.Is(err, fault.ErrNotFound) {
			t.Errorf("cancel missing run: got %v, want not found", err)
		}
	})
}

func TestStoreNodeResults(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.CreateRun(ctx, pendingRun("t1", "r1")); err != nil {
			t.Fatalf("create: %v", err)
		}
		run, err := s.ClaimRun(ctx, "t1", "r1", "worker-a", time.Now().UTC().Add(-time.Hour))
		if err != nil {
			t.Fatalf("claim: %v", err)
		}

		base := time.Now().UTC().Truncate(time.Microsecond)
		first := &models.NodeExecutionResult{
			RunID:     "r1",
			NodeID:    "fetch",
			Status:    models.NodeFailed,
			Attempt:   1,
			Output:    nil,
			StartedAt: base,
			EndedAt:   base.Add(5 * time.Millisecond),
		}
		if err := s.RecordNodeResult(ctx, "t1", run.ClaimEpoch, first); err != nil {
			t.Fatalf("record: %v", err)
		}

		// Retry overwrites the same node's record.
		retry := *first
		retry.Status = models.NodeSuccess
		retry.Attempt = 2
		retry.Output = map[string]interface{}{"rows": float64(3)}
		if err := s.RecordNodeResult(ctx, "t1", run.ClaimEpoch, &retry); err != nil {
			t.Fatalf("record retry: %v", err)
		}

		second := &models.NodeExecutionResult{
			RunID:     "r1",
			NodeID:    "notify",
			Status:    models.NodeSuccess,
			Attempt:   1,
			StartedAt: base.Add(10 * time.Millisecond),
			EndedAt:   base.Add(12 * time.Millisecond),
		}
		if err := s.RecordNodeResult(ctx, "t1", run.ClaimEpoch, second); err != nil {
			t.Fatalf("record second: %v", err)
		}

		results, err := s.GetNodeResults(ctx, "t1", "r1")
		if err != nil {
			t.Fatalf("get results: %v", err)
		}
		if len(results) != 2 {
			t.Fatalf("got %d results, want 2", len(results))
		}
		if results[0].NodeID != "fetch" || results[1].NodeID != "notify" {
			t.Errorf("order: %s, %s", results[0].NodeID, results[1].NodeID)
		}
		if results[0].Attempt != 2 || results[0].Status != models.NodeSuccess {
			t.Errorf("retry not upserted: %+v", results[0])
		}
		if results[0].Output["rows"] != float64(3) {
			t.Errorf("output not preserved: %v", results[0].Output)
		}

		// A fenced-out epoch cannot write results.
		stale := *second
		stale.NodeID = "late"
		if err := s.RecordNodeResult(ctx, "t1", run.ClaimEpoch+1, &stale); !errors.Is(err, fault.ErrFenced) {
			t.Errorf("record at wrong epoch: got %v, want fenced", err)
		}
	})
}

func TestStoreListRuns(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().UTC().Truncate(time.Microsecond)

		for i, spec := range []struct {
			id     string
			wf     string
			status models.RunStatus
		}{
			{"r1", "wf-1", models.StatusPending},
			{"r2", "wf-1", models.StatusCompleted},
			{"r3", "wf-2", models.StatusPending},
		} {
			run := pendingRun("t1", spec.id)
			run.WorkflowID = spec.wf
			run.Status = spec.status
			run.CreatedAt = base.Add(time.Duration(i) * time.Second)
			if err := s.CreateRun(ctx, run); err != nil {
				t.Fatalf("create %s: %v", spec.id, err)
			}
		}
		other := pendingRun("t2", "r9")
		other.CreatedAt = base
		if err := s.CreateRun(ctx, other); err != nil {
			t.Fatalf("create other tenant: %v", err)
		}

		runs, err := s.ListRuns(ctx, models.RunFilter{TenantID: "t1"})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(runs) != 3 {
			t.Fatalf("got %d runs, want 3", len(runs))
		}
		if runs[0].ID != "r3" || runs[2].ID != "r1" {
			t.Errorf("expected newest first, got %s..%s", runs[0].ID, runs[2].ID)
		}

		runs, err = s.ListRuns(ctx, models.RunFilter{TenantID: "t1", Status: models.StatusPending})
		if err != nil {
			t.Fatalf("list by status: %v", err)
		}
		if len(runs) != 2 {
			t.Errorf("got %d pending runs, want 2", len(runs))
		}

		runs, err = s.ListRuns(ctx, models.RunFilter{TenantID: "t1", WorkflowID: "wf-1", Limit: 1})
		if err != nil {
			t.Fatalf("list by workflow: %v", err)
		}
		if len(runs) != 1 || runs[0].WorkflowID != "wf-1" {
			t.Errorf("workflow filter: %+v", runs)
		}
	})
}

func TestStoreStaleSweeps(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().UTC().Truncate(time.Microsecond)

		old := pendingRun("t1", "r-old")
		old.CreatedAt = base.Add(-10 * time.Minute)
		fresh := pendingRun("t1", "r-fresh")
		fresh.CreatedAt = base
		for _, run := range []*models.WorkflowRun{old, fresh} {
			if err := s.CreateRun(ctx, run); err != nil {
				t.Fatalf("create: %v", err)
			}
		}

		stale, err := s.ListStalePending(ctx, base.Add(-time.Minute), 10)
		if err != nil {
			t.Fatalf("list stale pending: %v", err)
		}
		if len(stale) != 1 || stale[0].ID != "r-old" {
			t.Errorf("stale pending: %+v", stale)
		}

		// A claimed run with a live heartbeat is not stale; move the cutoff
		// past the heartbeat and it is.
		if _, err := s.ClaimRun(ctx, "t1", "r-old", "worker-a", base.Add(-time.Hour)); err != nil {
			t.Fatalf("claim: %v", err)
		}
		running, err := s.ListStaleRunning(ctx, base.Add(-time.Minute), 10)
		if err != nil {
			t.Fatalf("list stale running: %v", err)
		}
		if len(running) != 0 {
			t.Errorf("live claim reported stale: %+v", running)
		}
		running, err = s.ListStaleRunning(ctx, time.Now().UTC().Add(time.Hour), 10)
		if err != nil {
			t.Fatalf("list stale running: %v", err)
		}
		if len(running) != 1 || running[0].ID != "r-old" {
			t.Errorf("stale running: %+v", running)
		}
	})
}

func TestStoreWorkflows(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		v1 := &models.Workflow{
			ID:       "wf-1",
			TenantID: "t1",
			Version:  1,
			Name:     "order sync",
			Nodes: []models.Node{
				{ID: "start", Type: "trigger.manual"},
				{ID: "hourly", Type: "trigger.schedule"},
			},
			Triggers: []models.TriggerBinding{
				{Type: "schedule", NodeID: "hourly", CronSpec: "0 * * * *", Enabled: true},
			},
		}
		if err := s.PutWorkflow(ctx, v1); err != nil {
			t.Fatalf("put v1: %v", err)
		}
		if err := s.PutWorkflow(ctx, v1); !errors.Is(err, fault.ErrConflict) {
			t.Errorf("duplicate version: got %v, want conflict", err)
		}

		got, err := s.GetWorkflow(ctx, "t1", "wf-1", 1)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Name != "order sync" || len(got.Nodes) != 2 {
			t.Errorf("workflow round trip: %+v", got)
		}

		triggers, err := s.ListScheduledTriggers(ctx)
		if err != nil {
			t.Fatalf("list triggers: %v", err)
		}
		if len(triggers) != 1 || triggers[0].CronSpec != "0 * * * *" || triggers[0].Version != 1 {
			t.Errorf("triggers after v1: %+v", triggers)
		}

		// v2 drops the schedule; bindings follow the latest version.
		v2 := &models.Workflow{ID: "wf-1", TenantID: "t1", Version: 2, Name: "order sync"}
		if err := s.PutWorkflow(ctx, v2); err != nil {
			t.Fatalf("put v2: %v", err)
		}
		latest, err := s.LatestWorkflow(ctx, "t1", "wf-1")
		if err != nil {
			t.Fatalf("latest: %v", err)
		}
		if latest.Version != 2 {
			t.Errorf("latest version = %d, want 2", latest.Version)
		}
		triggers, err = s.ListScheduledTriggers(ctx)
		if err != nil {
			t.Fatalf("list triggers: %v", err)
		}
		if len(triggers) != 0 {
			t.Errorf("triggers after v2: %+v", triggers)
		}

		if _, err := s.GetWorkflow(ctx, "t1", "wf-1", 9); !errors.Is(err, fault.ErrNotFound) {
			t.Errorf("missing version: got %v, want not found", err)
		}
		if _, err := s.LatestWorkflow(ctx, "t1", "missing"); !errors.Is(err, fault.ErrNotFound) {
			t.Errorf("missing workflow: got %v, want not found", err)
		}
	})
}

func TestStoreCredentials(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		cred := &models.Credential{
			ID:       "cred-1",
			TenantID: "t1",
			Name:     "crm api key",
			Type:     "api_key",
			Data:     []byte("ciphertext"),
			Metadata: map[string]string{"allowed_fields": "apiKey"},
		}
		if err := s.PutCredential(ctx, cred); err != nil {
			t.Fatalf("put: %v", err)
		}

		got, err := s.GetCredential(ctx, "t1", "cred-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if string(got.Data) != "ciphertext" || got.Type != "api_key" {
			t.Errorf("credential round trip: %+v", got)
		}
		if got.Metadata["allowed_fields"] != "apiKey" {
			t.Errorf("metadata: %v", got.Metadata)
		}
		if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
			t.Error("timestamps not set")
		}

		// Put is an upsert.
		cred.Data = []byte("rotated")
		if err := s.PutCredential(ctx, cred); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		got, err = s.GetCredential(ctx, "t1", "cred-1")
		if err != nil {
			t.Fatalf("get after upsert: %v", err)
		}
		if string(got.Data) != "rotated" {
			t.Errorf("data = %q, want rotated", got.Data)
		}

		if _, err := s.GetCredential(ctx, "t1", "missing"); !errors.Is(err, fault.ErrNotFound) {
			t.Errorf("missing credential: got %v, want not found", err)
		}
		if _, err := s.GetCredential(ctx, "t2", "cred-1"); !errors.Is(err, fault.ErrNotFound) {
			t.Errorf("cross-tenant credential: got %v, want not found", err)
		}
	})
}
