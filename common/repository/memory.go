package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flowmesh/flowmesh/common/fault"
	"github.com/flowmesh/flowmesh/common/models"
)

// MemoryStore is a mutex-guarded in-process Store for unit tests and
// single-binary development. It enforces the same CAS and fencing semantics
// as the SQL stores so engine and worker tests exercise the real protocol.
type MemoryStore struct {
	mu       sync.RWMutex
	runs     map[string]*models.WorkflowRun          // tenant:run -> run
	results  map[string]*models.NodeExecutionResult  // tenant:run:node -> result
	flows    map[string]map[int]*models.Workflow     // tenant:workflow -> version -> definition
	creds    map[string]*models.Credential           // tenant:credential -> credential
	triggers map[string][]*ScheduledTrigger          // tenant:workflow -> latest-version cron bindings
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:     make(map[string]*models.WorkflowRun),
		results:  make(map[string]*models.NodeExecutionResult),
		flows:    make(map[string]map[int]*models.Workflow),
		creds:    make(map[string]*models.Credential),
		triggers: make(map[string][]*ScheduledTrigger),
	}
}

var _ Store = (*MemoryStore)(nil)

// Init is a no-op; maps need no schema
func (s *MemoryStore) Init(ctx context.Context) error { return nil }

// Health always succeeds
func (s *MemoryStore) Health(ctx context.Context) error { return nil }

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }

func runKey(tenantID, runID string) string { return tenantID + ":" + runID }

func resultKey(tenantID, runID, nodeID string) string {
	return tenantID + ":" + runID + ":" + nodeID
}

// cloneRun copies a run so callers never alias store-internal state.
func cloneRun(run *models.WorkflowRun) *models.WorkflowRun {
	out := *run
	if run.Input != nil {
		out.Input = cloneDoc(run.Input)
	}
	if run.Metadata != nil {
		out.Metadata = make(map[string]string, len(run.Metadata))
		for k, v := range run.Metadata {
			out.Metadata[k] = v
		}
	}
	out.StartedAt = cloneTime(run.StartedAt)
	out.EndedAt = cloneTime(run.EndedAt)
	out.ClaimedAt = cloneTime(run.ClaimedAt)
	out.HeartbeatAt = cloneTime(run.HeartbeatAt)
	return &out
}

func cloneResult(r *models.NodeExecutionResult) *models.NodeExecutionResult {
	out := *r
	if r.Input != nil {
		out.Input = cloneDoc(r.Input)
	}
	if r.Output != nil {
		out.Output = cloneDoc(r.Output)
	}
	return &out
}

// cloneDoc deep-copies a JSON document via round-trip; documents are small
// and this keeps nested maps and slices from being shared.
func cloneDoc(doc map[string]interface{}) map[string]interface{} {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// --- runs ---

// CreateRun inserts a new PENDING run
func (s *MemoryStore) CreateRun(ctx context.Context, run *models.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := runKey(run.TenantID, run.ID)
	if _, exists := s.runs[key]; exists {
		return fmt.Errorf("run %s: %w", run.ID, fault.ErrConflict)
	}
	s.runs[key] = cloneRun(run)
	return nil
}

// GetRun loads one run
func (s *MemoryStore) GetRun(ctx context.Context, tenantID, runID string) (*models.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runKey(tenantID, runID)]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, fault.ErrNotFound)
	}
	return cloneRun(run), nil
}

// ListRuns returns runs matching the filter, newest first
func (s *MemoryStore) ListRuns(ctx context.Context, filter models.RunFilter) ([]*models.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []*models.WorkflowRun
	for _, run := range s.runs {
		if filter.TenantID != "" && run.TenantID != filter.TenantID {
			continue
		}
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		runs = append(runs, cloneRun(run))
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.After(runs[j].CreatedAt)
		}
		return runs[i].ID < runs[j].ID
	})
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// ClaimRun atomically claims a PENDING run or seizes a stale RUNNING one
func (s *MemoryStore) ClaimRun(ctx context.Context, tenantID, runID, workerID string, staleBefore time.Time) (*models.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runKey(tenantID, runID)]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, fault.ErrNotFound)
	}

	claimable := run.Status == models.StatusPending ||
		(run.Status == models.StatusRunning && run.HeartbeatAt != nil && run.HeartbeatAt.Before(staleBefore))
	if !claimable {
		return nil, fmt.Errorf("run %s not claimable: %w", runID, fault.ErrConflict)
	}

	now := time.Now().UTC()
	run.Status = models.StatusRunning
	run.WorkerID = workerID
	run.ClaimEpoch++
	run.ClaimedAt = &now
	run.HeartbeatAt = &now
	if run.StartedAt == nil {
		run.StartedAt = &now
	}
	return cloneRun(run), nil
}

// Heartbeat refreshes the claim lease
func (s *MemoryStore) Heartbeat(ctx context.Context, tenantID, runID string, epoch int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runKey(tenantID, runID)]
	if !ok || run.Status != models.StatusRunning || run.ClaimEpoch != epoch {
		return fmt.Errorf("heartbeat for run %s at epoch %d: %w", runID, epoch, fault.ErrFenced)
	}
	now := time.Now().UTC()
	run.HeartbeatAt = &now
	return nil
}

// FinishRun moves a run to a terminal status
func (s *MemoryStore) FinishRun(ctx context.Context, tenantID, runID string, epoch int64, status models.RunStatus, errorMessage string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish with non-terminal status %s", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runKey(tenantID, runID)]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, fault.ErrNotFound)
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("run %s already %s: %w", runID, run.Status, fault.ErrConflict)
	}
	if epoch != 0 && run.ClaimEpoch != epoch {
		return fmt.Errorf("finish run %s at epoch %d: %w", runID, epoch, fault.ErrFenced)
	}

	now := time.Now().UTC()
	run.Status = status
	run.ErrorMessage = errorMessage
	run.EndedAt = &now
	return nil
}

// RequestCancel sets the durable cancel flag
func (s *MemoryStore) RequestCancel(ctx context.Context, tenantID, runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runKey(tenantID, runID)]
	if !ok {
		return false, fmt.Errorf("run %s: %w", runID, fault.ErrNotFound)
	}
	if run.Status.IsTerminal() {
		return false, nil
	}
	run.CancelRequested = true
	return true, nil
}

// CancelRequested reads the durable cancel flag
func (s *MemoryStore) CancelRequested(ctx context.Context, tenantID, runID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runKey(tenantID, runID)]
	if !ok {
		return false, fmt.Errorf("run %s: %w", runID, fault.ErrNotFound)
	}
	return run.CancelRequested, nil
}

// ListStalePending returns PENDING runs created before the cutoff
func (s *MemoryStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*models.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []*models.WorkflowRun
	for _, run := range s.runs {
		if run.Status == models.StatusPending && run.CreatedAt.Before(olderThan) {
			runs = append(runs, cloneRun(run))
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// ListStaleRunning returns RUNNING runs with a heartbeat older than the cutoff
func (s *MemoryStore) ListStaleRunning(ctx context.Context, heartbeatBefore time.Time, limit int) ([]*models.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []*models.WorkflowRun
	for _, run := range s.runs {
		if run.Status == models.StatusRunning && run.HeartbeatAt != nil && run.HeartbeatAt.Before(heartbeatBefore) {
			runs = append(runs, cloneRun(run))
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].HeartbeatAt.Before(*runs[j].HeartbeatAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// --- node results ---

// RecordNodeResult upserts a node's execution record, fenced by claim epoch
func (s *MemoryStore) RecordNodeResult(ctx context.Context, tenantID string, epoch int64, result *models.NodeExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runKey(tenantID, result.RunID)]
	if !ok || (epoch != 0 && run.ClaimEpoch != epoch) {
		return fmt.Errorf("record result for run %s node %s at epoch %d: %w",
			result.RunID, result.NodeID, epoch, fault.ErrFenced)
	}
	s.results[resultKey(tenantID, result.RunID, result.NodeID)] = cloneResult(result)
	return nil
}

// GetNodeResults returns all node records of a run in start order
func (s *MemoryStore) GetNodeResults(ctx context.Context, tenantID, runID string) ([]*models.NodeExecutionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := tenantID + ":" + runID + ":"
	var results []*models.NodeExecutionResult
	for key, r := range s.results {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			results = append(results, cloneResult(r))
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if !results[i].StartedAt.Equal(results[j].StartedAt) {
			return results[i].StartedAt.Before(results[j].StartedAt)
		}
		return results[i].NodeID < results[j].NodeID
	})
	return results, nil
}

// --- workflows ---

func flowKey(tenantID, workflowID string) string { return tenantID + ":" + workflowID }

// PutWorkflow inserts one immutable workflow version
func (s *MemoryStore) PutWorkflow(ctx context.Context, wf *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := flowKey(wf.TenantID, wf.ID)
	versions, ok := s.flows[key]
	if !ok {
		versions = make(map[int]*models.Workflow)
		s.flows[key] = versions
	}
	if _, exists := versions[wf.Version]; exists {
		return fmt.Errorf("workflow %s version %d: %w", wf.ID, wf.Version, fault.ErrConflict)
	}
	versions[wf.Version] = cloneWorkflow(wf)

	maxVersion := 0
	for v := range versions {
		if v > maxVersion {
			maxVersion = v
		}
	}
	if wf.Version == maxVersion {
		var bindings []*ScheduledTrigger
		for _, trig := range wf.Triggers {
			if !trig.Enabled || trig.CronSpec == "" {
				continue
			}
			bindings = append(bindings, &ScheduledTrigger{
				TenantID:   wf.TenantID,
				WorkflowID: wf.ID,
				Version:    wf.Version,
				NodeID:     trig.NodeID,
				CronSpec:   trig.CronSpec,
			})
		}
		s.triggers[key] = bindings
	}
	return nil
}

func cloneWorkflow(wf *models.Workflow) *models.Workflow {
	data, err := json.Marshal(wf)
	if err != nil {
		return wf
	}
	out := &models.Workflow{}
	if err := json.Unmarshal(data, out); err != nil {
		return wf
	}
	return out
}

// GetWorkflow loads one workflow version
func (s *MemoryStore) GetWorkflow(ctx context.Context, tenantID, workflowID string, version int) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.flows[flowKey(tenantID, workflowID)][version]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, fault.ErrNotFound)
	}
	return cloneWorkflow(wf), nil
}

// LatestWorkflow returns the highest version of a workflow
func (s *MemoryStore) LatestWorkflow(ctx context.Context, tenantID, workflowID string) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, ok := s.flows[flowKey(tenantID, workflowID)]
	if !ok || len(versions) == 0 {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, fault.ErrNotFound)
	}
	maxVersion := 0
	for v := range versions {
		if v > maxVersion {
			maxVersion = v
		}
	}
	return cloneWorkflow(versions[maxVersion]), nil
}

// ListScheduledTriggers returns enabled cron bindings of latest versions
func (s *MemoryStore) ListScheduledTriggers(ctx context.Context) ([]*ScheduledTrigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ScheduledTrigger
	for _, bindings := range s.triggers {
		for _, b := range bindings {
			c := *b
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WorkflowID != out[j].WorkflowID {
			return out[i].WorkflowID < out[j].WorkflowID
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out, nil
}

// --- credentials ---

// PutCredential inserts or replaces a credential
func (s *MemoryStore) PutCredential(ctx context.Context, cred *models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *cred
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = time.Now().UTC()
	c.Data = append([]byte(nil), cred.Data...)
	s.creds[cred.TenantID+":"+cred.ID] = &c
	return nil
}

// GetCredential loads one credential
func (s *MemoryStore) GetCredential(ctx context.Context, tenantID, credentialID string) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.creds[tenantID+":"+credentialID]
	if !ok {
		return nil, fmt.Errorf("credential %s: %w", credentialID, fault.ErrNotFound)
	}
	c := *cred
	c.Data = append([]byte(nil), cred.Data...)
	return &c, nil
}
