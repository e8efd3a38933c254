package repository

import (
	"context"
	"time"

	"github.com/flowmesh/flowmesh/common/models"
)

// RunStore persists workflow runs and the claim bookkeeping around them.
// Implementations return fault.ErrNotFound for missing runs, fault.ErrConflict
// for claim races and duplicate creates, and fault.ErrFenced for writes
// carrying a stale claim epoch.
type RunStore interface {
	// CreateRun inserts a new PENDING run.
	CreateRun(ctx context.Context, run *models.WorkflowRun) error

	// GetRun loads one run.
	GetRun(ctx context.Context, tenantID, runID string) (*models.WorkflowRun, error)

	// ListRuns returns runs matching the filter, newest first.
	ListRuns(ctx context.Context, filter models.RunFilter) ([]*models.WorkflowRun, error)

	// ClaimRun atomically moves a PENDING run to RUNNING, or seizes a
	// RUNNING run whose heartbeat is older than staleBefore. Either way the
	// claim epoch is bumped, fencing out the previous owner. Claiming a
	// terminal or validly-owned run returns fault.ErrConflict.
	ClaimRun(ctx context.Context, tenantID, runID, workerID string, staleBefore time.Time) (*models.WorkflowRun, error)

	// Heartbeat refreshes the claim lease. The write is fenced by epoch.
	Heartbeat(ctx context.Context, tenantID, runID string, epoch int64) error

	// FinishRun moves a run to a terminal status. The write is fenced by
	// epoch; a zero epoch bypasses the fence for dispatcher-side writes
	// (immediate validation failures, cancel of an unclaimed run).
	FinishRun(ctx context.Context, tenantID, runID string, epoch int64, status models.RunStatus, errorMessage string) error

	// RequestCancel sets the durable cancel flag. It reports false when the
	// run is already terminal.
	RequestCancel(ctx context.Context, tenantID, runID string) (bool, error)

	// CancelRequested reads the durable cancel flag.
	CancelRequested(ctx context.Context, tenantID, runID string) (bool, error)

	// ListStalePending returns PENDING runs created before the cutoff, for
	// the reconciler to re-enqueue.
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*models.WorkflowRun, error)

	// ListStaleRunning returns RUNNING runs whose heartbeat predates the
	// cutoff, for the reconciler to re-enqueue.
	ListStaleRunning(ctx context.Context, heartbeatBefore time.Time, limit int) ([]*models.WorkflowRun, error)
}

// ResultStore persists per-node execution records. A node has one record per
// run (composite loop ids count as distinct nodes); retries overwrite it with
// a higher attempt. Writes are fenced by the run's claim epoch.
type ResultStore interface {
	RecordNodeResult(ctx context.Context, tenantID string, epoch int64, result *models.NodeExecutionResult) error

	// GetNodeResults returns all node records of a run ordered by start
	// time, then node id.
	GetNodeResults(ctx context.Context, tenantID, runID string) ([]*models.NodeExecutionResult, error)
}

// WorkflowStore persists versioned workflow definitions.
type WorkflowStore interface {
	// PutWorkflow inserts one immutable workflow version. Re-inserting an
	// existing version returns fault.ErrConflict.
	PutWorkflow(ctx context.Context, wf *models.Workflow) error

	GetWorkflow(ctx context.Context, tenantID, workflowID string, version int) (*models.Workflow, error)

	// LatestWorkflow returns the highest version of a workflow.
	LatestWorkflow(ctx context.Context, tenantID, workflowID string) (*models.Workflow, error)

	// ListScheduledTriggers returns the enabled schedule triggers of each
	// workflow's latest version, for the cron scheduler.
	ListScheduledTriggers(ctx context.Context) ([]*ScheduledTrigger, error)
}

// CredentialStore persists encrypted credentials.
type CredentialStore interface {
	// PutCredential inserts or replaces a credential.
	PutCredential(ctx context.Context, cred *models.Credential) error

	GetCredential(ctx context.Context, tenantID, credentialID string) (*models.Credential, error)
}

// ScheduledTrigger is one cron binding extracted from a workflow definition.
type ScheduledTrigger struct {
	TenantID   string
	WorkflowID string
	Version    int
	NodeID     string
	CronSpec   string
}

// Store is the full persistence surface behind the dispatcher and workers.
// The driver is selected by configuration: postgres for production, sqlite
// for single-node deployments, memory for tests.
type Store interface {
	RunStore
	ResultStore
	WorkflowStore
	CredentialStore

	// Init creates the schema if it does not exist.
	Init(ctx context.Context) error
	Health(ctx context.Context) error
	Close() error
}
