package models

import "time"

// RunStatus is the lifecycle state of a workflow run. Transitions are
// monotone: PENDING -> RUNNING -> {COMPLETED | FAILED | CANCELLED}.
type RunStatus string

const (
	StatusPending   RunStatus = "PENDING"
	StatusRunning   RunStatus = "RUNNING"
	StatusCompleted RunStatus = "COMPLETED"
	StatusFailed    RunStatus = "FAILED"
	StatusCancelled RunStatus = "CANCELLED"
)

// IsTerminal reports whether the status admits no further transitions.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// RunMode records what kind of trigger produced the run.
type RunMode string

const (
	ModeManual    RunMode = "manual"
	ModeScheduled RunMode = "scheduled"
	ModeTriggered RunMode = "triggered"
	ModeReplay    RunMode = "replay"
)

// WorkflowRun is one execution of a workflow version against an input.
type WorkflowRun struct {
	ID              string                 `json:"id"`
	WorkflowID      string                 `json:"workflow_id"`
	WorkflowVersion int                    `json:"workflow_version"`
	TenantID        string                 `json:"tenant_id"`
	Mode            RunMode                `json:"mode"`
	Input           map[string]interface{} `json:"input,omitempty"`
	Status          RunStatus              `json:"status"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	EndedAt         *time.Time             `json:"ended_at,omitempty"`

	// Claim bookkeeping. ClaimEpoch fences stale workers: every durable
	// write by a worker carries the epoch it claimed under, and the store
	// rejects writes whose epoch no longer matches. A run whose heartbeat
	// goes stale can be seized by another worker, which bumps the epoch.
	WorkerID        string     `json:"worker_id,omitempty"`
	ClaimEpoch      int64      `json:"claim_epoch"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty"`
	HeartbeatAt     *time.Time `json:"heartbeat_at,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`

	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NodeStatus is the lifecycle state of a single node execution.
type NodeStatus string

const (
	NodePending   NodeStatus = "PENDING"
	NodeRunning   NodeStatus = "RUNNING"
	NodeSuccess   NodeStatus = "SUCCESS"
	NodeFailed    NodeStatus = "FAILED"
	NodeSkipped   NodeStatus = "SKIPPED"
	NodeCancelled NodeStatus = "CANCELLED"
)

// IsTerminal reports whether the node execution reached a final state.
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case NodeSuccess, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	}
	return false
}

// NodeExecutionResult is the durable record of one node's execution within a
// run. Retries mutate the same record; Attempt grows. Loop body nodes are
// recorded under composite ids of the form "loopId[i].bodyNodeId".
type NodeExecutionResult struct {
	RunID        string                 `json:"run_id"`
	NodeID       string                 `json:"node_id"`
	Status       NodeStatus             `json:"status"`
	Attempt      int                    `json:"attempt"`
	Input        map[string]interface{} `json:"input,omitempty"`
	Output       map[string]interface{} `json:"output,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	StartedAt    time.Time              `json:"started_at"`
	EndedAt      time.Time              `json:"ended_at"`
	DurationMs   int64                  `json:"duration_ms"`
}

// RunFilter narrows ListRuns queries. Zero fields are ignored.
type RunFilter struct {
	TenantID   string
	WorkflowID string
	Status     RunStatus
	Limit      int
}
