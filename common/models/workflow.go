package models

// Workflow is a versioned, immutable-per-version node graph definition.
// The engine only ever reads a frozen snapshot of one version.
type Workflow struct {
	ID       string           `json:"id"`
	TenantID string           `json:"tenant_id"`
	Version  int              `json:"version"`
	Name     string           `json:"name"`
	Nodes    []Node           `json:"nodes"`
	Edges    []Edge           `json:"edges"`
	Triggers []TriggerBinding `json:"triggers,omitempty"`
	Settings WorkflowSettings `json:"settings,omitempty"`
}

// WorkflowSettings carries per-workflow execution overrides. Zero values
// fall back to engine configuration.
type WorkflowSettings struct {
	MaxParallel  int `json:"max_parallel,omitempty"`
	RunTimeoutMs int `json:"run_timeout_ms,omitempty"`
}

// Node is a single unit of execution: one adapter invocation per attempt.
type Node struct {
	ID                string                 `json:"id"`
	Type              string                 `json:"type"`
	Config            map[string]interface{} `json:"config,omitempty"`
	CredentialID      string                 `json:"credential_id,omitempty"`
	Retry             RetryPolicy            `json:"retry,omitempty"`
	ContinueOnFailure bool                   `json:"continue_on_failure,omitempty"`
	TimeoutMs         int                    `json:"timeout_ms,omitempty"`
}

// RetryPolicy controls per-node retry behavior. Attempt 1 is undelayed;
// attempt k waits min(initial * multiplier^(k-2), max) when exponential,
// a fixed initial delay otherwise. Jitter scales the wait by [0.5, 1.5].
type RetryPolicy struct {
	MaxAttempts           int     `json:"max_attempts,omitempty"`
	InitialDelayMs        int     `json:"initial_delay_ms,omitempty"`
	MaxDelayMs            int     `json:"max_delay_ms,omitempty"`
	Multiplier            float64 `json:"multiplier,omitempty"`
	UseExponentialBackoff bool    `json:"use_exponential_backoff,omitempty"`
	UseJitter             bool    `json:"use_jitter,omitempty"`
}

// Normalize fills defaults so a zero policy means "one attempt, no delay".
func (p RetryPolicy) Normalize() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 1
	}
	if p.MaxDelayMs <= 0 {
		p.MaxDelayMs = p.InitialDelayMs
	}
	return p
}

// Edge is a directed arc between nodes. Label selects branches out of
// control-flow nodes (if/switch/loop); Condition is an optional expression
// evaluated against the source node's output, traversed only when true.
type Edge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Label     string `json:"label,omitempty"`
	Condition string `json:"condition,omitempty"`
}

// TriggerBinding associates a trigger node with its firing configuration.
// CronSpec is only meaningful for schedule triggers.
type TriggerBinding struct {
	Type     string `json:"type"`
	NodeID   string `json:"node_id"`
	CronSpec string `json:"cron_spec,omitempty"`
	Enabled  bool   `json:"enabled"`
}
