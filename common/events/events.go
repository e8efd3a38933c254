package events

import (
	"context"
	"time"
)

// Type names a run or node lifecycle transition.
type Type string

const (
	RunStarted    Type = "run.started"
	RunFinished   Type = "run.finished"
	RunCancelling Type = "run.cancelling"
	NodeStarted   Type = "node.started"
	NodeFinished  Type = "node.finished"
	NodeRetrying  Type = "node.retrying"
)

// Event is one lifecycle notification. NodeID is empty for run-level events.
type Event struct {
	Type     Type              `json:"type"`
	TenantID string            `json:"tenant_id"`
	RunID    string            `json:"run_id"`
	NodeID   string            `json:"node_id,omitempty"`
	Status   string            `json:"status,omitempty"`
	Attempt  int               `json:"attempt,omitempty"`
	Message  string            `json:"message,omitempty"`
	At       time.Time         `json:"at"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// Emitter receives lifecycle events from the engine. Implementations must be
// safe for concurrent use and must not stall execution: failures are logged
// and the event dropped, never returned.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// NopEmitter discards all events.
type NopEmitter struct{}

func (NopEmitter) Emit(ctx context.Context, event Event) {}

// MultiEmitter fans one event out to several backends.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(ctx context.Context, event Event) {
	for _, e := range m {
		e.Emit(ctx, event)
	}
}
