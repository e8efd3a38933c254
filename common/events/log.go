package events

import (
	"context"

	"github.com/flowmesh/flowmesh/common/logger"
)

// LogEmitter writes events through the structured logger.
type LogEmitter struct {
	log *logger.Logger
}

// NewLogEmitter creates an emitter backed by the given logger
func NewLogEmitter(log *logger.Logger) *LogEmitter {
	return &LogEmitter{log: log}
}

func (l *LogEmitter) Emit(ctx context.Context, event Event) {
	args := []interface{}{
		"tenant_id", event.TenantID,
		"run_id", event.RunID,
	}
	if event.NodeID != "" {
		args = append(args, "node_id", event.NodeID)
	}
	if event.Status != "" {
		args = append(args, "status", event.Status)
	}
	if event.Attempt > 0 {
		args = append(args, "attempt", event.Attempt)
	}
	if event.Message != "" {
		args = append(args, "message", event.Message)
	}
	for k, v := range event.Meta {
		args = append(args, k, v)
	}
	l.log.Info(string(event.Type), args...)
}
