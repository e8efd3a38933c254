package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flowmesh/flowmesh/common/logger"
	"github.com/flowmesh/flowmesh/common/redis"
)

const publishTimeout = 2 * time.Second

// RedisEmitter publishes events on the per-run pub/sub channel
// "run.events.<runID>". Live UI sessions subscribe to it; delivery is
// best-effort and nothing is retained for late subscribers.
type RedisEmitter struct {
	client *redis.Client
	log    *logger.Logger
}

// NewRedisEmitter creates an emitter publishing through the given client
func NewRedisEmitter(client *redis.Client, log *logger.Logger) *RedisEmitter {
	return &RedisEmitter{client: client, log: log}
}

// Channel returns the pub/sub channel carrying events for one run.
func Channel(runID string) string {
	return "run.events." + runID
}

func (r *RedisEmitter) Emit(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		r.log.Error("failed to marshal event", "type", event.Type, "run_id", event.RunID, "error", err)
		return
	}
	// Detach from the run context so a cancelled run can still report its
	// final events.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := r.client.Publish(pubCtx, Channel(event.RunID), payload); err != nil {
		r.log.Warn("failed to publish event", "type", event.Type, "run_id", event.RunID, "error", err)
	}
}
