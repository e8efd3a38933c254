package consumer

import (
	"context"

	"github.com/flowmesh/flowmesh/common/dispatch"
	"github.com/flowmesh/flowmesh/common/redis"
)

// RedisCancelSignal is the fast half of the cancel path: the dispatcher sets
// a hot key when a cancel comes in and the engine polls it here. The durable
// store flag stays authoritative for workers running without Redis.
type RedisCancelSignal struct {
	rdb *redis.Client
}

// NewRedisCancelSignal creates a cancel signal backed by the given client.
func NewRedisCancelSignal(rdb *redis.Client) *RedisCancelSignal {
	return &RedisCancelSignal{rdb: rdb}
}

// CancelRequested reports whether the cancel hot key exists for the run.
func (s *RedisCancelSignal) CancelRequested(ctx context.Context, tenantID, runID string) (bool, error) {
	_, found, err := s.rdb.Get(ctx, dispatch.CancelKey(runID))
	if err != nil {
		return false, err
	}
	return found, nil
}
