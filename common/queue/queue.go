package queue

import (
	"context"

	"github.com/cespare/xxhash/v2"
)

// Handler processes one dequeued message. Returning an error leaves the
// message unacknowledged so it is redelivered after the visibility timeout.
type Handler func(ctx context.Context, key string, value []byte) error

// Queue is the partitioned run queue between the dispatcher and workers.
// Messages with the same key land on the same partition, which gives
// per-run ordering as long as each partition is consumed by one loop.
type Queue interface {
	// Publish appends a message to the partition derived from key.
	Publish(ctx context.Context, key string, value []byte) error

	// Consume blocks, feeding messages from one partition to handler until
	// ctx is cancelled. Messages are acknowledged only after handler
	// returns nil.
	Consume(ctx context.Context, partition int, consumer string, handler Handler) error

	// Partitions returns the partition count the queue was built with.
	Partitions() int

	Close() error
}

// PartitionFor maps a message key to its partition.
func PartitionFor(key string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(partitions))
}
