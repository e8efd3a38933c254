package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowmesh/flowmesh/common/logger"
)

// MemoryQueue is an in-process queue for tests and single-node development.
// It keeps the partitioning behavior of the stream queue but is at-most-once:
// a message handed to a failing handler is logged and dropped, since there is
// no pending list to redeliver from.
type MemoryQueue struct {
	partitions []chan *message
	mu         sync.RWMutex
	closed     bool
	log        *logger.Logger
}

type message struct {
	key   string
	value []byte
}

// NewMemoryQueue creates an in-memory queue with the given partition count
func NewMemoryQueue(partitions int, log *logger.Logger) *MemoryQueue {
	if partitions < 1 {
		partitions = 1
	}
	chans := make([]chan *message, partitions)
	for i := range chans {
		chans[i] = make(chan *message, 1000)
	}
	return &MemoryQueue{
		partitions: chans,
		log:        log,
	}
}

// Partitions returns the partition count
func (q *MemoryQueue) Partitions() int {
	return len(q.partitions)
}

// Publish sends the message to the partition derived from key
func (q *MemoryQueue) Publish(ctx context.Context, key string, value []byte) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return fmt.Errorf("queue is closed")
	}

	ch := q.partitions[PartitionFor(key, len(q.partitions))]
	msg := &message{key: key, value: value}

	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		q.log.Warn("queue partition full, dropping message", "key", key)
		return fmt.Errorf("partition full for key %s", key)
	}
}

// Consume processes one partition until ctx is cancelled or the queue closes
func (q *MemoryQueue) Consume(ctx context.Context, partition int, consumer string, handler Handler) error {
	if partition < 0 || partition >= len(q.partitions) {
		return fmt.Errorf("partition %d out of range [0,%d)", partition, len(q.partitions))
	}
	ch := q.partitions[partition]

	q.log.Info("consuming partition", "partition", partition, "consumer", consumer)

	for {
		select {
		case <-ctx.Done():
			q.log.Info("consumer stopping", "partition", partition, "consumer", consumer)
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := handler(ctx, msg.key, msg.value); err != nil {
				q.log.Error("handler failed, message dropped", "partition", partition, "key", msg.key, "error", err)
			}
		}
	}
}

// Close closes all partitions
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true

	for i, ch := range q.partitions {
		close(ch)
		q.log.Debug("closed partition", "partition", i)
	}
	return nil
}
