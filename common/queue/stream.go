package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/flowmesh/flowmesh/common/logger"
	"github.com/flowmesh/flowmesh/common/redis"
)

const (
	fieldKey     = "key"
	fieldPayload = "payload"

	autoClaimBatch = 16
)

// StreamQueueOpts configures a Redis-stream-backed queue.
type StreamQueueOpts struct {
	Redis             *redis.Client
	Logger            *logger.Logger
	StreamPrefix      string
	Partitions        int
	Group             string
	BlockTime         time.Duration
	VisibilityTimeout time.Duration
}

// StreamQueue implements Queue over Redis streams, one stream per partition
// with a shared consumer group. Unacknowledged messages are reclaimed with
// XAUTOCLAIM once they have been pending longer than the visibility timeout,
// which is how runs from a crashed worker get redelivered.
type StreamQueue struct {
	rdb        *redis.Client
	log        *logger.Logger
	prefix     string
	partitions int
	group      string
	block      time.Duration
	visibility time.Duration
}

// NewStreamQueue creates a stream-backed queue
func NewStreamQueue(opts StreamQueueOpts) *StreamQueue {
	block := opts.BlockTime
	if block <= 0 {
		block = 5 * time.Second
	}
	visibility := opts.VisibilityTimeout
	if visibility <= 0 {
		visibility = time.Minute
	}
	return &StreamQueue{
		rdb:        opts.Redis,
		log:        opts.Logger,
		prefix:     opts.StreamPrefix,
		partitions: opts.Partitions,
		group:      opts.Group,
		block:      block,
		visibility: visibility,
	}
}

func (q *StreamQueue) streamName(partition int) string {
	return fmt.Sprintf("%s.%d", q.prefix, partition)
}

// Partitions returns the partition count
func (q *StreamQueue) Partitions() int {
	return q.partitions
}

// Publish appends the message to the stream for its key's partition
func (q *StreamQueue) Publish(ctx context.Context, key string, value []byte) error {
	partition := PartitionFor(key, q.partitions)
	stream := q.streamName(partition)

	id, err := q.rdb.AddToStream(ctx, stream, map[string]interface{}{
		fieldKey:     key,
		fieldPayload: string(value),
	})
	if err != nil {
		return fmt.Errorf("failed to publish to partition %d: %w", partition, err)
	}

	q.log.Debug("published message", "stream", stream, "key", key, "id", id)
	return nil
}

// Consume reads one partition until ctx is cancelled. Each iteration first
// reclaims messages other consumers left pending past the visibility
// timeout, then blocks for new entries.
func (q *StreamQueue) Consume(ctx context.Context, partition int, consumer string, handler Handler) error {
	if partition < 0 || partition >= q.partitions {
		return fmt.Errorf("partition %d out of range [0,%d)", partition, q.partitions)
	}
	stream := q.streamName(partition)

	if err := q.rdb.CreateStreamGroup(ctx, stream, q.group); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	q.log.Info("consuming partition", "stream", stream, "group", q.group, "consumer", consumer)

	claimCursor := "0-0"
	for {
		select {
		case <-ctx.Done():
			q.log.Info("consumer stopping", "stream", stream, "consumer", consumer)
			return nil
		default:
		}

		// Reclaim abandoned messages before reading new ones so redelivered
		// runs do not starve behind a busy stream.
		claimed, next, err := q.rdb.AutoClaimStream(ctx, stream, q.group, consumer, claimCursor, q.visibility, autoClaimBatch)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.log.Error("autoclaim failed, backing off", "stream", stream, "error", err)
			sleepCtx(ctx, time.Second)
			continue
		}
		claimCursor = next
		for _, msg := range claimed {
			q.dispatch(ctx, stream, msg.ID, msg.Values, handler)
		}

		streams, err := q.rdb.ReadFromStreamGroup(ctx, q.group, consumer, stream, 1, q.block)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.log.Error("stream read failed, backing off", "stream", stream, "error", err)
			sleepCtx(ctx, time.Second)
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				q.dispatch(ctx, stream, msg.ID, msg.Values, handler)
			}
		}
	}
}

// dispatch runs the handler for one entry and acks on success. Entries whose
// fields cannot be decoded are acked immediately; redelivering them would
// poison the partition.
func (q *StreamQueue) dispatch(ctx context.Context, stream, id string, values map[string]interface{}, handler Handler) {
	key, kok := values[fieldKey].(string)
	payload, pok := values[fieldPayload].(string)
	if !kok || !pok {
		q.log.Warn("dropping malformed stream entry", "stream", stream, "id", id)
		if err := q.rdb.AckStreamMessage(ctx, stream, q.group, id); err != nil {
			q.log.Error("failed to ack malformed entry", "stream", stream, "id", id, "error", err)
		}
		return
	}

	if err := handler(ctx, key, []byte(payload)); err != nil {
		// Leave unacked; the visibility timeout will redeliver it.
		q.log.Error("handler failed, message left pending", "stream", stream, "id", id, "key", key, "error", err)
		return
	}

	if err := q.rdb.AckStreamMessage(ctx, stream, q.group, id); err != nil {
		q.log.Error("failed to ack message", "stream", stream, "id", id, "error", err)
	}
}

// Close is a no-op; the Redis client is owned by the caller.
func (q *StreamQueue) Close() error {
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
