package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/flowmesh/flowmesh/common/logger"
	"github.com/flowmesh/flowmesh/common/redis"
)

func testLog() *logger.Logger {
	return logger.New("error", "text")
}

func TestPartitionFor(t *testing.T) {
	if got := PartitionFor("any-key", 1); got != 0 {
		t.Errorf("single partition: got %d", got)
	}
	if got := PartitionFor("any-key", 0); got != 0 {
		t.Errorf("zero partitions: got %d", got)
	}

	// Stable and in range.
	first := PartitionFor("tenant-a:run-1", 8)
	for i := 0; i < 10; i++ {
		got := PartitionFor("tenant-a:run-1", 8)
		if got != first {
			t.Fatalf("partition not stable: %d vs %d", got, first)
		}
		if got < 0 || got >= 8 {
			t.Fatalf("partition out of range: %d", got)
		}
	}

	// Different keys spread across partitions.
	seen := make(map[int]bool)
	for i := 0; i < 100; i++ {
		seen[PartitionFor(fmt.Sprintf("key-%d", i), 8)] = true
	}
	if len(seen) < 2 {
		t.Errorf("expected keys to spread over partitions, got %d", len(seen))
	}
}

func TestMemoryQueuePublishConsume(t *testing.T) {
	q := NewMemoryQueue(4, testLog())
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	received := make(map[string][]string) // key -> payloads in order

	var wg sync.WaitGroup
	for p := 0; p < q.Partitions(); p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			_ = q.Consume(ctx, p, fmt.Sprintf("c%d", p), func(_ context.Context, key string, value []byte) error {
				mu.Lock()
				received[key] = append(received[key], string(value))
				mu.Unlock()
				return nil
			})
		}(p)
	}

	keys := []string{"t1:r1", "t1:r2", "t2:r1"}
	for i := 0; i < 5; i++ {
		for _, k := range keys {
			if err := q.Publish(ctx, k, []byte(fmt.Sprintf("%s-%d", k, i))); err != nil {
				t.Fatalf("publish: %v", err)
			}
		}
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		total := 0
		for _, msgs := range received {
			total += len(msgs)
		}
		mu.Unlock()
		if total == 15 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for messages, got %d", total)
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	wg.Wait()

	// Per-key ordering is preserved.
	for _, k := range keys {
		for i, v := range received[k] {
			if want := fmt.Sprintf("%s-%d", k, i); v != want {
				t.Errorf("key %s message %d = %q, want %q", k, i, v, want)
			}
		}
	}
}

func TestMemoryQueueClosed(t *testing.T) {
	q := NewMemoryQueue(1, testLog())
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := q.Publish(context.Background(), "k", []byte("v")); err == nil {
		t.Error("expected error publishing to closed queue")
	}
	// Close is idempotent.
	if err := q.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestMemoryQueuePartitionRange(t *testing.T) {
	q := NewMemoryQueue(2, testLog())
	defer q.Close()
	if err := q.Consume(context.Background(), 5, "c", nil); err == nil {
		t.Error("expected out-of-range error")
	}
}

func newStreamQueue(t *testing.T, partitions int, visibility time.Duration) (*StreamQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	client := redis.NewClient(rdb, testLog())
	q := NewStreamQueue(StreamQueueOpts{
		Redis:             client,
		Logger:            testLog(),
		StreamPrefix:      "runs.dispatch",
		Partitions:        partitions,
		Group:             "workers",
		BlockTime:         20 * time.Millisecond,
		VisibilityTimeout: visibility,
	})
	return q, mr
}

func TestStreamQueuePublishConsume(t *testing.T) {
	q, _ := newStreamQueue(t, 2, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := "t1:r1"
	partition := PartitionFor(key, 2)

	if err := q.Publish(ctx, key, []byte(`{"run_id":"r1"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := make(chan string, 1)
	go func() {
		_ = q.Consume(ctx, partition, "c0", func(_ context.Context, k string, v []byte) error {
			got <- k + "=" + string(v)
			return nil
		})
	}()

	select {
	case msg := <-got:
		if msg != `t1:r1={"run_id":"r1"}` {
			t.Errorf("got %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestStreamQueueRedelivery(t *testing.T) {
	q, _ := newStreamQueue(t, 1, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Publish(ctx, "t1:r1", []byte("payload")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})

	go func() {
		_ = q.Consume(ctx, 0, "c0", func(_ context.Context, _ string, _ []byte) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts == 1 {
				return fmt.Errorf("transient failure")
			}
			select {
			case <-done:
			default:
				close(done)
			}
			return nil
		})
	}()

	// First delivery fails and is left pending; the autoclaim pass picks it
	// back up once it is older than the visibility timeout.
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("message was not redelivered")
	}

	mu.Lock()
	if attempts < 2 {
		t.Errorf("attempts = %d, want >= 2", attempts)
	}
	mu.Unlock()
}

func TestStreamQueuePartitionRange(t *testing.T) {
	q, _ := newStreamQueue(t, 2, time.Minute)
	if err := q.Consume(context.Background(), 7, "c", nil); err == nil {
		t.Error("expected out-of-range error")
	}
}
