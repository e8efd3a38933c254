package events

import (
	"context"
	"encoding/json"
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

type recordingEmitter struct {
	events []Event
}

func (r *recordingEmitter) Emit(_ context.Context, event Event) {
	r.events = append(r.events, event)
}

func TestMultiEmitter(t *testing.T) {
	a := &recordingEmitter{}
	b := &recordingEmitter{}
	multi := MultiEmitter{a, NopEmitter{}, b}

	multi.Emit(context.Background(), Event{Type: RunStarted, RunID: "r1"})

	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("fan out: a=%d b=%d", len(a.events), len(b.events))
	}
	if a.events[0].Type != RunStarted {
		t.Errorf("type = %s", a.events[0].Type)
	}
}

func TestLogEmitter(t *testing.T) {
	// Smoke test: meta, node and attempt fields must not trip the logger.
	e := NewLogEmitter(testLog())
	e.Emit(context.Background(), Event{
		Type:     NodeRetrying,
		TenantID: "t1",
		RunID:    "r1",
		NodeID:   "fetch",
		Attempt:  2,
		Message:  "connection reset",
		Meta:     map[string]string{"delay_ms": "20"},
	})
}

func TestRedisEmitterPublish(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ctx := context.Background()
	sub := rdb.Subscribe(ctx, Channel("r1"))
	t.Cleanup(func() { sub.Close() })
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	emitter := NewRedisEmitter(redis.NewClient(rdb, testLog()), testLog())
	emitter.Emit(ctx, Event{
		Type:     NodeFinished,
		TenantID: "t1",
		RunID:    "r1",
		NodeID:   "fetch",
		Status:   "SUCCESS",
		At:       time.Now().UTC(),
	})

	select {
	case msg := <-sub.Channel():
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if ev.Type != NodeFinished || ev.RunID != "r1" || ev.NodeID != "fetch" {
			t.Errorf("event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published event")
	}
}
