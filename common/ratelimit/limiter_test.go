package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/flowmesh/flowmesh/common/logger"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, logger.New("error", "text")), mr
}

func TestCheckTenantLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		res, err := limiter.CheckTenantLimit(ctx, "acme", 3, 60)
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("check %d: expected allowed", i)
		}
		if res.CurrentCount != i {
			t.Errorf("check %d: count = %d, want %d", i, res.CurrentCount, i)
		}
	}

	res, err := limiter.CheckTenantLimit(ctx, "acme", 3, 60)
	if err != nil {
		t.Fatalf("check over limit: %v", err)
	}
	if res.Allowed {
		t.Error("expected request over the limit to be denied")
	}
	if res.RetryAfterSeconds <= 0 {
		t.Errorf("retry after = %d, want > 0", res.RetryAfterSeconds)
	}
}

func TestTenantsAreIsolated(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := limiter.CheckTenantLimit(ctx, "acme", 3, 60); err != nil {
			t.Fatalf("acme check: %v", err)
		}
	}

	res, err := limiter.CheckTenantLimit(ctx, "globex", 3, 60)
	if err != nil {
		t.Fatalf("globex check: %v", err)
	}
	if !res.Allowed || res.CurrentCount != 1 {
		t.Errorf("globex should have a fresh window, got %+v", res)
	}
}

func TestWindowExpires(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := limiter.CheckTenantLimit(ctx, "acme", 2, 60); err != nil {
			t.Fatalf("check: %v", err)
		}
	}
	res, _ := limiter.CheckTenantLimit(ctx, "acme", 2, 60)
	if res.Allowed {
		t.Fatal("expected limit hit")
	}

	mr.FastForward(61 * time.Second)

	res, err := limiter.CheckTenantLimit(ctx, "acme", 2, 60)
	if err != nil {
		t.Fatalf("check after window: %v", err)
	}
	if !res.Allowed || res.CurrentCount != 1 {
		t.Errorf("expected fresh window after expiry, got %+v", res)
	}
}
