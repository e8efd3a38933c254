package engine

import (
	"context"
	"testing"
	"time"

	"github.com/flowmesh/flowmesh/common/models"
)

func TestBackoff(t *testing.T) {
	fixed := models.RetryPolicy{MaxAttempts: 5, InitialDelayMs: 100}.Normalize()
	exp := models.RetryPolicy{
		MaxAttempts:           5,
		InitialDelayMs:        100,
		MaxDelayMs:            350,
		Multiplier:            2,
		UseExponentialBackoff: true,
	}.Normalize()

	tests := []struct {
		name    string
		policy  models.RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"first attempt never waits", fixed, 1, 0},
		{"fixed delay attempt 2", fixed, 2, 100 * time.Millisecond},
		{"fixed delay attempt 4", fixed, 4, 100 * time.Millisecond},
		{"exponential attempt 2", exp, 2, 100 * time.Millisecond},
		{"exponential attempt 3", exp, 3, 200 * time.Millisecond},
		{"exponential capped", exp, 4, 350 * time.Millisecond},
		{"zero initial delay", models.RetryPolicy{MaxAttempts: 3}.Normalize(), 2, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Backoff(tt.policy, tt.attempt, nil)
			if got != tt.want {
				t.Fatalf("Backoff(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	policy := models.RetryPolicy{MaxAttempts: 3, InitialDelayMs: 100, UseJitter: true}.Normalize()

	low := Backoff(policy, 2, func() float64 { return 0 })
	if low != 50*time.Millisecond {
		t.Fatalf("jitter floor = %v, want 50ms", low)
	}
	high := Backoff(policy, 2, func() float64 { return 0.9999 })
	if high < 149*time.Millisecond || high >= 150*time.Millisecond {
		t.Fatalf("jitter ceiling = %v, want just under 150ms", high)
	}
}

func TestSleepCtx(t *testing.T) {
	if err := sleepCtx(context.Background(), 0); err != nil {
		t.Fatalf("zero delay: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepCtx(ctx, time.Minute); err == nil {
		t.Fatal("cancelled context should abort the wait")
	}
}
