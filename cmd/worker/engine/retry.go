package engine

import (
	"context"
	"math"
	"time"

	"github.com/flowmesh/flowmesh/common/models"
)

// Backoff returns the wait before attempt k under a normalized policy.
// Attempt 1 never waits. Exponential growth starts from the initial delay
// at attempt 2 and is capped at MaxDelayMs; jitter scales the result by a
// uniform factor in [0.5, 1.5) drawn from rng.
func Backoff(policy models.RetryPolicy, attempt int, rng func() float64) time.Duration {
	if attempt <= 1 || policy.InitialDelayMs <= 0 {
		return 0
	}
	delay := float64(policy.InitialDelayMs)
	if policy.UseExponentialBackoff {
		delay *= math.Pow(policy.Multiplier, float64(attempt-2))
		if limit := float64(policy.MaxDelayMs); limit > 0 && delay > limit {
			delay = limit
		}
	}
	if policy.UseJitter && rng != nil {
		delay *= 0.5 + rng()
	}
	return time.Duration(delay * float64(time.Millisecond))
}

// sleepCtx waits out a retry delay, returning early when ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
