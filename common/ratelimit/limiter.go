package ratelimit

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/redis/go-redis/v9"
)

//go:embed rate_limit.lua
var rateLimitScript string

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Result contains the outcome of a rate limit check
type Result struct {
	Allowed           bool  // Whether the request is allowed
	CurrentCount      int64 // Current count in the window
	Limit             int64 // The limit that was checked
	RetryAfterSeconds int64 // Seconds until the limit resets (0 if allowed)
}

// Limiter provides per-tenant enqueue limiting using Redis + Lua. The script
// runs the increment, expiry and comparison atomically so concurrent
// dispatchers cannot race past the limit.
type Limiter struct {
	redis  *redis.Client
	script *redis.Script
	logger Logger
}

// New creates a limiter with the embedded Lua script
func New(redisClient *redis.Client, logger Logger) *Limiter {
	return &Limiter{
		redis:  redisClient,
		script: redis.NewScript(rateLimitScript),
		logger: logger,
	}
}

// CheckTenantLimit checks the enqueue rate limit for a tenant
func (l *Limiter) CheckTenantLimit(ctx context.Context, tenantID string, limit int64, windowSec int) (*Result, error) {
	key := fmt.Sprintf("rate_limit:tenant:%s", tenantID)
	return l.checkLimit(ctx, key, limit, windowSec)
}

// checkLimit executes the rate limit Lua script
func (l *Limiter) checkLimit(ctx context.Context, key string, limit int64, windowSec int) (*Result, error) {
	result, err := l.script.Run(ctx, l.redis, []string{key}, limit, windowSec).Result()
	if err != nil {
		l.logger.Error("rate limit check failed", "key", key, "error", err)
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	// Parse result array: {allowed, current_count, limit, retry_after}
	resultArray, ok := result.([]interface{})
	if !ok || len(resultArray) != 4 {
		return nil, fmt.Errorf("unexpected script result format")
	}

	out := &Result{
		Allowed:           resultArray[0].(int64) == 1,
		CurrentCount:      resultArray[1].(int64),
		Limit:             resultArray[2].(int64),
		RetryAfterSeconds: resultArray[3].(int64),
	}

	if !out.Allowed {
		l.logger.Warn("rate limit exceeded",
			"key", key,
			"current", out.CurrentCount,
			"limit", limit,
			"retry_after", out.RetryAfterSeconds)
	} else {
		l.logger.Debug("rate limit check passed",
			"key", key,
			"current", out.CurrentCount,
			"limit", limit)
	}

	return out, nil
}

// GetCurrentCount returns current count without incrementing (for monitoring)
func (l *Limiter) GetCurrentCount(ctx context.Context, key string) (int64, error) {
	count, err := l.redis.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return count, err
}
