package bootstrap

import (
	"context"

	"github.com/flowmesh/flowmesh/common/config"
	"github.com/flowmesh/flowmesh/common/logger"
	"github.com/flowmesh/flowmesh/common/repository"
)

// Option configures the bootstrap process
type Option func(*options)

type options struct {
	skipStore     bool
	skipRedis     bool
	skipQueue     bool
	skipTelemetry bool
	customLogger  *logger.Logger
	customConfig  *config.Config
	storeInitHook func(context.Context, repository.Store) error
}

// WithoutStore skips run-store initialization
func WithoutStore() Option {
	return func(o *options) {
		o.skipStore = true
	}
}

// WithoutRedis skips the Redis client. Implies a memory queue.
func WithoutRedis() Option {
	return func(o *options) {
		o.skipRedis = true
	}
}

// WithoutQueue skips queue initialization
func WithoutQueue() Option {
	return func(o *options) {
		o.skipQueue = true
	}
}

// WithoutTelemetry skips telemetry initialization
func WithoutTelemetry() Option {
	return func(o *options) {
		o.skipTelemetry = true
	}
}

// WithCustomLogger uses a custom logger instead of creating one
func WithCustomLogger(log *logger.Logger) Option {
	return func(o *options) {
		o.customLogger = log
	}
}

// WithCustomConfig uses a custom config instead of loading from env
func WithCustomConfig(cfg *config.Config) Option {
	return func(o *options) {
		o.customConfig = cfg
	}
}

// WithStoreInitHook runs a custom function after the store schema is ready.
// Useful for seeding workflows or credentials in development.
func WithStoreInitHook(hook func(context.Context, repository.Store) error) Option {
	return func(o *options) {
		o.storeInitHook = hook
	}
}

func defaultOptions() *options {
	return &options{}
}
