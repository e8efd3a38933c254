package bootstrap

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/flowmesh/flowmesh/common/config"
	"github.com/flowmesh/flowmesh/common/db"
	"github.com/flowmesh/flowmesh/common/logger"
	"github.com/flowmesh/flowmesh/common/metrics"
	"github.com/flowmesh/flowmesh/common/queue"
	"github.com/flowmesh/flowmesh/common/redis"
	"github.com/flowmesh/flowmesh/common/repository"
	"github.com/flowmesh/flowmesh/common/telemetry"
)

// Setup initializes all service components
// This is the main entry point for all services
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	// Apply options
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	// 1. Load configuration
	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	// 2. Initialize logger
	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(
			components.Config.Service.LogLevel,
			components.Config.Service.LogFormat,
		)
	}

	components.Logger.Info("initializing service",
		"service", serviceName,
		"environment", components.Config.Service.Environment,
	)

	// 3. Initialize run store (if not skipped)
	if !options.skipStore {
		components.Logger.Info("connecting to run store",
			"driver", components.Config.Database.Driver,
		)
		components.Store, err = openStore(ctx, components.Config, components.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}

		// Register cleanup
		components.addCleanup(func() error {
			components.Logger.Info("closing run store")
			return components.Store.Close()
		})

		if err := components.Store.Init(ctx); err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to init store schema: %w", err)
		}

		if options.storeInitHook != nil {
			components.Logger.Info("running store init hook")
			if err := options.storeInitHook(ctx, components.Store); err != nil {
				components.Shutdown(ctx) // Cleanup what we've initialized
				return nil, fmt.Errorf("store init hook failed: %w", err)
			}
		}
	}

	// 4. Initialize Redis (if not skipped)
	if !options.skipRedis {
		components.Logger.Info("connecting to redis", "addr", components.Config.RedisAddr())
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     components.Config.RedisAddr(),
			Password: components.Config.Redis.Password,
			DB:       components.Config.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			rdb.Close()
			components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		components.Redis = redis.NewClient(rdb, components.Logger)

		components.addCleanup(func() error {
			components.Logger.Info("closing redis connection")
			return rdb.Close()
		})
	}

	// 5. Initialize queue (if not skipped)
	if !options.skipQueue {
		components.Logger.Info("initializing queue",
			"type", components.Config.Queue.Type,
			"partitions", components.Config.Queue.Partitions,
		)

		switch components.Config.Queue.Type {
		case "memory":
			components.Queue = queue.NewMemoryQueue(components.Config.Queue.Partitions, components.Logger)
		case "redis":
			if components.Redis == nil {
				components.Shutdown(ctx)
				return nil, fmt.Errorf("redis queue requires a redis connection")
			}
			components.Queue = queue.NewStreamQueue(queue.StreamQueueOpts{
				Redis:             components.Redis,
				Logger:            components.Logger,
				StreamPrefix:      components.Config.Queue.StreamPrefix,
				Partitions:        components.Config.Queue.Partitions,
				Group:             components.Config.Queue.Group,
				BlockTime:         components.Config.Queue.BlockTime,
				VisibilityTimeout: components.Config.Queue.VisibilityTimeout,
			})
		default:
			components.Shutdown(ctx)
			return nil, fmt.Errorf("unknown queue type: %s", components.Config.Queue.Type)
		}

		// Register cleanup
		components.addCleanup(func() error {
			components.Logger.Info("closing queue")
			return components.Queue.Close()
		})
	}

	// 6. Metrics registry; served by telemetry and the worker ops surface
	components.Metrics = metrics.New()

	// 7. Initialize telemetry (if not skipped)
	if !options.skipTelemetry {
		components.Telemetry = telemetry.New(telemetry.Opts{
			Logger:      components.Logger,
			EnablePprof: components.Config.Telemetry.EnablePprof,
			PprofPort:   components.Config.Telemetry.PprofPort,
			MetricsPort: components.Config.Telemetry.MetricsPort,
			Registry:    components.Metrics.Registry(),
		})
		if err := components.Telemetry.Start(ctx); err != nil {
			components.Logger.Warn("failed to start telemetry", "error", err)
			// Don't fail startup if telemetry fails
		}
		components.addCleanup(func() error {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return components.Telemetry.Stop(stopCtx)
		})
	}

	components.Logger.Info("service initialization complete",
		"service", serviceName,
		"store", components.Store != nil,
		"redis", components.Redis != nil,
		"queue", components.Queue != nil,
		"telemetry", components.Telemetry != nil,
	)

	return components, nil
}

func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (repository.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		database, err := db.New(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		return repository.NewPostgresStore(database, log), nil
	case "sqlite":
		return repository.NewSQLiteStore(cfg.Database.SQLiteDSN, log)
	case "memory":
		return repository.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown database driver: %s", cfg.Database.Driver)
	}
}

// MustSetup is like Setup but panics on error
// Useful for services that can't recover from initialization failure
func MustSetup(ctx context.Context, serviceName string, opts ...Option) *Components {
	components, err := Setup(ctx, serviceName, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to setup service %s: %v", serviceName, err))
	}
	return components
}
