package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/flowmesh/flowmesh/cmd/worker/adapters"
	"github.com/flowmesh/flowmesh/cmd/worker/condition"
	"github.com/flowmesh/flowmesh/cmd/worker/consumer"
	"github.com/flowmesh/flowmesh/cmd/worker/engine"
	"github.com/flowmesh/flowmesh/cmd/worker/routes"
	"github.com/flowmesh/flowmesh/common/bootstrap"
	"github.com/flowmesh/flowmesh/common/cache"
	"github.com/flowmesh/flowmesh/common/credentials"
	"github.com/flowmesh/flowmesh/common/dispatch"
	"github.com/flowmesh/flowmesh/common/events"
	"github.com/flowmesh/flowmesh/common/server"
)

// Workflow snapshots are immutable per version, so a generous TTL only
// bounds memory, not staleness.
const workflowCacheTTL = 5 * time.Minute

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bootstrap service components
	components, err := bootstrap.Setup(ctx, "worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	components.Logger.Info("worker starting")

	deps, err := initializeDependencies(components)
	if err != nil {
		components.Logger.Error("failed to initialize dependencies", "error", err)
		os.Exit(1)
	}

	wc := createWorkerComponents(deps, components)

	errChan, consumerDone := startComponents(ctx, wc, components)

	components.Logger.Info("worker started",
		"partitions", components.Config.OwnedPartitions(),
		"max_concurrent_runs", components.Config.Worker.MaxConcurrentRuns,
		"ops_port", components.Config.Service.Port,
	)

	waitForShutdown(cancel, errChan, components)

	// In-flight runs land their terminal writes before the store closes.
	<-consumerDone

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := wc.opsServer.Stop(stopCtx); err != nil {
		components.Logger.Warn("failed to stop ops server", "error", err)
	}
	wc.cache.Close()

	components.Logger.Info("worker shut down")
}

// dependencies holds what the engine and consumer are assembled from
type dependencies struct {
	registry   *adapters.Registry
	creds      *credentials.Resolver
	conditions *condition.Evaluator
	emitter    events.Emitter
	signals    engine.CancelSignal
	cache      *cache.WorkflowCache
}

// workerComponents holds everything the worker runs
type workerComponents struct {
	consumer  *consumer.Consumer
	opsServer *server.Server
	cache     *cache.WorkflowCache
}

// initializeDependencies builds the adapter registry, credential resolver
// and the Redis-backed fast paths when Redis is available.
func initializeDependencies(components *bootstrap.Components) (*dependencies, error) {
	registry := adapters.NewRegistry()
	if err := adapters.RegisterBuiltins(registry); err != nil {
		return nil, fmt.Errorf("failed to register adapters: %w", err)
	}
	registry.Freeze()

	deps := &dependencies{
		registry:   registry,
		conditions: condition.NewEvaluator(),
		emitter:    events.NewLogEmitter(components.Logger),
		cache:      cache.NewWorkflowCache(workflowCacheTTL, components.Logger),
	}

	if key := components.Config.Credentials.Key; key != "" {
		creds, err := credentials.NewResolver(credentials.ResolverOpts{
			Store:  components.Store,
			Key:    key,
			Logger: components.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build credential resolver: %w", err)
		}
		deps.creds = creds
	} else {
		components.Logger.Warn("CREDENTIALS_KEY not set, credential references will fail")
	}

	if components.Redis != nil {
		deps.emitter = events.NewRedisEmitter(components.Redis, components.Logger)
		deps.signals = consumer.NewRedisCancelSignal(components.Redis)
	}

	return deps, nil
}

// createWorkerComponents wires the engine, the queue consumer and the ops
// HTTP server.
func createWorkerComponents(deps *dependencies, components *bootstrap.Components) *workerComponents {
	cfg := components.Config

	eng := engine.New(engine.Opts{
		Store:       components.Store,
		Registry:    deps.registry,
		Credentials: deps.creds,
		Conditions:  deps.conditions,
		Signals:     deps.signals,
		Events:      deps.emitter,
		Metrics:     components.Metrics,
		Logger:      components.Logger,
		Config: engine.Config{
			MaxParallel:         cfg.Engine.MaxParallel,
			CancelPollInterval:  cfg.Engine.CancelPollInterval,
			DrainTimeout:        cfg.Engine.DrainTimeout,
			SubworkflowMaxDepth: cfg.Engine.SubworkflowMaxDepth,
		},
		LookupEnv: envLookup(cfg.Engine.EnvAllowlist),
	})

	cons := consumer.New(consumer.Opts{
		Store:   components.Store,
		Queue:   components.Queue,
		Engine:  eng,
		Cache:   deps.cache,
		Metrics: components.Metrics,
		Logger:  components.Logger,
		Config: consumer.Config{
			Partitions:        cfg.OwnedPartitions(),
			MaxConcurrentRuns: cfg.Worker.MaxConcurrentRuns,
			LeaseTimeout:      cfg.Worker.LeaseTimeout,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
			DrainTimeout:      cfg.Worker.DrainTimeout,
		},
		WorkerID: os.Getenv("WORKER_ID"),
	})

	// The worker's dispatcher only serves the ops API: status reads and
	// cancels. Nothing here enqueues new runs.
	d := dispatch.New(&dispatch.Opts{
		Store:   components.Store,
		Queue:   components.Queue,
		Redis:   components.Redis,
		Metrics: components.Metrics,
		Logger:  components.Logger,
	})

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	routes.Register(e, components, d)

	return &workerComponents{
		consumer:  cons,
		cache:     deps.cache,
		opsServer: server.New("worker-ops", cfg.Service.Port, e, components.Logger),
	}
}

// startComponents starts the ops server and the consumer loop. The returned
// done channel closes when the consumer has fully drained.
func startComponents(ctx context.Context, wc *workerComponents, components *bootstrap.Components) (chan error, chan struct{}) {
	errChan := make(chan error, 2)
	consumerDone := make(chan struct{})

	wc.opsServer.Start(errChan)

	go func() {
		defer close(consumerDone)
		components.Logger.Info("starting run consumer")
		if err := wc.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("run consumer error: %w", err)
		}
	}()

	return errChan, consumerDone
}

// waitForShutdown waits for either an error or shutdown signal
func waitForShutdown(cancel context.CancelFunc, errChan chan error, components *bootstrap.Components) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		components.Logger.Error("component failed", "error", err)
		os.Exit(1)
	case sig := <-sigChan:
		components.Logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}
}

// envLookup gates expression $env access behind the configured allowlist.
// An empty allowlist means no environment access at all.
func envLookup(allowlist []string) func(string) (string, bool) {
	if len(allowlist) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(allowlist))
	for _, name := range allowlist {
		allowed[name] = struct{}{}
	}
	return func(name string) (string, bool) {
		if _, ok := allowed[name]; !ok {
			return "", false
		}
		return os.LookupEnv(name)
	}
}
