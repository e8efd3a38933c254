package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/flowmesh/flowmesh/common/bootstrap"
	"github.com/flowmesh/flowmesh/common/dispatch"
	"github.com/flowmesh/flowmesh/common/ratelimit"
	"github.com/flowmesh/flowmesh/common/schedule"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bootstrap service components
	components, err := bootstrap.Setup(ctx, "reconciler")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	cfg := components.Config

	reconciler := dispatch.NewReconciler(components.Store, components.Queue, components.Logger).
		WithInterval(cfg.Dispatch.ReconcileInterval).
		WithPendingAge(cfg.Dispatch.PendingAge).
		WithStaleClaimAge(cfg.Dispatch.StaleClaimAge)

	scheduler := schedule.New(&schedule.Opts{
		Store:      components.Store,
		Dispatcher: newDispatcher(components),
		Logger:     components.Logger,
	})

	errChan := make(chan error, 2)

	go func() {
		if err := reconciler.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("reconciler error: %w", err)
		}
	}()

	go func() {
		if err := scheduler.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("scheduler error: %w", err)
		}
	}()

	components.Logger.Info("reconciler started",
		"interval", cfg.Dispatch.ReconcileInterval,
		"pending_age", cfg.Dispatch.PendingAge,
		"stale_claim_age", cfg.Dispatch.StaleClaimAge,
	)

	waitForShutdown(cancel, errChan, components)

	components.Logger.Info("reconciler shut down")
}

// newDispatcher builds the dispatcher scheduled triggers enqueue through.
// It carries the same per-tenant budget as API triggers, so a misconfigured
// cron cannot flood a tenant's queue.
func newDispatcher(components *bootstrap.Components) *dispatch.Dispatcher {
	opts := &dispatch.Opts{
		Store:   components.Store,
		Queue:   components.Queue,
		Redis:   components.Redis,
		Metrics: components.Metrics,
		Logger:  components.Logger,
	}
	if limit := components.Config.Dispatch.RateLimitPerMinute; limit > 0 && components.Redis != nil {
		opts.RateLimiter = ratelimit.New(components.Redis.GetUnderlying(), components.Logger)
		opts.RateLimit = int64(limit)
	}
	return dispatch.New(opts)
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
