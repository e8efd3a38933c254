package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/flowmesh/flowmesh/common/logger"
	"github.com/flowmesh/flowmesh/common/models"
	"github.com/flowmesh/flowmesh/common/queue"
)

// Reconciler repairs the two gaps at-least-once dispatch leaves behind:
// PENDING runs whose publish failed after the persist, and RUNNING runs whose
// worker died without finishing. Both are re-published to the queue; workers
// deduplicate terminal runs and seize stale claims, so re-publishing a run
// that is actually fine is harmless.
type Reconciler struct {
	store         Store
	queue         queue.Queue
	log           *logger.Logger
	interval      time.Duration
	pendingAge    time.Duration
	staleClaimAge time.Duration
	batchSize     int
}

// NewReconciler creates a reconciler with default thresholds
func NewReconciler(store Store, q queue.Queue, log *logger.Logger) *Reconciler {
	return &Reconciler{
		store:         store,
		queue:         q,
		log:           log,
		interval:      30 * time.Second,
		pendingAge:    1 * time.Minute,
		staleClaimAge: 5 * time.Minute,
		batchSize:     100,
	}
}

// WithInterval sets how often the reconciler scans
func (r *Reconciler) WithInterval(interval time.Duration) *Reconciler {
	r.interval = interval
	return r
}

// WithPendingAge sets how old a PENDING run must be before re-publish. It
// must comfortably exceed normal queue latency or runs get published twice.
func (r *Reconciler) WithPendingAge(age time.Duration) *Reconciler {
	r.pendingAge = age
	return r
}

// WithStaleClaimAge sets how stale a RUNNING run's heartbeat must be before
// it is re-enqueued for seizure. It must exceed the worker lease timeout.
func (r *Reconciler) WithStaleClaimAge(age time.Duration) *Reconciler {
	r.staleClaimAge = age
	return r
}

// Start runs the reconcile loop until ctx is cancelled
func (r *Reconciler) Start(ctx context.Context) error {
	r.log.Info("reconciler starting",
		"interval", r.interval,
		"pending_age", r.pendingAge,
		"stale_claim_age", r.staleClaimAge)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler shutting down")
			return ctx.Err()
		case <-ticker.C:
			if err := r.reconcile(ctx); err != nil {
				r.log.Error("reconcile pass failed", "error", err)
			}
		}
	}
}

func (r *Reconciler) reconcile(ctx context.Context) error {
	now := time.Now().UTC()

	if err := r.republishPending(ctx, now); err != nil {
		return err
	}
	return r.requeueStale(ctx, now)
}

// republishPending re-publishes runs that were persisted but never made it
// onto the queue.
func (r *Reconciler) republishPending(ctx context.Context, now time.Time) error {
	runs, err := r.store.ListStalePending(ctx, now.Add(-r.pendingAge), r.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list stale pending runs: %w", err)
	}

	var published int
	for _, run := range runs {
		if err := r.publishRun(ctx, run); err != nil {
			r.log.Error("failed to re-publish pending run", "run_id", run.ID, "error", err)
			continue
		}
		published++
	}

	if published > 0 {
		r.log.Info("re-published pending runs", "count", published)
	}
	return nil
}

// requeueStale re-publishes RUNNING runs whose heartbeat went silent. The
// next worker to receive the message seizes the claim and resumes from the
// recorded node results.
func (r *Reconciler) requeueStale(ctx context.Context, now time.Time) error {
	runs, err := r.store.ListStaleRunning(ctx, now.Add(-r.staleClaimAge), r.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list stale running runs: %w", err)
	}

	var requeued int
	for _, run := range runs {
		r.log.Warn("detected stalled run",
			"run_id", run.ID,
			"worker_id", run.WorkerID,
			"heartbeat_at", run.HeartbeatAt)

		if err := r.publishRun(ctx, run); err != nil {
			r.log.Error("failed to re-enqueue stalled run", "run_id", run.ID, "error", err)
			continue
		}
		requeued++
	}

	if requeued > 0 {
		r.log.Info("re-enqueued stalled runs", "count", requeued)
	}
	return nil
}

func (r *Reconciler) publishRun(ctx context.Context, run *models.WorkflowRun) error {
	msg := &models.RunMessage{
		RunID:           run.ID,
		WorkflowID:      run.WorkflowID,
		WorkflowVersion: run.WorkflowVersion,
		TenantID:        run.TenantID,
		Mode:            run.Mode,
		Input:           run.Input,
		QueuedAt:        time.Now().UTC().UnixMilli(),
		Metadata:        run.Metadata,
	}
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	return r.queue.Publish(ctx, msg.Key(), data)
}
