// Package dispatch creates workflow runs and hands them to workers through
// the partitioned queue. The dispatcher owns the write path up to the first
// worker claim: persist PENDING, publish the RunMessage, and the control
// operations (status, logs, cancel) that act on runs from the outside.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/flowmesh/common/fault"
	"github.com/flowmesh/flowmesh/common/logger"
	"github.com/flowmesh/flowmesh/common/metrics"
	"github.com/flowmesh/flowmesh/common/models"
	"github.com/flowmesh/flowmesh/common/queue"
	"github.com/flowmesh/flowmesh/common/ratelimit"
	"github.com/flowmesh/flowmesh/common/redis"
	"github.com/flowmesh/flowmesh/common/repository"
)

const (
	// idempotencyTTL bounds how long an enqueue idempotency key maps to its
	// first run. Duplicates after the window create a fresh run.
	idempotencyTTL = 24 * time.Hour

	// cancelKeyTTL keeps the cancel hot key alive long past any plausible
	// run duration; the durable store flag is the fallback signal.
	cancelKeyTTL = 24 * time.Hour

	// rateLimitWindowSec is the fixed window for the per-tenant enqueue limit.
	rateLimitWindowSec = 60
)

// CancelKey is the Redis hot key the engine polls for a cancel signal.
// The durable CancelRequested flag covers workers that miss the key.
func CancelKey(runID string) string {
	return "run:cancel:" + runID
}

func idempotencyKey(tenantID, key string) string {
	return fmt.Sprintf("enqueue:%s:%s", tenantID, key)
}

// Store is the persistence surface the dispatcher and reconciler need.
type Store interface {
	repository.RunStore
	repository.ResultStore
}

// RateLimitError reports an enqueue rejected by the per-tenant limit.
type RateLimitError struct {
	TenantID          string
	Limit             int64
	CurrentCount      int64
	RetryAfterSeconds int64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: tenant %s allows %d runs/minute, retry after %d seconds",
		e.TenantID, e.Limit, e.RetryAfterSeconds)
}

// Dispatcher handles run creation and the control plane around runs.
type Dispatcher struct {
	store       Store
	queue       queue.Queue
	redis       *redis.Client
	rateLimiter *ratelimit.Limiter
	rateLimit   int64
	metrics     *metrics.Metrics
	log         *logger.Logger
}

// Opts contains options for creating a Dispatcher. Redis is optional and
// enables idempotency keys and cancel hot keys; RateLimiter is optional and
// only consulted when RateLimit is positive.
type Opts struct {
	Store       Store
	Queue       queue.Queue
	Redis       *redis.Client
	RateLimiter *ratelimit.Limiter
	RateLimit   int64
	Metrics     *metrics.Metrics
	Logger      *logger.Logger
}

// New creates a dispatcher with the options pattern
func New(opts *Opts) *Dispatcher {
	return &Dispatcher{
		store:       opts.Store,
		queue:       opts.Queue,
		redis:       opts.Redis,
		rateLimiter: opts.RateLimiter,
		rateLimit:   opts.RateLimit,
		metrics:     opts.Metrics,
		log:         opts.Logger,
	}
}

// EnqueueRequest carries everything needed to create one run.
type EnqueueRequest struct {
	Workflow *models.Workflow
	Input    map[string]interface{}
	Mode     models.RunMode

	// IdempotencyKey deduplicates retried enqueues: the first call wins and
	// later calls within the window return its run ID. Empty disables.
	IdempotencyKey string

	// Metadata is carried verbatim onto the run and its queue message.
	Metadata map[string]string
}

// Enqueue creates a run for the given workflow snapshot and publishes it to
// the run queue.
func (d *Dispatcher) Enqueue(ctx context.Context, workflow *models.Workflow, input map[string]interface{}, mode models.RunMode) (string, error) {
	return d.EnqueueRun(ctx, &EnqueueRequest{Workflow: workflow, Input: input, Mode: mode})
}

// EnqueueRun creates a run and publishes its RunMessage. The run ID is
// returned once the PENDING row is persisted; if the publish then fails the
// run ID is still returned alongside the error, and the reconciler
// re-publishes the run later, so callers may treat that error as deferred
// rather than failed.
func (d *Dispatcher) EnqueueRun(ctx context.Context, req *EnqueueRequest) (string, error) {
	wf := req.Workflow
	if wf == nil {
		return "", fmt.Errorf("enqueue requires a workflow")
	}
	if wf.TenantID == "" || wf.ID == "" {
		return "", fmt.Errorf("enqueue requires a workflow with tenant and id")
	}

	if d.rateLimiter != nil && d.rateLimit > 0 {
		result, err := d.rateLimiter.CheckTenantLimit(ctx, wf.TenantID, d.rateLimit, rateLimitWindowSec)
		if err != nil {
			// Fail open: an unreachable limiter must not block dispatch.
			d.log.Error("rate limit check failed, allowing enqueue", "tenant_id", wf.TenantID, "error", err)
		} else if !result.Allowed {
			d.metrics.RateLimited()
			return "", &RateLimitError{
				TenantID:          wf.TenantID,
				Limit:             result.Limit,
				CurrentCount:      result.CurrentCount,
				RetryAfterSeconds: result.RetryAfterSeconds,
			}
		}
	}

	runID := uuid.New().String()

	reserved := false
	if req.IdempotencyKey != "" && d.redis != nil {
		key := idempotencyKey(wf.TenantID, req.IdempotencyKey)
		wasSet, err := d.redis.SetNX(ctx, key, runID, idempotencyTTL)
		if err != nil {
			// The caller asked for dedup; creating a possibly duplicate run
			// here would defeat it, so this error is not failed open.
			return "", fmt.Errorf("failed to reserve idempotency key: %w", err)
		}
		if !wasSet {
			existing, found, err := d.redis.Get(ctx, key)
			if err != nil {
				return "", fmt.Errorf("failed to resolve idempotency key: %w", err)
			}
			if found {
				d.log.Info("duplicate enqueue, returning original run",
					"tenant_id", wf.TenantID,
					"idempotency_key", req.IdempotencyKey,
					"run_id", existing)
				return existing, nil
			}
			// Key expired between SETNX and GET; proceed with a new run.
		} else {
			reserved = true
		}
	}

	now := time.Now().UTC()
	run := &models.WorkflowRun{
		ID:              runID,
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		TenantID:        wf.TenantID,
		Mode:            req.Mode,
		Input:           req.Input,
		Status:          models.StatusPending,
		CreatedAt:       now,
		Metadata:        req.Metadata,
	}

	if err := d.store.CreateRun(ctx, run); err != nil {
		if reserved {
			// Best effort: do not leave the key pointing at a run that was
			// never created.
			if delErr := d.redis.Delete(ctx, idempotencyKey(wf.TenantID, req.IdempotencyKey)); delErr != nil {
				d.log.Warn("failed to release idempotency key", "run_id", runID, "error", delErr)
			}
		}
		return "", fmt.Errorf("failed to create run: %w", err)
	}

	msg := &models.RunMessage{
		RunID:           runID,
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		TenantID:        wf.TenantID,
		Mode:            req.Mode,
		Input:           req.Input,
		QueuedAt:        now.UnixMilli(),
		Metadata:        req.Metadata,
	}
	data, err := msg.Marshal()
	if err != nil {
		return runID, fmt.Errorf("run %s persisted but not published: %w", runID, err)
	}
	if err := d.queue.Publish(ctx, msg.Key(), data); err != nil {
		// The run stays PENDING; the reconciler re-publishes it.
		d.log.Warn("run persisted but publish failed, reconciler will re-enqueue",
			"run_id", runID, "error", err)
		return runID, fmt.Errorf("run %s persisted but not published: %w", runID, err)
	}

	d.log.Info("run enqueued",
		"run_id", runID,
		"tenant_id", wf.TenantID,
		"workflow_id", wf.ID,
		"workflow_version", wf.Version,
		"mode", req.Mode)

	return runID, nil
}

// Status returns the current state of a run.
func (d *Dispatcher) Status(ctx context.Context, tenantID, runID string) (*models.WorkflowRun, error) {
	return d.store.GetRun(ctx, tenantID, runID)
}

// GetRunLogs returns the per-node execution records of a run, ordered by
// start time.
func (d *Dispatcher) GetRunLogs(ctx context.Context, tenantID, runID string) ([]*models.NodeExecutionResult, error) {
	return d.store.GetNodeResults(ctx, tenantID, runID)
}

// ListRuns returns runs matching the filter, newest first.
func (d *Dispatcher) ListRuns(ctx context.Context, filter models.RunFilter) ([]*models.WorkflowRun, error) {
	return d.store.ListRuns(ctx, filter)
}

// Cancel requests cancellation of a run. A PENDING run is cancelled on the
// spot; a RUNNING run gets the durable cancel flag plus the Redis hot key the
// engine polls. Returns false when the run is already terminal.
func (d *Dispatcher) Cancel(ctx context.Context, tenantID, runID string) (bool, error) {
	run, err := d.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return false, err
	}
	if run.Status.IsTerminal() {
		return false, nil
	}

	// The durable flag is set first so a worker that claims the run between
	// this read and the writes below still observes the intent.
	ok, err := d.store.RequestCancel(ctx, tenantID, runID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	if run.Status == models.StatusPending {
		err := d.store.FinishRun(ctx, tenantID, runID, 0, models.StatusCancelled, "cancelled before start")
		switch {
		case err == nil:
			d.log.Info("pending run cancelled", "run_id", runID, "tenant_id", tenantID)
		case errors.Is(err, fault.ErrConflict):
			// A worker claimed and finished it first; the flag and hot key
			// below still cover the claimed-but-running case.
		default:
			return false, err
		}
	}

	if d.redis != nil {
		if err := d.redis.Set(ctx, CancelKey(runID), "1", cancelKeyTTL); err != nil {
			d.log.Warn("cancel hot key not set, engine will pick up the store flag",
				"run_id", runID, "error", err)
		}
	}

	d.log.Info("cancel requested", "run_id", runID, "tenant_id", tenantID, "status", run.Status)
	return true, nil
}
