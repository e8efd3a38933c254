// Package consumer runs the worker side of the run queue: one consume loop
// per owned partition, every message carried through claim, execution and
// the terminal write. The queue acknowledgement is the commit point and
// always comes last, so a worker that dies mid-run leaves a RUNNING row with
// a stale lease for another worker to seize and resume.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/flowmesh/flowmesh/cmd/worker/engine"
	"github.com/flowmesh/flowmesh/common/cache"
	"github.com/flowmesh/flowmesh/common/fault"
	"github.com/flowmesh/flowmesh/common/logger"
	"github.com/flowmesh/flowmesh/common/metrics"
	"github.com/flowmesh/flowmesh/common/models"
	"github.com/flowmesh/flowmesh/common/queue"
	"github.com/flowmesh/flowmesh/common/repository"
)

const (
	// storeAttempts bounds retries of transient store failures before the
	// message is handed back to the queue for redelivery.
	storeAttempts = 3

	// finishTimeout bounds each terminal-write attempt. The write runs on a
	// detached context so shutdown cannot strand a finished run.
	finishTimeout = 5 * time.Second
)

// Store is the persistence surface the consumer needs.
type Store interface {
	repository.RunStore
	repository.ResultStore
	repository.WorkflowStore
}

// Executor runs one claimed run to its terminal outcome. Satisfied by
// *engine.Engine.
type Executor interface {
	Execute(ctx context.Context, wf *models.Workflow, run *models.WorkflowRun, prior []*models.NodeExecutionResult) (*engine.Outcome, error)
}

// Config sizes the consumer loop.
type Config struct {
	// Partitions this worker consumes. Empty means every partition.
	Partitions []int

	// MaxConcurrentRuns caps engine executions across all partitions.
	MaxConcurrentRuns int

	// LeaseTimeout is how stale a RUNNING claim must be before this worker
	// seizes it. It must exceed the heartbeat interval by a wide margin.
	LeaseTimeout time.Duration

	// HeartbeatInterval paces the claim-lease refresh while a run executes.
	HeartbeatInterval time.Duration

	// DrainTimeout is how long in-flight runs keep executing after shutdown
	// begins before they are abandoned for reclaim.
	DrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentRuns <= 0 {
		c.MaxConcurrentRuns = 16
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 2 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	return c
}

// Opts contains options for creating a Consumer. Cache is optional; without
// it every claim fetches the workflow snapshot from the store.
type Opts struct {
	Store    Store
	Queue    queue.Queue
	Engine   Executor
	Cache    *cache.WorkflowCache
	Metrics  *metrics.Metrics
	Logger   *logger.Logger
	Config   Config
	WorkerID string
}

// Consumer drives claimed runs through the engine.
type Consumer struct {
	store    Store
	queue    queue.Queue
	eng      Executor
	cache    *cache.WorkflowCache
	metrics  *metrics.Metrics
	log      *logger.Logger
	cfg      Config
	workerID string
	sem      *semaphore.Weighted
}

// New creates a consumer with the options pattern
func New(opts Opts) *Consumer {
	c := &Consumer{
		store:    opts.Store,
		queue:    opts.Queue,
		eng:      opts.Engine,
		cache:    opts.Cache,
		metrics:  opts.Metrics,
		log:      opts.Logger,
		cfg:      opts.Config.withDefaults(),
		workerID: opts.WorkerID,
	}
	if c.workerID == "" {
		c.workerID = "worker-" + uuid.New().String()[:8]
	}
	if c.log == nil {
		c.log = logger.New("info", "json")
	}
	c.sem = semaphore.NewWeighted(int64(c.cfg.MaxConcurrentRuns))
	return c
}

// WorkerID returns the claim identity this consumer writes on runs.
func (c *Consumer) WorkerID() string {
	return c.workerID
}

func (c *Consumer) partitions() []int {
	if len(c.cfg.Partitions) > 0 {
		return c.cfg.Partitions
	}
	all := make([]int, c.queue.Partitions())
	for i := range all {
		all[i] = i
	}
	return all
}

// Start consumes the owned partitions until ctx is cancelled. Cancellation
// stops delivery at once; runs already executing get DrainTimeout to finish
// before they are interrupted and left for reclaim.
func (c *Consumer) Start(ctx context.Context) error {
	parts := c.partitions()
	c.log.Info("worker consuming",
		"worker_id", c.workerID,
		"partitions", parts,
		"max_concurrent_runs", c.cfg.MaxConcurrentRuns)

	// Delivery stops with ctx; execution continues on execCtx so in-flight
	// runs can land their terminal writes during the drain window.
	execCtx, cancelExec := context.WithCancel(context.Background())
	defer cancelExec()

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range parts {
		p := p
		g.Go(func() error {
			return c.queue.Consume(gctx, p, c.workerID, func(_ context.Context, key string, value []byte) error {
				return c.process(execCtx, key, value)
			})
		})
	}

	stopped := make(chan struct{})
	go func() {
		select {
		case <-gctx.Done():
		case <-stopped:
			return
		}
		timer := time.NewTimer(c.cfg.DrainTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			c.log.Info("drain window elapsed, interrupting in-flight runs")
			cancelExec()
		case <-stopped:
		}
	}()

	err := g.Wait()
	close(stopped)
	c.log.Info("worker stopped", "worker_id", c.workerID)
	return err
}

// process carries one delivery through the claim protocol. A nil return
// acknowledges the message; an error leaves it pending for redelivery.
func (c *Consumer) process(ctx context.Context, key string, value []byte) error {
	msg, err := models.UnmarshalRunMessage(value)
	if err != nil {
		// Poison: redelivering an undecodable payload would wedge the
		// partition, so it is acked and dropped.
		c.log.Warn("dropping malformed run message", "key", key, "error", err)
		return nil
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)

	log := c.log.WithTenantID(msg.TenantID).WithRunID(msg.RunID)

	run, err := c.getRun(ctx, msg.TenantID, msg.RunID)
	if errors.Is(err, fault.ErrNotFound) {
		log.Warn("run message references unknown run, dropping")
		return nil
	}
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		log.Debug("run already terminal, dropping duplicate delivery", "status", run.Status)
		return nil
	}

	claimed, err := c.claimRun(ctx, msg.TenantID, msg.RunID)
	if errors.Is(err, fault.ErrConflict) {
		// Live claim by another worker. Left pending: by the next delivery
		// the run is either terminal or its lease has expired.
		log.Debug("run claimed by another worker, leaving for redelivery")
		return err
	}
	if errors.Is(err, fault.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	log = log.WithWorkflowID(claimed.WorkflowID)
	log.Info("run claimed",
		"workflow_version", claimed.WorkflowVersion,
		"claim_epoch", claimed.ClaimEpoch,
		"mode", claimed.Mode)
	c.metrics.RunStarted(string(claimed.Mode))

	wf, err := c.loadWorkflow(ctx, claimed)
	if errors.Is(err, fault.ErrNotFound) {
		// Nothing to execute and nothing that a retry would fix.
		out := &engine.Outcome{
			Status: models.StatusFailed,
			ErrorMessage: fmt.Sprintf("workflow %s version %d not found",
				claimed.WorkflowID, claimed.WorkflowVersion),
		}
		log.Error("workflow snapshot missing, failing run", "workflow_version", claimed.WorkflowVersion)
		return c.conclude(ctx, log, claimed, out)
	}
	if err != nil {
		c.metrics.RunReleased()
		return err
	}

	prior, err := c.getPrior(ctx, claimed)
	if err != nil {
		c.metrics.RunReleased()
		return err
	}

	outcome, err := c.executeRun(ctx, wf, claimed, prior)
	switch {
	case errors.Is(err, fault.ErrFenced):
		// A newer claim owns the run. Nothing more may be written.
		log.Info("run fenced by a newer claim, abandoning")
		c.metrics.RunReleased()
		return err
	case err != nil:
		log.Error("run execution aborted, leaving claim for reclaim", "error", err)
		c.metrics.RunReleased()
		return err
	}

	if outcome.Status == models.StatusCancelled && ctx.Err() != nil {
		// Shutdown interrupted the run rather than a cancel request. It
		// stays RUNNING so the next claim resumes from the recorded node
		// results.
		log.Info("run interrupted by shutdown, leaving for reclaim")
		c.metrics.RunReleased()
		return ctx.Err()
	}

	return c.conclude(ctx, log, claimed, outcome)
}

// conclude writes the terminal status and, on success, lets the message ack.
func (c *Consumer) conclude(ctx context.Context, log *logger.Logger, run *models.WorkflowRun, outcome *engine.Outcome) error {
	if err := c.finishRun(ctx, run, outcome); err != nil {
		if errors.Is(err, fault.ErrFenced) {
			log.Info("terminal write fenced by a newer claim")
		} else {
			log.Error("terminal run write failed, leaving claim for reclaim", "error", err)
		}
		c.metrics.RunReleased()
		return err
	}
	c.metrics.RunFinished(string(outcome.Status))
	log.Info("run finished", "status", outcome.Status, "error_message", outcome.ErrorMessage)
	return nil
}

// executeRun hands the claimed run to the engine while a lease keeper
// refreshes the claim in the background. Losing the lease cancels execution
// and surfaces as fault.ErrFenced.
func (c *Consumer) executeRun(ctx context.Context, wf *models.Workflow, run *models.WorkflowRun, prior []*models.NodeExecutionResult) (*engine.Outcome, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var fenced atomic.Bool
	go c.keepLease(runCtx, run, &fenced, cancel)

	outcome, err := c.eng.Execute(runCtx, wf, run, prior)
	if fenced.Load() {
		return nil, fmt.Errorf("claim lease lost for run %s: %w", run.ID, fault.ErrFenced)
	}
	return outcome, err
}

// keepLease refreshes the claim on an interval. The engine also heartbeats
// between node completions; this keeps the lease alive through nodes that
// run longer than the lease timeout.
func (c *Consumer) keepLease(ctx context.Context, run *models.WorkflowRun, fenced *atomic.Bool, lost context.CancelFunc) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.store.Heartbeat(ctx, run.TenantID, run.ID, run.ClaimEpoch)
			if err == nil {
				continue
			}
			if errors.Is(err, fault.ErrFenced) {
				c.log.Warn("claim lease lost, interrupting run",
					"run_id", run.ID, "claim_epoch", run.ClaimEpoch)
				fenced.Store(true)
				lost()
				return
			}
			if ctx.Err() == nil {
				c.log.Warn("claim heartbeat failed", "run_id", run.ID, "error", err)
			}
		}
	}
}

func (c *Consumer) getRun(ctx context.Context, tenantID, runID string) (*models.WorkflowRun, error) {
	var run *models.WorkflowRun
	err := c.withRetries(ctx, "load run", func(ctx context.Context) error {
		var err error
		run, err = c.store.GetRun(ctx, tenantID, runID)
		return err
	})
	return run, err
}

func (c *Consumer) claimRun(ctx context.Context, tenantID, runID string) (*models.WorkflowRun, error) {
	var run *models.WorkflowRun
	err := c.withRetries(ctx, "claim run", func(ctx context.Context) error {
		staleBefore := time.Now().UTC().Add(-c.cfg.LeaseTimeout)
		var err error
		run, err = c.store.ClaimRun(ctx, tenantID, runID, c.workerID, staleBefore)
		return err
	})
	return run, err
}

func (c *Consumer) loadWorkflow(ctx context.Context, run *models.WorkflowRun) (*models.Workflow, error) {
	var wf *models.Workflow
	err := c.withRetries(ctx, "load workflow", func(ctx context.Context) error {
		var err error
		if c.cache != nil {
			wf, err = c.cache.Load(ctx, c.store, run.TenantID, run.WorkflowID, run.WorkflowVersion)
		} else {
			wf, err = c.store.GetWorkflow(ctx, run.TenantID, run.WorkflowID, run.WorkflowVersion)
		}
		return err
	})
	return wf, err
}

func (c *Consumer) getPrior(ctx context.Context, run *models.WorkflowRun) ([]*models.NodeExecutionResult, error) {
	var prior []*models.NodeExecutionResult
	err := c.withRetries(ctx, "load node results", func(ctx context.Context) error {
		var err error
		prior, err = c.store.GetNodeResults(ctx, run.TenantID, run.ID)
		return err
	})
	return prior, err
}

// withRetries absorbs transient store failures so a single blip does not
// bounce the message back to the stream. Anything else returns unchanged.
func (c *Consumer) withRetries(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= storeAttempts; attempt++ {
		err = fn(ctx)
		if err == nil || !fault.IsInfrastructure(err) {
			return err
		}
		if attempt < storeAttempts {
			c.log.Warn("store call failed, retrying", "op", op, "attempt", attempt, "error", err)
			if serr := sleepCtx(ctx, time.Duration(attempt)*200*time.Millisecond); serr != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// finishRun writes the terminal status on a detached context so shutdown
// cannot strand a finished run. fault.ErrConflict means another writer beat
// us to a terminal status, which reads as done here.
func (c *Consumer) finishRun(ctx context.Context, run *models.WorkflowRun, outcome *engine.Outcome) error {
	var err error
	for attempt := 1; attempt <= storeAttempts; attempt++ {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
		err = c.store.FinishRun(wctx, run.TenantID, run.ID, run.ClaimEpoch, outcome.Status, outcome.ErrorMessage)
		cancel()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, fault.ErrFenced):
			return err
		case errors.Is(err, fault.ErrConflict):
			return nil
		}
		c.log.Warn("terminal run write failed, retrying",
			"run_id", run.ID, "status", outcome.Status, "attempt", attempt, "error", err)
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	return fault.Infra("finish run", err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
