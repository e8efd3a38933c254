// Package engine executes one workflow run to a terminal status: it plans
// the graph, schedules nodes as their inbound edges resolve, drives
// adapters with retry and timeout, and records every node result durably
// before evaluating successors.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/flowmesh/flowmesh/cmd/worker/adapters"
	"github.com/flowmesh/flowmesh/cmd/worker/condition"
	"github.com/flowmesh/flowmesh/common/credentials"
	"github.com/flowmesh/flowmesh/common/events"
	"github.com/flowmesh/flowmesh/common/fault"
	"github.com/flowmesh/flowmesh/common/logger"
	"github.com/flowmesh/flowmesh/common/metrics"
	"github.com/flowmesh/flowmesh/common/models"
	"github.com/flowmesh/flowmesh/common/repository"
	"github.com/flowmesh/flowmesh/common/telemetry"
)

// Store is the persistence surface the engine reads and writes through.
// Runs and results are fenced by the claim epoch; workflows are needed to
// spawn sub-workflow children.
type Store interface {
	repository.RunStore
	repository.ResultStore
	repository.WorkflowStore
}

// CancelSignal is the fast path for cancel intent, typically backed by the
// dispatcher's Redis hot key. The durable store flag is polled as fallback.
type CancelSignal interface {
	CancelRequested(ctx context.Context, tenantID, runID string) (bool, error)
}

// Config carries engine-wide execution defaults. Workflow settings
// override MaxParallel and RunTimeout per run.
type Config struct {
	MaxParallel         int
	DefaultNodeTimeout  time.Duration
	RunTimeout          time.Duration
	DrainTimeout        time.Duration
	CancelPollInterval  time.Duration
	SubworkflowMaxDepth int
}

func (c Config) withDefaults() Config {
	if c.MaxParallel <= 0 {
		c.MaxParallel = 8
	}
	if c.DefaultNodeTimeout <= 0 {
		c.DefaultNodeTimeout = 30 * time.Second
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = time.Hour
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	if c.CancelPollInterval <= 0 {
		c.CancelPollInterval = 500 * time.Millisecond
	}
	if c.SubworkflowMaxDepth <= 0 {
		c.SubworkflowMaxDepth = 8
	}
	return c
}

// Opts holds the constructor options for Engine
type Opts struct {
	Store       Store
	Registry    *adapters.Registry
	Credentials *credentials.Resolver
	Conditions  *condition.Evaluator
	Signals     CancelSignal
	Events      events.Emitter
	Metrics     *metrics.Metrics
	Logger      *logger.Logger
	Config      Config

	// Heartbeat overrides the claim-lease refresh called between node
	// completions. When nil the engine heartbeats through the store with
	// the run's own claim epoch. fault.ErrFenced aborts the run silently.
	Heartbeat func(ctx context.Context) error

	// Clock, Rand and NewID exist so tests can pin time, jitter and child
	// run ids.
	Clock     func() time.Time
	Rand      func() float64
	NewID     func() string
	LookupEnv func(name string) (string, bool)
}

// Engine executes workflow runs. One Engine serves many concurrent runs;
// per-run state lives in an execution.
type Engine struct {
	store      Store
	registry   *adapters.Registry
	creds      *credentials.Resolver
	conditions *condition.Evaluator
	signals    CancelSignal
	events     events.Emitter
	metrics    *metrics.Metrics
	log        *logger.Logger
	cfg        Config
	heartbeat  func(ctx context.Context) error
	clock      func() time.Time
	rand       func() float64
	newID      func() string
	lookupEnv  func(name string) (string, bool)
}

// New creates an engine with the given options
func New(opts Opts) *Engine {
	e := &Engine{
		store:      opts.Store,
		registry:   opts.Registry,
		creds:      opts.Credentials,
		conditions: opts.Conditions,
		signals:    opts.Signals,
		events:     opts.Events,
		metrics:    opts.Metrics,
		log:        opts.Logger,
		cfg:        opts.Config.withDefaults(),
		heartbeat:  opts.Heartbeat,
		clock:      opts.Clock,
		rand:       opts.Rand,
		newID:      opts.NewID,
		lookupEnv:  opts.LookupEnv,
	}
	if e.conditions == nil {
		e.conditions = condition.NewEvaluator()
	}
	if e.events == nil {
		e.events = events.NopEmitter{}
	}
	if e.log == nil {
		e.log = logger.New("info", "json")
	}
	if e.clock == nil {
		e.clock = func() time.Time { return time.Now().UTC() }
	}
	if e.rand == nil {
		e.rand = rand.Float64
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e
}

func (e *Engine) now() time.Time { return e.clock() }

// Outcome is the terminal result of one engine execution. The caller owns
// the FinishRun write; the engine only computes the verdict. Output holds
// the successful leaf node outputs of a COMPLETED run.
type Outcome struct {
	Status       models.RunStatus
	ErrorMessage string
	Output       map[string]interface{}
}

// Execute drives the run to a terminal status. Prior terminal node results
// seed the schedule so already-successful nodes are never re-invoked on
// redelivery. A non-nil error means infrastructure failed or the claim was
// fenced; the run stays RUNNING for the caller to handle per protocol.
func (e *Engine) Execute(ctx context.Context, wf *models.Workflow, run *models.WorkflowRun, prior []*models.NodeExecutionResult) (*Outcome, error) {
	return e.execute(ctx, wf, run, prior, 0)
}

func (e *Engine) execute(ctx context.Context, wf *models.Workflow, run *models.WorkflowRun, prior []*models.NodeExecutionResult, depth int) (*Outcome, error) {
	log := e.log.WithRunID(run.ID).WithWorkflowID(wf.ID).WithTenantID(run.TenantID)

	ctx, span := telemetry.Tracer().Start(ctx, "engine.execute", trace.WithAttributes(
		attribute.String("run_id", run.ID),
		attribute.String("workflow_id", wf.ID),
		attribute.Int("workflow_version", wf.Version),
		attribute.Int("depth", depth),
	))
	defer span.End()

	e.events.Emit(ctx, events.Event{
		Type:     events.RunStarted,
		TenantID: run.TenantID,
		RunID:    run.ID,
		Status:   string(models.StatusRunning),
		At:       e.now(),
	})
	log.Info("run starting", "mode", run.Mode, "nodes", len(wf.Nodes), "depth", depth)

	plan, err := e.plan(ctx, wf, run.TenantID)
	if err != nil {
		var ve *fault.ValidationError
		var ce *fault.CredentialError
		if errors.As(err, &ve) || errors.As(err, &ce) {
			outcome := &Outcome{Status: models.StatusFailed, ErrorMessage: err.Error()}
			log.Warn("run rejected before execution", "error", err)
			e.emitFinished(ctx, run, outcome)
			return outcome, nil
		}
		return nil, err
	}

	x := &execution{
		engine:    e,
		wf:        wf,
		run:       run,
		plan:      plan,
		depth:     depth,
		log:       log,
		sem:       semaphore.NewWeighted(int64(e.maxParallel(wf))),
		doneCh:    make(chan nodeDone, len(plan.Nodes)),
		cancelSig: make(chan struct{}, 1),
		results:   make(map[string]*models.NodeExecutionResult, len(plan.Nodes)),
		running:   make(map[string]time.Time),
	}
	outcome, err := x.start(ctx, prior)
	if err != nil {
		return nil, err
	}

	log.Info("run finished", "status", outcome.Status, "error", outcome.ErrorMessage)
	e.emitFinished(ctx, run, outcome)
	return outcome, nil
}

func (e *Engine) emitFinished(ctx context.Context, run *models.WorkflowRun, outcome *Outcome) {
	e.events.Emit(context.WithoutCancel(ctx), events.Event{
		Type:     events.RunFinished,
		TenantID: run.TenantID,
		RunID:    run.ID,
		Status:   string(outcome.Status),
		Message:  outcome.ErrorMessage,
		At:       e.now(),
	})
}

// plan builds the graph plan and checks every referenced credential
// resolves in the run's tenant.
func (e *Engine) plan(ctx context.Context, wf *models.Workflow, tenantID string) (*Plan, error) {
	plan, err := BuildPlan(wf, e.registry)
	if err != nil {
		return nil, err
	}
	if e.creds != nil {
		seen := make(map[string]bool)
		for _, id := range plan.Order {
			credID := plan.Nodes[id].CredentialID
			if credID == "" || seen[credID] {
				continue
			}
			seen[credID] = true
			if err := e.creds.Validate(ctx, tenantID, credID); err != nil {
				return nil, err
			}
		}
	}
	return plan, nil
}

func (e *Engine) maxParallel(wf *models.Workflow) int {
	if wf.Settings.MaxParallel > 0 {
		return wf.Settings.MaxParallel
	}
	return e.cfg.MaxParallel
}

// nodeDone crosses from a node goroutine back to the scheduler. err is
// reserved for conditions that abort the whole run: infrastructure
// exhaustion or a fenced write.
type nodeDone struct {
	nodeID string
	result *models.NodeExecutionResult
	err    error
}

// execution is the per-run scheduler state. results, running and the
// stop/fail flags belong to the scheduler goroutine; node goroutines only
// send over doneCh and never touch them.
type execution struct {
	engine *Engine
	wf     *models.Workflow
	run    *models.WorkflowRun
	plan   *Plan
	depth  int
	log    *logger.Logger

	sem       *semaphore.Weighted
	doneCh    chan nodeDone
	cancelSig chan struct{}
	cancelRun context.CancelFunc

	results map[string]*models.NodeExecutionResult
	running map[string]time.Time

	stopping  bool
	failed    bool
	failMsg   string
	cancelled bool
	cancelMsg string
}

func (x *execution) start(ctx context.Context, prior []*models.NodeExecutionResult) (*Outcome, error) {
	x.seed(prior)

	// A failure recorded before a crash must still fail the run on resume.
	for id, r := range x.results {
		if r.Status == models.NodeFailed && !x.plan.Nodes[id].ContinueOnFailure {
			x.failed = true
			x.failMsg = fmt.Sprintf("node %s failed: %s", id, r.ErrorMessage)
		}
	}
	if x.failed {
		return x.outcome(), nil
	}

	if x.run.CancelRequested {
		x.cancelled = true
		x.cancelMsg = "cancel requested"
		x.emitCancelling(ctx)
		if err := x.finalizeCancelled(ctx); err != nil {
			return nil, err
		}
		return x.outcome(), nil
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	x.cancelRun = cancelRun
	if t := x.runTimeout(); t > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, t)
		defer cancelTimeout()
	}

	go x.watchCancel(runCtx)

	if err := x.loop(runCtx, ctx); err != nil {
		return nil, err
	}
	if x.cancelled {
		if err := x.finalizeCancelled(ctx); err != nil {
			return nil, err
		}
	}
	return x.outcome(), nil
}

func (x *execution) seed(prior []*models.NodeExecutionResult) {
	for _, r := range prior {
		if r == nil || !r.Status.IsTerminal() {
			continue
		}
		// A CANCELLED record on a non-terminal run means an earlier claim
		// was abandoned mid-node. The node never finished, so it re-runs.
		if r.Status == models.NodeCancelled {
			continue
		}
		// Composite loop body ids are not schedulable nodes.
		if _, ok := x.plan.Nodes[r.NodeID]; !ok {
			continue
		}
		x.results[r.NodeID] = r
	}
}

func (x *execution) runTimeout() time.Duration {
	if ms := x.wf.Settings.RunTimeoutMs; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return x.engine.cfg.RunTimeout
}

// loop is the scheduler: sweep for runnable nodes, dispatch, wait for a
// completion or a stop signal, repeat until nothing is left.
func (x *execution) loop(runCtx, parent context.Context) error {
	for {
		if !x.stopping {
			if err := x.advance(runCtx); err != nil {
				return err
			}
		}
		if len(x.running) == 0 {
			if x.stopping || x.allResolved() {
				return nil
			}
			x.log.Error("engine stalled with unresolved nodes")
			x.failed = true
			x.failMsg = "engine stalled: no runnable nodes"
			return nil
		}
		select {
		case d := <-x.doneCh:
			if err := x.complete(runCtx, d); err != nil {
				return err
			}
		case <-runCtx.Done():
			x.noteStop(runCtx, parent)
			return x.drain(runCtx)
		}
	}
}

// advance sweeps the plan in topological order. Because predecessors come
// first in Order, skip cascades settle in a single sweep.
func (x *execution) advance(ctx context.Context) error {
	for _, id := range x.plan.Order {
		if _, done := x.results[id]; done {
			continue
		}
		if _, inflight := x.running[id]; inflight {
			continue
		}
		node := x.plan.Nodes[id]
		inbound := x.plan.Preds[id]

		// Roots: trigger nodes seed with the run input; any other
		// parentless node cannot be reached.
		if len(inbound) == 0 {
			if x.isTrigger(node) {
				if err := x.dispatch(ctx, node); err != nil {
					return err
				}
			} else if err := x.skip(ctx, node, "not reachable from a trigger"); err != nil {
				return err
			}
			continue
		}

		if node.Type == mergeType {
			if x.predsTerminal(id) {
				if err := x.resolveMerge(ctx, node); err != nil {
					return err
				}
			}
			continue
		}

		ready := true
		blocked := false
		for _, edge := range inbound {
			switch x.edgeState(x.plan, edge, x.results) {
			case edgePending:
				ready = false
			case edgeBlocked:
				blocked = true
			}
		}
		if blocked {
			if err := x.skip(ctx, node, "upstream path not taken"); err != nil {
				return err
			}
			continue
		}
		if !ready {
			continue
		}
		if err := x.dispatch(ctx, node); err != nil {
			return err
		}
	}
	return nil
}

func (x *execution) isTrigger(node *models.Node) bool {
	a, ok := x.engine.registry.Lookup(node.Type)
	return ok && a.Metadata().Kind == adapters.KindTrigger
}

func (x *execution) predsTerminal(id string) bool {
	for _, edge := range x.plan.Preds[id] {
		r, ok := x.results[edge.From]
		if !ok || !r.Status.IsTerminal() {
			return false
		}
	}
	return true
}

func (x *execution) dispatch(ctx context.Context, node *models.Node) error {
	if !x.sem.TryAcquire(1) {
		return nil // parallelism budget spent; retried next sweep
	}
	bag := bagWith(x.run.Input, x.plan.Preds[node.ID], x.results)
	x.running[node.ID] = x.engine.now()
	x.engine.metrics.NodeStarted()
	x.emit(ctx, events.Event{Type: events.NodeStarted, NodeID: node.ID})
	x.log.Debug("node dispatched", "node_id", node.ID, "type", node.Type)

	go func() {
		res, err := x.runNode(ctx, nodeRun{node: node, recordID: node.ID, bag: bag})
		// Release before the send so the permit is free by the time the
		// scheduler processes the completion and sweeps again.
		x.sem.Release(1)
		x.doneCh <- nodeDone{nodeID: node.ID, result: res, err: err}
	}()
	return nil
}

func (x *execution) skip(ctx context.Context, node *models.Node, reason string) error {
	now := x.engine.now()
	res := &models.NodeExecutionResult{
		RunID:        x.run.ID,
		NodeID:       node.ID,
		Status:       models.NodeSkipped,
		ErrorMessage: reason,
		StartedAt:    now,
		EndedAt:      now,
	}
	x.log.Debug("node skipped", "node_id", node.ID, "reason", reason)
	return x.finishNode(ctx, node, res)
}

func (x *execution) complete(ctx context.Context, d nodeDone) error {
	delete(x.running, d.nodeID)
	if d.err != nil {
		return d.err
	}
	if err := x.finishNode(ctx, x.plan.Nodes[d.nodeID], d.result); err != nil {
		return err
	}
	return x.refreshLease(ctx)
}

// finishNode is the single funnel for terminal node records: durable write
// first, then bookkeeping, then the run-level failure policy.
func (x *execution) finishNode(ctx context.Context, node *models.Node, res *models.NodeExecutionResult) error {
	if err := x.recordResult(ctx, res); err != nil {
		return err
	}
	x.results[res.NodeID] = res
	x.emit(ctx, events.Event{
		Type:    events.NodeFinished,
		NodeID:  res.NodeID,
		Status:  string(res.Status),
		Attempt: res.Attempt,
		Message: res.ErrorMessage,
	})
	// Attempt 0 means the node never started, so the inflight gauge was
	// never incremented for it.
	if res.Attempt > 0 {
		x.engine.metrics.NodeFinished(node.Type, string(res.Status), time.Duration(res.DurationMs)*time.Millisecond)
	}
	x.log.Debug("node finished", "node_id", res.NodeID, "status", res.Status, "attempt", res.Attempt)

	if res.Status == models.NodeFailed && !node.ContinueOnFailure && !x.failed {
		x.failed = true
		x.failMsg = fmt.Sprintf("node %s failed: %s", node.ID, res.ErrorMessage)
		x.stopping = true
		x.log.Warn("node failure fails the run", "node_id", node.ID, "error", res.ErrorMessage)
		if x.cancelRun != nil {
			x.cancelRun()
		}
	}
	return nil
}

func (x *execution) refreshLease(ctx context.Context) error {
	var err error
	if x.depth == 0 && x.engine.heartbeat != nil {
		err = x.engine.heartbeat(ctx)
	} else {
		// Every run, child included, carries its own claim epoch, so the
		// store write is fenced per run.
		err = x.engine.store.Heartbeat(ctx, x.run.TenantID, x.run.ID, x.run.ClaimEpoch)
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, fault.ErrFenced) {
		return err
	}
	x.log.Warn("claim heartbeat failed", "error", err)
	return nil
}

// recordResult writes one node record, retrying transient store errors.
// Writes survive run cancellation: terminal records must land even while
// the run context is tearing down.
func (x *execution) recordResult(ctx context.Context, res *models.NodeExecutionResult) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		err = x.engine.store.RecordNodeResult(wctx, x.run.TenantID, x.run.ClaimEpoch, res)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, fault.ErrFenced) {
			return err
		}
	}
	return fault.Infra("record node result", err)
}

func (x *execution) noteStop(runCtx, parent context.Context) {
	x.stopping = true
	if x.failed || x.cancelled {
		return
	}
	x.cancelled = true
	select {
	case <-x.cancelSig:
		x.cancelMsg = "cancel requested"
	default:
		switch {
		case errors.Is(context.Cause(runCtx), context.DeadlineExceeded):
			x.cancelMsg = "run timeout exceeded"
		case parent.Err() != nil:
			x.cancelMsg = "worker shutting down"
		default:
			x.cancelMsg = "cancelled"
		}
	}
	x.emitCancelling(runCtx)
}

func (x *execution) emitCancelling(ctx context.Context) {
	x.log.Info("run cancelling", "reason", x.cancelMsg)
	x.emit(context.WithoutCancel(ctx), events.Event{Type: events.RunCancelling, Message: x.cancelMsg})
}

// drain waits out in-flight nodes after a stop, bounded by DrainTimeout.
// Stragglers still running at the deadline are recorded CANCELLED.
func (x *execution) drain(ctx context.Context) error {
	if len(x.running) == 0 {
		return nil
	}
	timer := time.NewTimer(x.engine.cfg.DrainTimeout)
	defer timer.Stop()
	for len(x.running) > 0 {
		select {
		case d := <-x.doneCh:
			if err := x.complete(ctx, d); err != nil {
				return err
			}
		case <-timer.C:
			now := x.engine.now()
			for id, startedAt := range x.running {
				node := x.plan.Nodes[id]
				res := &models.NodeExecutionResult{
					RunID:        x.run.ID,
					NodeID:       id,
					Status:       models.NodeCancelled,
					Attempt:      1,
					ErrorMessage: "cancelled before completion",
					StartedAt:    startedAt,
					EndedAt:      now,
					DurationMs:   now.Sub(startedAt).Milliseconds(),
				}
				x.log.Warn("node did not stop within drain timeout", "node_id", id)
				if err := x.finishNode(ctx, node, res); err != nil {
					return err
				}
			}
			x.running = make(map[string]time.Time)
			return nil
		}
	}
	return nil
}

// finalizeCancelled records CANCELLED for every node the run never reached.
func (x *execution) finalizeCancelled(ctx context.Context) error {
	now := x.engine.now()
	for _, id := range x.plan.Order {
		if _, ok := x.results[id]; ok {
			continue
		}
		res := &models.NodeExecutionResult{
			RunID:        x.run.ID,
			NodeID:       id,
			Status:       models.NodeCancelled,
			ErrorMessage: x.cancelMsg,
			StartedAt:    now,
			EndedAt:      now,
		}
		if err := x.finishNode(ctx, x.plan.Nodes[id], res); err != nil {
			return err
		}
	}
	return nil
}

func (x *execution) allResolved() bool {
	for id := range x.plan.Nodes {
		if _, ok := x.results[id]; !ok {
			return false
		}
	}
	return true
}

func (x *execution) outcome() *Outcome {
	switch {
	case x.failed:
		return &Outcome{Status: models.StatusFailed, ErrorMessage: x.failMsg}
	case x.cancelled:
		return &Outcome{Status: models.StatusCancelled, ErrorMessage: x.cancelMsg}
	default:
		return &Outcome{Status: models.StatusCompleted, Output: leafOutputs(x.plan, x.results)}
	}
}

// watchCancel polls the fast cancel signal and the durable store flag,
// cancelling the run context when either fires.
func (x *execution) watchCancel(ctx context.Context) {
	ticker := time.NewTicker(x.engine.cfg.CancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !x.cancelRequested(ctx) {
				continue
			}
			select {
			case x.cancelSig <- struct{}{}:
			default:
			}
			x.cancelRun()
			return
		}
	}
}

func (x *execution) cancelRequested(ctx context.Context) bool {
	if x.engine.signals != nil {
		ok, err := x.engine.signals.CancelRequested(ctx, x.run.TenantID, x.run.ID)
		if err != nil {
			x.log.Debug("cancel signal check failed", "error", err)
		} else if ok {
			return true
		}
	}
	ok, err := x.engine.store.CancelRequested(ctx, x.run.TenantID, x.run.ID)
	if err != nil {
		x.log.Debug("cancel flag read failed", "error", err)
		return false
	}
	return ok
}

func (x *execution) emit(ctx context.Context, ev events.Event) {
	ev.TenantID = x.run.TenantID
	ev.RunID = x.run.ID
	if ev.At.IsZero() {
		ev.At = x.engine.now()
	}
	x.engine.events.Emit(ctx, ev)
}

// edgeState classifies one inbound edge against the current results.
type edgeState int

const (
	edgePending edgeState = iota
	edgeSatisfied
	edgeBlocked
)

func (x *execution) edgeState(plan *Plan, edge models.Edge, results map[string]*models.NodeExecutionResult) edgeState {
	src, ok := results[edge.From]
	if !ok || !src.Status.IsTerminal() {
		return edgePending
	}
	if src.Status != models.NodeSuccess {
		return edgeBlocked
	}
	if !x.labelTaken(plan, edge, src.Output) {
		return edgeBlocked
	}
	if edge.Condition != "" {
		ok, err := x.engine.conditions.Evaluate(edge.Condition, src.Output, x.run.Input)
		if err != nil {
			x.log.Warn("edge condition failed to evaluate",
				"from", edge.From, "to", edge.To, "condition", edge.Condition, "error", err)
			return edgeBlocked
		}
		if !ok {
			return edgeBlocked
		}
	}
	return edgeSatisfied
}

// labelTaken applies branch selection for if and switch sources. Every
// other node type traverses all its outgoing edges on success.
func (x *execution) labelTaken(plan *Plan, edge models.Edge, output map[string]interface{}) bool {
	src := plan.Nodes[edge.From]
	switch src.Type {
	case ifType:
		taken := "false"
		if b, _ := output["result"].(bool); b {
			taken = "true"
		}
		return edge.Label == taken
	case switchType:
		caseLabel, _ := output["case"].(string)
		for _, out := range plan.Succs[edge.From] {
			if out.Label == caseLabel {
				return edge.Label == caseLabel
			}
		}
		return edge.Label == "default"
	default:
		return true
	}
}

// bagWith builds a node's input document: the base document, each
// predecessor's output splatted in lexicographic order, then one named
// entry per predecessor.
func bagWith(base map[string]interface{}, inbound []models.Edge, results map[string]*models.NodeExecutionResult) map[string]interface{} {
	bag := make(map[string]interface{}, len(base))
	for k, v := range base {
		bag[k] = v
	}

	seen := make(map[string]bool, len(inbound))
	ids := make([]string, 0, len(inbound))
	for _, e := range inbound {
		if !seen[e.From] {
			seen[e.From] = true
			ids = append(ids, e.From)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		if r, ok := results[id]; ok && r.Status == models.NodeSuccess {
			for k, v := range r.Output {
				bag[k] = v
			}
		}
	}
	for _, id := range ids {
		if r, ok := results[id]; ok && r.Status == models.NodeSuccess {
			bag[id] = r.Output
		}
	}
	return bag
}
