package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/flowmesh/flowmesh/cmd/worker/adapters"
	"github.com/flowmesh/flowmesh/common/events"
	"github.com/flowmesh/flowmesh/common/expr"
	"github.com/flowmesh/flowmesh/common/fault"
	"github.com/flowmesh/flowmesh/common/models"
)

// Node types with engine-native semantics. If and switch run their
// adapters and route by edge label afterwards; loop, merge and
// sub-workflow replace or wrap the adapter call with engine orchestration.
const (
	ifType          = "core.if"
	switchType      = "core.switch"
	loopType        = "core.loop"
	mergeType       = "core.merge"
	subworkflowType = "core.subworkflow"
)

// loopBody is the sub-graph executed once per loop iteration. It lives in
// the node config under "body" and is never expression-resolved at the
// loop level; body node configs resolve per iteration with $loop bound.
type loopBody struct {
	Nodes []models.Node `json:"nodes"`
	Edges []models.Edge `json:"edges"`
}

func parseLoopBody(raw interface{}) (*loopBody, error) {
	if raw == nil {
		return nil, fmt.Errorf("loop body is missing")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("loop body is not valid JSON: %w", err)
	}
	var body loopBody
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("loop body must be an object with nodes and edges: %w", err)
	}
	if len(body.Nodes) == 0 {
		return nil, fmt.Errorf("loop body has no nodes")
	}
	return &body, nil
}

// runLoop expands a loop node: the loop adapter yields the items, then the
// body sub-graph runs once per item (or per batch), sequentially, each
// iteration recording its nodes under composite ids.
func (x *execution) runLoop(ctx context.Context, nr nodeRun, attemptNo int, policy models.RetryPolicy, delay time.Duration) (map[string]interface{}, error) {
	node := nr.node

	cfg := make(map[string]interface{}, len(node.Config))
	for k, v := range node.Config {
		if k != "body" {
			cfg[k] = v
		}
	}
	resolved, err := x.resolveNodeConfig(ctx, nr, cfg)
	if err != nil {
		return nil, err
	}
	adapter, ok := x.engine.registry.Lookup(loopType)
	if !ok {
		return nil, &fault.AdapterError{NodeID: node.ID, Message: "loop adapter not registered", Retryable: false}
	}
	if err := x.engine.registry.ValidateConfig(loopType, resolved); err != nil {
		return nil, &fault.InputAssemblyError{NodeID: node.ID, Err: err}
	}
	if _, ok := resolved["items"].([]interface{}); !ok {
		return nil, &fault.InputAssemblyError{NodeID: node.ID, Err: fmt.Errorf("loop items must be an array")}
	}

	input := &adapters.Input{
		TenantID: x.run.TenantID,
		NodeID:   node.ID,
		Config:   resolved,
		Inputs:   nr.bag,
		Run: adapters.RunMetadata{
			RunID:        x.run.ID,
			WorkflowID:   x.wf.ID,
			NodeID:       node.ID,
			Attempt:      attemptNo,
			MaxAttempts:  policy.MaxAttempts,
			RetryDelayMs: int(delay.Milliseconds()),
		},
	}
	out, err := x.invoke(ctx, node, adapter, input)
	if err != nil {
		return nil, err
	}
	items, _ := out["items"].([]interface{})

	batch := intFromConfig(resolved, "batchSize", 1)
	if batch < 1 {
		batch = 1
	}
	iterations := (len(items) + batch - 1) / batch
	if limit := intFromConfig(resolved, "maxIterations", 0); limit > 0 && iterations > limit {
		return nil, &fault.AdapterError{
			NodeID:    node.ID,
			Message:   fmt.Sprintf("loop would run %d iterations, exceeding maxIterations %d", iterations, limit),
			Retryable: false,
		}
	}

	body, err := parseLoopBody(node.Config["body"])
	if err != nil {
		return nil, &fault.InputAssemblyError{NodeID: node.ID, Err: err}
	}
	order, bodyNodes, preds, succs, err := buildGraph(body.Nodes, body.Edges, x.engine.registry)
	if err != nil {
		return nil, &fault.InputAssemblyError{NodeID: node.ID, Err: fmt.Errorf("loop body: %w", err)}
	}
	bodyPlan := &Plan{Order: order, Nodes: bodyNodes, Preds: preds, Succs: succs}

	x.log.Debug("loop expanding", "node_id", node.ID, "items", len(items), "iterations", iterations, "batch", batch)

	aggregated := make([]interface{}, 0, iterations)
	for i := 0; i < iterations; i++ {
		if ctx.Err() != nil {
			return nil, &fault.CancellationError{RunID: x.run.ID, NodeID: node.ID}
		}
		var item interface{}
		if batch == 1 {
			item = items[i]
		} else {
			lo := i * batch
			hi := lo + batch
			if hi > len(items) {
				hi = len(items)
			}
			item = append([]interface{}(nil), items[lo:hi]...)
		}
		iterOut, err := x.runLoopIteration(ctx, nr, bodyPlan, &expr.LoopScope{Index: i, Item: item}, i)
		if err != nil {
			return nil, err
		}
		aggregated = append(aggregated, iterOut)
	}
	return map[string]interface{}{"items": aggregated, "count": len(aggregated)}, nil
}

// runLoopIteration executes the body sub-graph once. Body nodes see the
// loop node's own bag plus their body predecessors, never sibling
// iterations: each iteration's bag is isolated.
func (x *execution) runLoopIteration(ctx context.Context, nr nodeRun, bodyPlan *Plan, scope *expr.LoopScope, index int) (map[string]interface{}, error) {
	results := make(map[string]*models.NodeExecutionResult, len(bodyPlan.Order))

	for _, id := range bodyPlan.Order {
		if ctx.Err() != nil {
			return nil, &fault.CancellationError{RunID: x.run.ID, NodeID: nr.node.ID}
		}
		bodyNode := bodyPlan.Nodes[id]
		recordID := fmt.Sprintf("%s[%d].%s", nr.node.ID, index, id)
		inbound := bodyPlan.Preds[id]

		// Sequential topological execution: every predecessor is terminal
		// by the time a node is reached, so edges are satisfied or blocked,
		// never pending.
		blocked := false
		for _, edge := range inbound {
			if x.edgeState(bodyPlan, edge, results) == edgeBlocked {
				blocked = true
				break
			}
		}
		if blocked {
			now := x.engine.now()
			res := &models.NodeExecutionResult{
				RunID:        x.run.ID,
				NodeID:       recordID,
				Status:       models.NodeSkipped,
				ErrorMessage: "upstream path not taken",
				StartedAt:    now,
				EndedAt:      now,
			}
			if err := x.finishBodyNode(ctx, bodyNode, results, id, res); err != nil {
				return nil, err
			}
			continue
		}

		bag := bagWith(nr.bag, inbound, results)
		x.engine.metrics.NodeStarted()
		x.emit(ctx, events.Event{Type: events.NodeStarted, NodeID: recordID})
		res, err := x.runNode(ctx, nodeRun{node: bodyNode, recordID: recordID, bag: bag, loop: scope})
		if err != nil {
			return nil, err
		}
		if err := x.finishBodyNode(ctx, bodyNode, results, id, res); err != nil {
			return nil, err
		}
		if res.Status == models.NodeCancelled {
			return nil, &fault.CancellationError{RunID: x.run.ID, NodeID: nr.node.ID}
		}
		if res.Status == models.NodeFailed && !bodyNode.ContinueOnFailure {
			return nil, &fault.AdapterError{
				NodeID:    nr.node.ID,
				Message:   fmt.Sprintf("iteration %d: node %s failed: %s", index, id, res.ErrorMessage),
				Retryable: false,
			}
		}
	}
	return leafOutputs(bodyPlan, results), nil
}

// finishBodyNode records a body node result durably. The local results map
// is keyed by the plain body id so edge evaluation and leaf collection work
// against the body plan; the durable record carries the composite id.
func (x *execution) finishBodyNode(ctx context.Context, node *models.Node, results map[string]*models.NodeExecutionResult, id string, res *models.NodeExecutionResult) error {
	if err := x.recordResult(ctx, res); err != nil {
		return err
	}
	results[id] = res
	x.emit(ctx, events.Event{
		Type:    events.NodeFinished,
		NodeID:  res.NodeID,
		Status:  string(res.Status),
		Attempt: res.Attempt,
		Message: res.ErrorMessage,
	})
	if res.Attempt > 0 {
		x.engine.metrics.NodeFinished(node.Type, string(res.Status), time.Duration(res.DurationMs)*time.Millisecond)
	}
	return nil
}

// runSubworkflow spawns a child run of another workflow and drives it to a
// terminal status in-process, under the parent's claim lease.
func (x *execution) runSubworkflow(ctx context.Context, nr nodeRun) (map[string]interface{}, error) {
	node := nr.node
	e := x.engine
	if x.depth+1 > e.cfg.SubworkflowMaxDepth {
		return nil, &fault.AdapterError{
			NodeID:    node.ID,
			Message:   fmt.Sprintf("sub-workflow depth %d exceeds limit %d", x.depth+1, e.cfg.SubworkflowMaxDepth),
			Retryable: false,
		}
	}
	resolved, err := x.resolveNodeConfig(ctx, nr, node.Config)
	if err != nil {
		return nil, err
	}
	workflowID, _ := resolved["workflowId"].(string)
	if workflowID == "" {
		return nil, &fault.InputAssemblyError{NodeID: node.ID, Err: fmt.Errorf("workflowId is required")}
	}
	childInput, _ := resolved["input"].(map[string]interface{})
	if childInput == nil {
		childInput = map[string]interface{}{}
	}

	var childWf *models.Workflow
	if version := intFromConfig(resolved, "workflowVersion", 0); version > 0 {
		childWf, err = e.store.GetWorkflow(ctx, x.run.TenantID, workflowID, version)
	} else {
		childWf, err = e.store.LatestWorkflow(ctx, x.run.TenantID, workflowID)
	}
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			return nil, &fault.AdapterError{
				NodeID:    node.ID,
				Message:   fmt.Sprintf("workflow %q not found", workflowID),
				Retryable: false,
			}
		}
		return nil, &fault.AdapterError{NodeID: node.ID, Message: fmt.Sprintf("load sub-workflow: %v", err), Retryable: true}
	}

	now := e.now()
	child := &models.WorkflowRun{
		ID:              e.newID(),
		WorkflowID:      childWf.ID,
		WorkflowVersion: childWf.Version,
		TenantID:        x.run.TenantID,
		Mode:            models.ModeTriggered,
		Input:           childInput,
		Status:          models.StatusPending,
		CreatedAt:       now,
		Metadata: map[string]string{
			"parent_run_id":  x.run.ID,
			"parent_node_id": node.ID,
		},
	}
	if err := e.store.CreateRun(ctx, child); err != nil {
		return nil, &fault.AdapterError{NodeID: node.ID, Message: fmt.Sprintf("create sub-workflow run: %v", err), Retryable: true}
	}
	claimed, err := e.store.ClaimRun(ctx, x.run.TenantID, child.ID, x.run.WorkerID, now)
	if err != nil {
		return nil, &fault.AdapterError{NodeID: node.ID, Message: fmt.Sprintf("claim sub-workflow run: %v", err), Retryable: true}
	}

	x.log.Info("sub-workflow starting",
		"node_id", node.ID, "child_run_id", claimed.ID, "child_workflow_id", childWf.ID, "depth", x.depth+1)
	e.metrics.RunStarted(string(models.ModeTriggered))

	outcome, err := e.execute(ctx, childWf, claimed, nil, x.depth+1)
	if err != nil {
		e.metrics.RunReleased()
		if errors.Is(err, fault.ErrFenced) {
			return nil, &fault.AdapterError{
				NodeID:    node.ID,
				Message:   "sub-workflow run claimed by another worker",
				Retryable: false,
			}
		}
		return nil, &fault.AdapterError{NodeID: node.ID, Message: fmt.Sprintf("sub-workflow infrastructure failure: %v", err), Retryable: true}
	}
	if err := x.finishChild(ctx, claimed, outcome); err != nil {
		e.metrics.RunReleased()
		if errors.Is(err, fault.ErrFenced) {
			return nil, &fault.AdapterError{
				NodeID:    node.ID,
				Message:   "sub-workflow run claimed by another worker",
				Retryable: false,
			}
		}
		return nil, &fault.AdapterError{NodeID: node.ID, Message: fmt.Sprintf("finish sub-workflow run: %v", err), Retryable: true}
	}
	e.metrics.RunFinished(string(outcome.Status))

	switch outcome.Status {
	case models.StatusCompleted:
		return outcome.Output, nil
	case models.StatusCancelled:
		return nil, &fault.CancellationError{RunID: x.run.ID, NodeID: node.ID}
	default:
		return nil, &fault.AdapterError{
			NodeID:    node.ID,
			Message:   fmt.Sprintf("sub-workflow failed: %s", outcome.ErrorMessage),
			Retryable: true,
		}
	}
}

func (x *execution) finishChild(ctx context.Context, child *models.WorkflowRun, outcome *Outcome) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		err = x.engine.store.FinishRun(wctx, child.TenantID, child.ID, child.ClaimEpoch, outcome.Status, outcome.ErrorMessage)
		cancel()
		if err == nil || errors.Is(err, fault.ErrFenced) {
			return err
		}
	}
	return fault.Infra("finish sub-workflow run", err)
}

// resolveMerge computes a merge node natively once every predecessor is
// terminal. Strategies need branch status and timing that adapters never
// see, so the adapter is bypassed entirely.
func (x *execution) resolveMerge(ctx context.Context, node *models.Node) error {
	inbound := x.plan.Preds[node.ID]
	started := x.engine.now()

	seen := make(map[string]bool, len(inbound))
	var succ []*models.NodeExecutionResult
	for _, edge := range inbound {
		if seen[edge.From] {
			continue
		}
		seen[edge.From] = true
		if r, ok := x.results[edge.From]; ok && r.Status == models.NodeSuccess {
			succ = append(succ, r)
		}
	}
	sort.Slice(succ, func(i, j int) bool { return succ[i].NodeID < succ[j].NodeID })

	res := &models.NodeExecutionResult{RunID: x.run.ID, NodeID: node.ID, StartedAt: started}
	if len(succ) == 0 {
		res.Status = models.NodeSkipped
		res.ErrorMessage = "no successful inputs to merge"
		res.EndedAt = x.engine.now()
		x.log.Debug("merge skipped", "node_id", node.ID)
		return x.finishNode(ctx, node, res)
	}

	x.engine.metrics.NodeStarted()
	x.emit(ctx, events.Event{Type: events.NodeStarted, NodeID: node.ID})

	bag := bagWith(x.run.Input, inbound, x.results)
	res.Input = bag
	res.Attempt = 1

	output, err := x.mergeOutputs(ctx, nodeRun{node: node, recordID: node.ID, bag: bag}, succ)
	ended := x.engine.now()
	res.EndedAt = ended
	res.DurationMs = ended.Sub(started).Milliseconds()
	if err != nil {
		res.Status = models.NodeFailed
		res.ErrorMessage = err.Error()
	} else {
		res.Status = models.NodeSuccess
		res.Output = output
	}
	return x.finishNode(ctx, node, res)
}

func (x *execution) mergeOutputs(ctx context.Context, nr nodeRun, succ []*models.NodeExecutionResult) (map[string]interface{}, error) {
	resolved, err := x.resolveNodeConfig(ctx, nr, nr.node.Config)
	if err != nil {
		return nil, err
	}
	strategy, _ := resolved["strategy"].(string)
	if strategy == "" {
		strategy = "lastWins"
	}
	switch strategy {
	case "lastWins":
		// Ties on EndedAt break toward the greater node id so the pick is
		// deterministic across replays.
		best := succ[0]
		for _, s := range succ[1:] {
			if s.EndedAt.After(best.EndedAt) || (s.EndedAt.Equal(best.EndedAt) && s.NodeID > best.NodeID) {
				best = s
			}
		}
		return best.Output, nil
	case "priority":
		list, _ := resolved["priority"].([]interface{})
		if len(list) == 0 {
			return nil, fmt.Errorf("priority strategy requires a priority list")
		}
		for _, v := range list {
			id, _ := v.(string)
			for _, s := range succ {
				if s.NodeID == id {
					return s.Output, nil
				}
			}
		}
		return nil, fmt.Errorf("no successful input appears in the priority list")
	case "merge":
		out := map[string]interface{}{}
		for _, s := range succ {
			merged, err := adapters.MergeJSON(out, s.Output)
			if err != nil {
				return nil, err
			}
			out = merged
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown merge strategy %q", strategy)
	}
}

func intFromConfig(cfg map[string]interface{}, key string, def int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}
