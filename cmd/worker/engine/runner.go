package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowmesh/flowmesh/cmd/worker/adapters"
	"github.com/flowmesh/flowmesh/common/credentials"
	"github.com/flowmesh/flowmesh/common/events"
	"github.com/flowmesh/flowmesh/common/expr"
	"github.com/flowmesh/flowmesh/common/fault"
	"github.com/flowmesh/flowmesh/common/models"
	"github.com/flowmesh/flowmesh/common/telemetry"
)

// nodeRun is one node execution request. recordID differs from the node id
// only for loop body nodes, which record under composite ids; loop carries
// the $loop scope for body expressions.
type nodeRun struct {
	node     *models.Node
	recordID string
	bag      map[string]interface{}
	loop     *expr.LoopScope
}

// runNode drives one node through its retry policy to a terminal result.
// The returned error is reserved for conditions that abort the whole run,
// infrastructure exhaustion or a fenced write; node-level failures land in
// the result.
func (x *execution) runNode(ctx context.Context, nr nodeRun) (*models.NodeExecutionResult, error) {
	node := nr.node
	policy := node.Retry.Normalize()
	started := x.engine.now()

	ctx, span := telemetry.Tracer().Start(ctx, "engine.node", trace.WithAttributes(
		attribute.String("node_id", nr.recordID),
		attribute.String("node_type", node.Type),
	))
	defer span.End()

	var (
		out     map[string]interface{}
		execErr error
	)
	attempt := 1
	delay := time.Duration(0)
	for {
		out, execErr = x.attempt(ctx, nr, attempt, policy, delay)
		if execErr == nil || fault.IsCancellation(execErr) {
			break
		}
		if !fault.IsRetryable(execErr) || attempt >= policy.MaxAttempts {
			break
		}

		reason := "adapter"
		if fault.IsTimeout(execErr) {
			reason = "timeout"
		}
		x.engine.metrics.NodeRetried(reason)
		x.emit(ctx, events.Event{
			Type:    events.NodeRetrying,
			NodeID:  nr.recordID,
			Attempt: attempt + 1,
			Message: execErr.Error(),
		})
		x.log.Debug("node retrying", "node_id", nr.recordID, "attempt", attempt+1, "error", execErr.Error())

		delay = Backoff(policy, attempt+1, x.engine.rand)
		if err := sleepCtx(ctx, delay); err != nil {
			execErr = &fault.CancellationError{RunID: x.run.ID, NodeID: node.ID}
			break
		}
		attempt++
	}

	if execErr != nil && (fault.IsInfrastructure(execErr) || errors.Is(execErr, fault.ErrFenced)) {
		return nil, execErr
	}

	ended := x.engine.now()
	res := &models.NodeExecutionResult{
		RunID:      x.run.ID,
		NodeID:     nr.recordID,
		Attempt:    attempt,
		Input:      nr.bag,
		StartedAt:  started,
		EndedAt:    ended,
		DurationMs: ended.Sub(started).Milliseconds(),
	}
	switch {
	case execErr == nil:
		res.Status = models.NodeSuccess
		res.Output = out
	case fault.IsCancellation(execErr):
		res.Status = models.NodeCancelled
		res.ErrorMessage = execErr.Error()
	default:
		res.Status = models.NodeFailed
		res.ErrorMessage = execErr.Error()
	}
	return res, nil
}

// attempt performs one execution attempt. Loop and sub-workflow nodes are
// orchestrated by the engine; everything else resolves its config, passes
// schema validation and runs its adapter.
func (x *execution) attempt(ctx context.Context, nr nodeRun, attemptNo int, policy models.RetryPolicy, delay time.Duration) (map[string]interface{}, error) {
	if ctx.Err() != nil {
		return nil, &fault.CancellationError{RunID: x.run.ID, NodeID: nr.node.ID}
	}
	switch nr.node.Type {
	case loopType:
		return x.runLoop(ctx, nr, attemptNo, policy, delay)
	case subworkflowType:
		return x.runSubworkflow(ctx, nr)
	}

	node := nr.node
	resolved, err := x.resolveNodeConfig(ctx, nr, node.Config)
	if err != nil {
		return nil, err
	}
	adapter, ok := x.engine.registry.Lookup(node.Type)
	if !ok {
		return nil, &fault.AdapterError{
			NodeID:    node.ID,
			Message:   fmt.Sprintf("no adapter registered for type %q", node.Type),
			Retryable: false,
		}
	}
	if err := x.engine.registry.ValidateConfig(node.Type, resolved); err != nil {
		return nil, &fault.InputAssemblyError{NodeID: node.ID, Err: err}
	}

	var secret *credentials.Secret
	if node.CredentialID != "" {
		secret, err = x.resolveSecret(ctx, node)
		if err != nil {
			return nil, err
		}
	}

	input := &adapters.Input{
		TenantID: x.run.TenantID,
		NodeID:   node.ID,
		Config:   resolved,
		Inputs:   nr.bag,
		Secret:   secret,
		Run: adapters.RunMetadata{
			RunID:        x.run.ID,
			WorkflowID:   x.wf.ID,
			NodeID:       node.ID,
			Attempt:      attemptNo,
			MaxAttempts:  policy.MaxAttempts,
			RetryDelayMs: int(delay.Milliseconds()),
		},
	}
	return x.invoke(ctx, node, adapter, input)
}

func (x *execution) resolveNodeConfig(ctx context.Context, nr nodeRun, cfg map[string]interface{}) (map[string]interface{}, error) {
	resolved, err := expr.ResolveConfig(cfg, x.exprEnv(ctx, nr))
	if err != nil {
		x.engine.metrics.ExpressionError()
		return nil, &fault.InputAssemblyError{NodeID: nr.node.ID, Err: err}
	}
	return resolved, nil
}

func (x *execution) exprEnv(ctx context.Context, nr nodeRun) *expr.Env {
	env := &expr.Env{
		Bag:       nr.bag,
		Loop:      nr.loop,
		LookupEnv: x.engine.lookupEnv,
		Clock:     x.engine.clock,
		NewID:     x.engine.newID,
	}
	if x.engine.creds != nil {
		env.Credentials = x.engine.creds.Source(ctx, x.run.TenantID)
	}
	return env
}

func (x *execution) resolveSecret(ctx context.Context, node *models.Node) (*credentials.Secret, error) {
	if x.engine.creds == nil {
		return nil, &fault.CredentialError{CredentialID: node.CredentialID, Reason: "no credential resolver configured"}
	}
	secret, err := x.engine.creds.GetDecryptedSecret(ctx, x.run.TenantID, node.CredentialID)
	if err != nil {
		// A flapping credential store is the store's fault, not the
		// credential's; let the node retry policy absorb it.
		if fault.IsInfrastructure(err) {
			return nil, &fault.AdapterError{
				NodeID:    node.ID,
				Message:   fmt.Sprintf("credential store unavailable: %v", err),
				Retryable: true,
			}
		}
		return nil, err
	}
	return secret, nil
}

type adapterReturn struct {
	res *adapters.Result
	err error
}

// invoke runs the adapter under the node timeout. The adapter goroutine is
// never killed; on timeout it is abandoned and exits whenever it honors the
// context, with the buffered channel absorbing its late send. The secret is
// wiped the moment the adapter returns, panic or not.
func (x *execution) invoke(ctx context.Context, node *models.Node, a adapters.Adapter, in *adapters.Input) (map[string]interface{}, error) {
	timeout := x.nodeTimeout(node)
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan adapterReturn, 1)
	go func() {
		defer func() {
			if in.Secret != nil {
				in.Secret.Wipe()
			}
			if r := recover(); r != nil {
				ch <- adapterReturn{err: &fault.AdapterError{
					NodeID:    node.ID,
					Message:   fmt.Sprintf("adapter panicked: %v", r),
					Retryable: true,
				}}
			}
		}()
		res, err := a.Execute(tctx, in)
		ch <- adapterReturn{res: res, err: err}
	}()

	select {
	case r := <-ch:
		return x.adapterResult(ctx, node, r.res, r.err)
	case <-tctx.Done():
		if ctx.Err() != nil {
			return nil, &fault.CancellationError{RunID: x.run.ID, NodeID: node.ID}
		}
		return nil, &fault.TimeoutError{NodeID: node.ID, TimeoutMs: int(timeout.Milliseconds())}
	}
}

func (x *execution) adapterResult(ctx context.Context, node *models.Node, res *adapters.Result, err error) (map[string]interface{}, error) {
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, &fault.TimeoutError{NodeID: node.ID, TimeoutMs: int(x.nodeTimeout(node).Milliseconds())}
		case errors.Is(err, context.Canceled) && ctx.Err() != nil:
			return nil, &fault.CancellationError{RunID: x.run.ID, NodeID: node.ID}
		default:
			// Unexpected adapter faults count as retryable.
			return nil, &fault.AdapterError{NodeID: node.ID, Message: err.Error(), Retryable: true}
		}
	}
	if res == nil {
		return nil, &fault.AdapterError{NodeID: node.ID, Message: "adapter returned no result", Retryable: false}
	}
	if !res.Success {
		return nil, &fault.AdapterError{NodeID: node.ID, Message: res.ErrorMessage, Retryable: res.Retryable}
	}
	return res.Output, nil
}

func (x *execution) nodeTimeout(node *models.Node) time.Duration {
	if node.TimeoutMs > 0 {
		return time.Duration(node.TimeoutMs) * time.Millisecond
	}
	return x.engine.cfg.DefaultNodeTimeout
}
