package fault

import (
	"errors"
	"fmt"
)

// ValidationError reports a workflow that failed structural validation.
// The run terminates FAILED before any node executes.
type ValidationError struct {
	WorkflowID string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("workflow validation failed: %s", e.Reason)
}

// InputAssemblyError reports a failed expression evaluation or config
// resolution for a node. The node fails without retry.
type InputAssemblyError struct {
	NodeID string
	Expr   string
	Err    error
}

func (e *InputAssemblyError) Error() string {
	if e.Expr != "" {
		return fmt.Sprintf("input assembly failed for node %s: %q: %v", e.NodeID, e.Expr, e.Err)
	}
	return fmt.Sprintf("input assembly failed for node %s: %v", e.NodeID, e.Err)
}

func (e *InputAssemblyError) Unwrap() error { return e.Err }

// AdapterError reports a failure surfaced by an adapter, or a panic recovered
// from one. Retryable errors are retried per the node's policy.
type AdapterError struct {
	NodeID    string
	Message   string
	Retryable bool
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("adapter error on node %s: %s", e.NodeID, e.Message)
}

// TimeoutError reports that a node exceeded its timeoutMs budget. Counts as
// retryable unless it was the final attempt.
type TimeoutError struct {
	NodeID    string
	TimeoutMs int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("node %s timed out after %dms", e.NodeID, e.TimeoutMs)
}

// CancellationError reports a cooperative cancellation. Never retried.
type CancellationError struct {
	RunID  string
	NodeID string
}

func (e *CancellationError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("run %s cancelled during node %s", e.RunID, e.NodeID)
	}
	return fmt.Sprintf("run %s cancelled", e.RunID)
}

// CredentialError reports a missing, foreign-tenant or undecryptable
// credential. Never retried.
type CredentialError struct {
	CredentialID string
	Reason       string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential %s: %s", e.CredentialID, e.Reason)
}

// InfrastructureError reports an unreachable queue, store or registry. The
// worker retries transparently with backoff; if retries exhaust, the run is
// left RUNNING for a later redelivery to resume.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("infrastructure error during %s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

// ErrFenced is returned by stores when a write carries a stale claim epoch.
// The losing worker must stop writing and exit the run.
var ErrFenced = errors.New("stale claim epoch: run claimed by another worker")

// ErrConflict is returned by stores when a CAS precondition does not hold.
var ErrConflict = errors.New("compare-and-set conflict")

// ErrNotFound is returned by stores for missing rows within tenant scope.
var ErrNotFound = errors.New("not found")

// Infra wraps err as an InfrastructureError for operation op, preserving
// typed errors that already classify themselves.
func Infra(op string, err error) error {
	if err == nil {
		return nil
	}
	return &InfrastructureError{Op: op, Err: err}
}

// IsRetryable reports whether err may be retried under the node retry policy.
// Timeout retryability on the final attempt is decided by the caller.
func IsRetryable(err error) bool {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	return false
}

// IsCancellation reports whether err is a cooperative cancellation.
func IsCancellation(err error) bool {
	var ce *CancellationError
	return errors.As(err, &ce)
}

// IsTimeout reports whether err is a node timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsInfrastructure reports whether err is an infrastructure failure the
// worker should absorb with backoff rather than attribute to the node.
func IsInfrastructure(err error) bool {
	var ie *InfrastructureError
	return errors.As(err, &ie)
}
