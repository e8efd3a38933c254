// Package adapters defines the node execution contract and the registry the
// worker resolves node types against. An adapter executes exactly one node
// type; the engine owns everything around the call (input assembly, retry,
// timing, durability).
package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/flowmesh/flowmesh/common/credentials"
)

// Kind classifies the role an adapter's nodes play in a workflow. Trigger
// nodes are entry points, actions do work, control-flow nodes get
// engine-native routing semantics.
type Kind string

const (
	KindTrigger     Kind = "trigger"
	KindAction      Kind = "action"
	KindControlFlow Kind = "controlflow"
)

// Metadata describes an adapter to the registry and the planner. ConfigSchema
// is optional; when present it is compiled at registration and node configs
// are validated against it before a run executes.
type Metadata struct {
	Type         string
	Kind         Kind
	ConfigSchema []byte
}

// RunMetadata tells an adapter where in a run it executes.
type RunMetadata struct {
	RunID        string
	WorkflowID   string
	NodeID       string
	Attempt      int
	MaxAttempts  int
	RetryDelayMs int
}

// Input is the execution context handed to an adapter. Config is the node's
// config after expression resolution; Inputs is a read-only snapshot of the
// assembled input bag. Secret, when set, is wiped by the caller right after
// Execute returns, so adapters must not retain it.
type Input struct {
	TenantID string
	NodeID   string
	Config   map[string]interface{}
	Inputs   map[string]interface{}
	Secret   *credentials.Secret
	Run      RunMetadata
}

// Result is the outcome of one adapter execution. A failed Result with
// Retryable true is retried under the node's retry policy; returning a Go
// error instead reports an unexpected fault, which also counts as retryable.
type Result struct {
	Success      bool
	Output       map[string]interface{}
	ErrorMessage string
	DurationMs   int64
	Metadata     map[string]interface{}
	Retryable    bool
}

// Adapter executes one node type.
type Adapter interface {
	Execute(ctx context.Context, in *Input) (*Result, error)
	Metadata() Metadata
}

type entry struct {
	adapter Adapter
	schema  *jsonschema.Schema
}

// Registry maps node types to adapters. Registration happens at process
// start; Freeze seals the set so the planner can trust Lookup for the
// worker's lifetime.
type Registry struct {
	mu     sync.RWMutex
	byType map[string]*entry
	frozen bool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]*entry)}
}

// Register adds an adapter. Duplicate types, registration after Freeze and
// uncompilable config schemas are errors.
func (r *Registry) Register(a Adapter) error {
	meta := a.Metadata()
	if meta.Type == "" {
		return fmt.Errorf("adapter has no type")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("registry is frozen, cannot register %s", meta.Type)
	}
	if _, exists := r.byType[meta.Type]; exists {
		return fmt.Errorf("adapter type %s already registered", meta.Type)
	}

	schema, err := compileSchema(meta.Type, meta.ConfigSchema)
	if err != nil {
		return err
	}

	r.byType[meta.Type] = &entry{adapter: a, schema: schema}
	return nil
}

// Freeze seals the registry; further Register calls fail.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Lookup returns the adapter for a node type.
func (r *Registry) Lookup(nodeType string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byType[nodeType]
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

// Types returns all registered types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ValidateConfig checks a node's static config against the adapter's schema.
// Types without a schema accept anything. The config is round-tripped through
// JSON so Go-native numbers compare like wire numbers.
func (r *Registry) ValidateConfig(nodeType string, config map[string]interface{}) error {
	r.mu.RLock()
	e, ok := r.byType[nodeType]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("adapter type %s not registered", nodeType)
	}
	if e.schema == nil {
		return nil
	}

	data, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config for %s: %w", nodeType, err)
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to normalize config for %s: %w", nodeType, err)
	}
	if err := e.schema.Validate(doc); err != nil {
		return fmt.Errorf("config for %s rejected by schema: %w", nodeType, err)
	}
	return nil
}

func compileSchema(nodeType string, raw []byte) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config schema for %s: %w", nodeType, err)
	}
	c := jsonschema.NewCompiler()
	url := nodeType + ".schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("failed to add config schema for %s: %w", nodeType, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile config schema for %s: %w", nodeType, err)
	}
	return schema, nil
}
