package adapters

import (
	"context"
)

// RegisterBuiltins registers the core node set every worker ships with:
// the passthrough triggers, the basic actions and the control-flow nodes.
func RegisterBuiltins(r *Registry) error {
	builtins := []Adapter{
		&passthroughTrigger{typ: "trigger.manual"},
		&passthroughTrigger{typ: "trigger.webhook"},
		&passthroughTrigger{typ: "trigger.schedule"},
		noopAdapter{},
		setAdapter{},
		stopAndErrorAdapter{},
		ifAdapter{},
		switchAdapter{},
		loopAdapter{},
		mergeAdapter{},
		subworkflowAdapter{},
	}
	for _, a := range builtins {
		if err := r.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// passthroughTrigger emits the run input unchanged. Every trigger kind is a
// passthrough at execution time; what differs is how the run got created.
type passthroughTrigger struct {
	typ string
}

func (t *passthroughTrigger) Metadata() Metadata {
	return Metadata{Type: t.typ, Kind: KindTrigger}
}

func (t *passthroughTrigger) Execute(_ context.Context, in *Input) (*Result, error) {
	return &Result{Success: true, Output: in.Inputs}, nil
}

// noopAdapter passes its input through untouched.
type noopAdapter struct{}

func (noopAdapter) Metadata() Metadata {
	return Metadata{Type: "core.noop", Kind: KindAction}
}

func (noopAdapter) Execute(_ context.Context, in *Input) (*Result, error) {
	return &Result{Success: true, Output: in.Inputs}, nil
}

var setSchema = []byte(`{
	"type": "object",
	"properties": {"values": {"type": "object"}},
	"required": ["values"]
}`)

// setAdapter projects the resolved config values into the node output.
type setAdapter struct{}

func (setAdapter) Metadata() Metadata {
	return Metadata{Type: "core.set", Kind: KindAction, ConfigSchema: setSchema}
}

func (setAdapter) Execute(_ context.Context, in *Input) (*Result, error) {
	values, ok := in.Config["values"].(map[string]interface{})
	if !ok {
		return &Result{Success: false, ErrorMessage: "set values must be an object", Retryable: false}, nil
	}
	return &Result{Success: true, Output: values}, nil
}

var stopAndErrorSchema = []byte(`{
	"type": "object",
	"properties": {"message": {"type": "string"}},
	"required": ["message"]
}`)

// stopAndErrorAdapter fails its node with the configured message. The
// failure is never retried; the point of the node is to stop.
type stopAndErrorAdapter struct{}

func (stopAndErrorAdapter) Metadata() Metadata {
	return Metadata{Type: "core.stopAndError", Kind: KindAction, ConfigSchema: stopAndErrorSchema}
}

func (stopAndErrorAdapter) Execute(_ context.Context, in *Input) (*Result, error) {
	msg, _ := in.Config["message"].(string)
	if msg == "" {
		msg = "workflow stopped with error"
	}
	return &Result{Success: false, ErrorMessage: msg, Retryable: false}, nil
}
