package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/flowmesh/flowmesh/common/expr"
)

var ifSchema = []byte(`{
	"type": "object",
	"properties": {"condition": {}},
	"required": ["condition"]
}`)

// ifAdapter reports whether its condition held. Routing on the answer is
// the engine's job; the adapter only computes it. Truthiness is strict:
// anything but boolean true is false.
type ifAdapter struct{}

func (ifAdapter) Metadata() Metadata {
	return Metadata{Type: "core.if", Kind: KindControlFlow, ConfigSchema: ifSchema}
}

func (ifAdapter) Execute(_ context.Context, in *Input) (*Result, error) {
	b, _ := in.Config["condition"].(bool)
	return &Result{Success: true, Output: map[string]interface{}{"result": b}}, nil
}

var switchSchema = []byte(`{
	"type": "object",
	"properties": {"value": {}},
	"required": ["value"]
}`)

// switchAdapter stringifies the routing value so the engine can match it
// against outgoing edge labels.
type switchAdapter struct{}

func (switchAdapter) Metadata() Metadata {
	return Metadata{Type: "core.switch", Kind: KindControlFlow, ConfigSchema: switchSchema}
}

func (switchAdapter) Execute(_ context.Context, in *Input) (*Result, error) {
	return &Result{Success: true, Output: map[string]interface{}{"case": expr.Stringify(in.Config["value"])}}, nil
}

var loopSchema = []byte(`{
	"type": "object",
	"properties": {
		"items": {},
		"maxIterations": {"type": "integer", "minimum": 1},
		"batchSize": {"type": "integer", "minimum": 1}
	},
	"required": ["items"]
}`)

// loopAdapter yields the items to iterate. The engine intercepts the loop
// node itself and drives the body once per item; this adapter only
// validates and surfaces the collection.
type loopAdapter struct{}

func (loopAdapter) Metadata() Metadata {
	return Metadata{Type: "core.loop", Kind: KindControlFlow, ConfigSchema: loopSchema}
}

func (loopAdapter) Execute(_ context.Context, in *Input) (*Result, error) {
	items, ok := in.Config["items"].([]interface{})
	if !ok {
		return &Result{Success: false, ErrorMessage: "loop items must be an array", Retryable: false}, nil
	}
	return &Result{Success: true, Output: map[string]interface{}{"items": items, "count": len(items)}}, nil
}

var mergeSchema = []byte(`{
	"type": "object",
	"properties": {
		"strategy": {"type": "string", "enum": ["lastWins", "priority", "merge"]},
		"priority": {"type": "array", "items": {"type": "string"}}
	}
}`)

// mergeAdapter joins fan-in branches. Inside a run the engine resolves the
// merge natively because strategy selection needs branch status and timing;
// this Execute is the standalone fallback and deep-merges whatever inputs
// it was handed, in lexicographic key order.
type mergeAdapter struct{}

func (mergeAdapter) Metadata() Metadata {
	return Metadata{Type: "core.merge", Kind: KindControlFlow, ConfigSchema: mergeSchema}
}

func (mergeAdapter) Execute(_ context.Context, in *Input) (*Result, error) {
	keys := make([]string, 0, len(in.Inputs))
	for k := range in.Inputs {
		if _, ok := in.Inputs[k].(map[string]interface{}); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := map[string]interface{}{}
	for _, k := range keys {
		merged, err := MergeJSON(out, in.Inputs[k].(map[string]interface{}))
		if err != nil {
			return &Result{Success: false, ErrorMessage: err.Error(), Retryable: false}, nil
		}
		out = merged
	}
	return &Result{Success: true, Output: out}, nil
}

var subworkflowSchema = []byte(`{
	"type": "object",
	"properties": {
		"workflowId": {"type": "string", "minLength": 1},
		"workflowVersion": {"type": "integer", "minimum": 1},
		"input": {"type": "object"}
	},
	"required": ["workflowId"]
}`)

// subworkflowAdapter is a placeholder. Child runs need the engine's store,
// depth tracking and cancellation plumbing, so the engine intercepts the
// node; reaching Execute means it ran outside an engine.
type subworkflowAdapter struct{}

func (subworkflowAdapter) Metadata() Metadata {
	return Metadata{Type: "core.subworkflow", Kind: KindControlFlow, ConfigSchema: subworkflowSchema}
}

func (subworkflowAdapter) Execute(_ context.Context, _ *Input) (*Result, error) {
	return &Result{Success: false, ErrorMessage: "sub-workflow nodes require the engine", Retryable: false}, nil
}

// MergeJSON deep-merges overlay into base per RFC 7386 and returns the
// result as a fresh map. Neither argument is mutated.
func MergeJSON(base, overlay map[string]interface{}) (map[string]interface{}, error) {
	baseData, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("marshal merge base: %w", err)
	}
	overlayData, err := json.Marshal(overlay)
	if err != nil {
		return nil, fmt.Errorf("marshal merge overlay: %w", err)
	}
	mergedData, err := jsonpatch.MergePatch(baseData, overlayData)
	if err != nil {
		return nil, fmt.Errorf("merge patch: %w", err)
	}
	var merged map[string]interface{}
	if err := json.Unmarshal(mergedData, &merged); err != nil {
		return nil, fmt.Errorf("unmarshal merge result: %w", err)
	}
	return merged, nil
}
