package adapters

import (
	"context"
	"strings"
	"testing"
)

type fakeAdapter struct {
	meta Metadata
}

func (f fakeAdapter) Metadata() Metadata { return f.meta }

func (f fakeAdapter) Execute(context.Context, *Input) (*Result, error) {
	return &Result{Success: true}, nil
}

func builtinRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	return r
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := builtinRegistry(t)

	if _, ok := r.Lookup("core.noop"); !ok {
		t.Fatal("expected core.noop to be registered")
	}
	if _, ok := r.Lookup("core.unknown"); ok {
		t.Fatal("did not expect core.unknown")
	}

	types := r.Types()
	if len(types) != 11 {
		t.Fatalf("expected 11 builtin types, got %d: %v", len(types), types)
	}
	for i := 1; i < len(types); i++ {
		if types[i-1] >= types[i] {
			t.Fatalf("types not sorted: %v", types)
		}
	}
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(noopAdapter{}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(noopAdapter{}); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestRegistryRejectsEmptyType(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(fakeAdapter{meta: Metadata{Kind: KindAction}}); err == nil {
		t.Fatal("expected empty type to fail")
	}
}

func TestRegistryFrozen(t *testing.T) {
	r := NewRegistry()
	r.Freeze()
	if err := r.Register(noopAdapter{}); err == nil {
		t.Fatal("expected registration after Freeze to fail")
	}
}

func TestRegistryRejectsBadSchema(t *testing.T) {
	r := NewRegistry()
	bad := fakeAdapter{meta: Metadata{Type: "x.bad", Kind: KindAction, ConfigSchema: []byte(`{"type": 42`)}}
	if err := r.Register(bad); err == nil {
		t.Fatal("expected malformed schema to fail registration")
	}
}

func TestValidateConfig(t *testing.T) {
	r := builtinRegistry(t)

	cases := []struct {
		name     string
		nodeType string
		config   map[string]interface{}
		wantErr  bool
	}{
		{"set with values", "core.set", map[string]interface{}{"values": map[string]interface{}{"a": 1}}, false},
		{"set missing values", "core.set", map[string]interface{}{}, true},
		{"set non-object values", "core.set", map[string]interface{}{"values": "nope"}, true},
		{"unregistered type", "core.unknown", map[string]interface{}{}, true},
		{"merge strategy ok", "core.merge", map[string]interface{}{"strategy": "lastWins"}, false},
		{"merge strategy bogus", "core.merge", map[string]interface{}{"strategy": "bogus"}, true},
		{"loop with go int", "core.loop", map[string]interface{}{"items": "{{data.rows}}", "maxIterations": 5}, false},
		{"no schema accepts anything", "core.noop", map[string]interface{}{"whatever": true}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.ValidateConfig(tc.nodeType, tc.config)
			if tc.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestTriggerPassthrough(t *testing.T) {
	ctx := context.Background()
	in := &Input{Inputs: map[string]interface{}{"payload": "hello"}}

	for _, typ := range []string{"trigger.manual", "trigger.webhook", "trigger.schedule"} {
		t.Run(typ, func(t *testing.T) {
			a := &passthroughTrigger{typ: typ}
			if a.Metadata().Kind != KindTrigger {
				t.Fatalf("expected trigger kind, got %s", a.Metadata().Kind)
			}
			res, err := a.Execute(ctx, in)
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if !res.Success || res.Output["payload"] != "hello" {
				t.Fatalf("expected passthrough output, got %+v", res)
			}
		})
	}
}

func TestNoopPassesInputsThrough(t *testing.T) {
	res, err := noopAdapter{}.Execute(context.Background(), &Input{Inputs: map[string]interface{}{"k": "v"}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.Output["k"] != "v" {
		t.Fatalf("expected inputs echoed, got %+v", res)
	}
}

func TestSetProjectsValues(t *testing.T) {
	res, err := setAdapter{}.Execute(context.Background(), &Input{
		Config: map[string]interface{}{"values": map[string]interface{}{"greeting": "hi"}},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.Output["greeting"] != "hi" {
		t.Fatalf("expected projected values, got %+v", res)
	}

	res, err = setAdapter{}.Execute(context.Background(), &Input{
		Config: map[string]interface{}{"values": "not an object"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success || res.Retryable {
		t.Fatalf("expected non-retryable failure, got %+v", res)
	}
}

func TestStopAndError(t *testing.T) {
	res, err := stopAndErrorAdapter{}.Execute(context.Background(), &Input{
		Config: map[string]interface{}{"message": "bad order state"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success || res.Retryable || res.ErrorMessage != "bad order state" {
		t.Fatalf("unexpected result: %+v", res)
	}

	res, _ = stopAndErrorAdapter{}.Execute(context.Background(), &Input{Config: map[string]interface{}{}})
	if res.ErrorMessage != "workflow stopped with error" {
		t.Fatalf("expected default message, got %q", res.ErrorMessage)
	}
}

func TestIfStrictTruthiness(t *testing.T) {
	cases := []struct {
		name      string
		condition interface{}
		want      bool
	}{
		{"true", true, true},
		{"false", false, false},
		{"string true", "true", false},
		{"number", 1.0, false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := ifAdapter{}.Execute(context.Background(), &Input{
				Config: map[string]interface{}{"condition": tc.condition},
			})
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if res.Output["result"] != tc.want {
				t.Fatalf("condition %v: expected result %v, got %v", tc.condition, tc.want, res.Output["result"])
			}
		})
	}
}

func TestSwitchStringifiesValue(t *testing.T) {
	cases := []struct {
		name  string
		value interface{}
		want  string
	}{
		{"string", "blue", "blue"},
		{"whole float", 2.0, "2"},
		{"bool", true, "true"},
		{"nil", nil, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := switchAdapter{}.Execute(context.Background(), &Input{
				Config: map[string]interface{}{"value": tc.value},
			})
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if res.Output["case"] != tc.want {
				t.Fatalf("value %v: expected case %q, got %q", tc.value, tc.want, res.Output["case"])
			}
		})
	}
}

func TestLoopYieldsItems(t *testing.T) {
	res, err := loopAdapter{}.Execute(context.Background(), &Input{
		Config: map[string]interface{}{"items": []interface{}{"a", "b", "c"}},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.Output["count"] != 3 {
		t.Fatalf("expected 3 items, got %+v", res)
	}

	res, _ = loopAdapter{}.Execute(context.Background(), &Input{
		Config: map[string]interface{}{"items": "not an array"},
	})
	if res.Success || res.Retryable {
		t.Fatalf("expected non-retryable failure for scalar items, got %+v", res)
	}
	if !strings.Contains(res.ErrorMessage, "array") {
		t.Fatalf("expected array error message, got %q", res.ErrorMessage)
	}
}

func TestMergeAdapterFoldsInputs(t *testing.T) {
	res, err := mergeAdapter{}.Execute(context.Background(), &Input{
		Inputs: map[string]interface{}{
			"a":      map[string]interface{}{"x": 1.0, "z": "from-a"},
			"b":      map[string]interface{}{"x": 2.0},
			"scalar": "ignored",
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Output["x"] != 2.0 {
		t.Fatalf("expected later branch to win, got %v", res.Output["x"])
	}
	if res.Output["z"] != "from-a" {
		t.Fatalf("expected earlier key preserved, got %v", res.Output["z"])
	}
}

func TestSubworkflowRequiresEngine(t *testing.T) {
	res, err := subworkflowAdapter{}.Execute(context.Background(), &Input{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success || res.Retryable {
		t.Fatalf("expected non-retryable failure, got %+v", res)
	}
}

func TestMergeJSON(t *testing.T) {
	base := map[string]interface{}{
		"keep":   "base",
		"nested": map[string]interface{}{"a": 1.0, "b": 2.0},
		"gone":   "soon",
	}
	overlay := map[string]interface{}{
		"nested": map[string]interface{}{"b": 3.0},
		"gone":   nil,
		"new":    true,
	}

	out, err := MergeJSON(base, overlay)
	if err != nil {
		t.Fatalf("MergeJSON: %v", err)
	}
	if out["keep"] != "base" || out["new"] != true {
		t.Fatalf("unexpected top-level keys: %+v", out)
	}
	nested, ok := out["nested"].(map[string]interface{})
	if !ok || nested["a"] != 1.0 || nested["b"] != 3.0 {
		t.Fatalf("expected deep merge, got %+v", out["nested"])
	}
	if _, present := out["gone"]; present {
		t.Fatal("expected null overlay value to delete the key")
	}
	if base["gone"] != "soon" {
		t.Fatal("base must not be mutated")
	}
}
