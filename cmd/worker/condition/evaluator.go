// Package condition decides whether workflow edges traverse. Edge
// conditions are template-language expressions by default, evaluated
// against the source node's output; a "cel:" prefix switches the edge to
// CEL for callers that prefer it.
package condition

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/flowmesh/flowmesh/common/expr"
)

const celPrefix = "cel:"

// Evaluator caches compiled CEL programs by expression text. Template
// expressions are cached inside the expr package, so only the CEL side
// needs state here.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]cel.Program)}
}

// Evaluate returns true only when the condition evaluates to boolean
// true. An empty condition always holds. output is the source node's
// output document; run is the run-level input, visible to CEL conditions
// as the `run` variable.
func (e *Evaluator) Evaluate(condition string, output, run map[string]interface{}) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true, nil
	}
	if rest, ok := strings.CutPrefix(condition, celPrefix); ok {
		return e.evaluateCEL(strings.TrimSpace(rest), output, run)
	}
	return evaluateTemplate(condition, output)
}

// evaluateTemplate accepts both `{{ $json.x == 'y' }}` and the bare form
// `$json.x == 'y'`. Anything but boolean true is false, including
// undefined and spliced strings.
func evaluateTemplate(condition string, output map[string]interface{}) (bool, error) {
	src := condition
	if !expr.HasPlaceholder(src) {
		src = "{{ " + src + " }}"
	}
	v, err := expr.Render(src, &expr.Env{Bag: output})
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	return ok && b, nil
}

func (e *Evaluator) evaluateCEL(src string, output, run map[string]interface{}) (bool, error) {
	prg, err := e.program(src)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"output": output,
		"run":    run,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", src, err)
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q returned %T, want bool", src, out.Value())
	}
	return b, nil
}

func (e *Evaluator) program(src string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[src]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("output", cel.DynType),
		cel.Variable("run", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel environment: %w", err)
	}
	ast, issues := env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile condition %q: %w", src, issues.Err())
	}
	prg, err = env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build condition program %q: %w", src, err)
	}

	e.mu.Lock()
	e.cache[src] = prg
	e.mu.Unlock()
	return prg, nil
}

// CacheSize returns the number of compiled CEL programs held.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
