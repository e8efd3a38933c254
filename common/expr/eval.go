package expr

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// CredentialSource resolves a single field out of a decrypted credential.
// Returning an error aborts evaluation; a missing field inside an accessible
// credential resolves to Undefined instead.
type CredentialSource interface {
	Field(credentialID, field string) (interface{}, error)
}

// LoopScope is bound while a loop body node evaluates expressions. It backs
// the $loop.index and $loop.item namespaces.
type LoopScope struct {
	Index int
	Item  interface{}
}

// Env carries everything an expression can observe. Bag is the node input
// document behind $json. LookupEnv gates $env: the engine installs a closure
// over its allowlist, and a nil func means no environment access at all.
// Clock and NewID exist so tests can pin now() and uuid().
type Env struct {
	Bag         map[string]interface{}
	Loop        *LoopScope
	LookupEnv   func(name string) (string, bool)
	Credentials CredentialSource
	Clock       func() time.Time
	NewID       func() string
}

func (e *Env) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now().UTC()
}

func (e *Env) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

// Expr is a parsed expression ready for evaluation against an Env.
type Expr struct {
	src  string
	root node
}

// Source returns the original expression text.
func (e *Expr) Source() string { return e.src }

// Eval walks the tree. Missing data yields Undefined rather than an error;
// type misuse, unknown functions and credential denials yield errors.
func (e *Expr) Eval(env *Env) (interface{}, error) {
	v, err := eval(e.root, env)
	if err != nil {
		return nil, err
	}
	switch v.(type) {
	case envRef, credRef:
		return nil, fmt.Errorf("incomplete reference in expression %q", e.src)
	}
	return v, nil
}

// envRef and credRef are intermediate markers produced by the bare $env and
// $credentials namespaces. They only support member access.
type envRef struct{}

type credRef struct {
	id string
}

func eval(n node, env *Env) (interface{}, error) {
	switch t := n.(type) {
	case *literalNode:
		return t.val, nil
	case *identNode:
		return evalIdent(t, env)
	case *memberNode:
		return evalMember(t, env)
	case *indexNode:
		return evalIndex(t, env)
	case *callNode:
		return evalCall(t, env)
	case *unaryNode:
		return evalUnary(t, env)
	case *binaryNode:
		return evalBinary(t, env)
	case *ternaryNode:
		return evalTernary(t, env)
	}
	return nil, fmt.Errorf("unknown expression node at position %d", n.pos())
}

func evalIdent(n *identNode, env *Env) (interface{}, error) {
	switch n.name {
	case "$json":
		if env.Bag == nil {
			return map[string]interface{}{}, nil
		}
		return env.Bag, nil
	case "$env":
		return envRef{}, nil
	case "$credentials":
		return credRef{}, nil
	case "$loop":
		if env.Loop == nil {
			return Undefined, nil
		}
		return map[string]interface{}{
			"index": float64(env.Loop.Index),
			"item":  env.Loop.Item,
		}, nil
	case "$now":
		return env.now(), nil
	}
	return nil, fmt.Errorf("unknown identifier %q at position %d", n.name, n.at)
}

func evalMember(n *memberNode, env *Env) (interface{}, error) {
	target, err := eval(n.target, env)
	if err != nil {
		return nil, err
	}
	switch t := target.(type) {
	case envRef:
		if env.LookupEnv == nil {
			return Undefined, nil
		}
		if v, ok := env.LookupEnv(n.field); ok {
			return v, nil
		}
		return Undefined, nil
	case credRef:
		if t.id == "" {
			return credRef{id: n.field}, nil
		}
		if env.Credentials == nil {
			return nil, fmt.Errorf("credential reference %q at position %d: no credential source", t.id, n.at)
		}
		v, err := env.Credentials.Field(t.id, n.field)
		if err != nil {
			return nil, fmt.Errorf("resolve credential %q: %w", t.id, err)
		}
		return normalize(v), nil
	}
	return member(target, n.field), nil
}

// member walks one step into a value. Anything that is not an object with
// the key present yields Undefined.
func member(target interface{}, field string) interface{} {
	m, ok := target.(map[string]interface{})
	if !ok {
		return Undefined
	}
	v, ok := m[field]
	if !ok {
		return Undefined
	}
	return normalize(v)
}

func evalIndex(n *indexNode, env *Env) (interface{}, error) {
	target, err := eval(n.target, env)
	if err != nil {
		return nil, err
	}
	idx, err := eval(n.index, env)
	if err != nil {
		return nil, err
	}
	if IsUndefined(target) || IsUndefined(idx) {
		return Undefined, nil
	}
	switch t := target.(type) {
	case []interface{}:
		f, ok := idx.(float64)
		if !ok || f != math.Trunc(f) {
			return nil, fmt.Errorf("array index must be an integer, got %s at position %d", typeName(idx), n.at)
		}
		i := int(f)
		if i < 0 || i >= len(t) {
			return Undefined, nil
		}
		return normalize(t[i]), nil
	case map[string]interface{}:
		key, ok := idx.(string)
		if !ok {
			return nil, fmt.Errorf("object key must be a string, got %s at position %d", typeName(idx), n.at)
		}
		return member(t, key), nil
	case string:
		f, ok := idx.(float64)
		if !ok || f != math.Trunc(f) {
			return nil, fmt.Errorf("string index must be an integer, got %s at position %d", typeName(idx), n.at)
		}
		i := int(f)
		runes := []rune(t)
		if i < 0 || i >= len(runes) {
			return Undefined, nil
		}
		return string(runes[i]), nil
	}
	return Undefined, nil
}

func evalCall(n *callNode, env *Env) (interface{}, error) {
	fn, ok := builtinFuncs[n.name]
	if !ok {
		return nil, fmt.Errorf("unknown function %q at position %d", n.name, n.at)
	}
	args := make([]interface{}, len(n.args))
	for i, a := range n.args {
		v, err := eval(a, env)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return fn(env, n.at, args)
}

func evalUnary(n *unaryNode, env *Env) (interface{}, error) {
	v, err := eval(n.operand, env)
	if err != nil {
		return nil, err
	}
	if IsUndefined(v) {
		return Undefined, nil
	}
	switch n.op {
	case tokMinus:
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("cannot negate %s at position %d", typeName(v), n.at)
		}
		return -f, nil
	case tokBang:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("operand of ! must be boolean, got %s at position %d", typeName(v), n.at)
		}
		return !b, nil
	}
	return nil, fmt.Errorf("unknown unary operator at position %d", n.at)
}

func evalBinary(n *binaryNode, env *Env) (interface{}, error) {
	// Logical operators short-circuit, so they evaluate their own operands.
	if n.op == tokAnd || n.op == tokOr {
		return evalLogical(n, env)
	}

	left, err := eval(n.left, env)
	if err != nil {
		return nil, err
	}
	right, err := eval(n.right, env)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case tokEq:
		return valueEqual(left, right), nil
	case tokNotEq:
		return !valueEqual(left, right), nil
	}

	if IsUndefined(left) || IsUndefined(right) {
		return Undefined, nil
	}

	switch n.op {
	case tokLt, tokLtEq, tokGt, tokGtEq:
		c, err := compareValues(left, right, n.at)
		if err != nil {
			return nil, err
		}
		switch n.op {
		case tokLt:
			return c < 0, nil
		case tokLtEq:
			return c <= 0, nil
		case tokGt:
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	case tokPlus:
		if ls, ok := left.(string); ok {
			if rs, ok := right.(string); ok {
				return ls + rs, nil
			}
		}
		return arith(n.op, left, right, n.at)
	case tokMinus, tokStar, tokSlash, tokPercent:
		return arith(n.op, left, right, n.at)
	}
	return nil, fmt.Errorf("unknown operator at position %d", n.at)
}

func arith(op tokenKind, left, right interface{}, pos int) (interface{}, error) {
	lf, lok := left.(float64)
	rf, rok := right.(float64)
	if !lok || !rok {
		return nil, fmt.Errorf("arithmetic needs numbers, got %s and %s at position %d",
			typeName(left), typeName(right), pos)
	}
	switch op {
	case tokPlus:
		return lf + rf, nil
	case tokMinus:
		return lf - rf, nil
	case tokStar:
		return lf * rf, nil
	case tokSlash:
		if rf == 0 {
			return nil, fmt.Errorf("division by zero at position %d", pos)
		}
		return lf / rf, nil
	case tokPercent:
		if rf == 0 {
			return nil, fmt.Errorf("modulo by zero at position %d", pos)
		}
		return math.Mod(lf, rf), nil
	}
	return nil, fmt.Errorf("unknown arithmetic operator at position %d", pos)
}

func evalLogical(n *binaryNode, env *Env) (interface{}, error) {
	left, err := eval(n.left, env)
	if err != nil {
		return nil, err
	}
	if IsUndefined(left) {
		return Undefined, nil
	}
	lb, ok := left.(bool)
	if !ok {
		return nil, fmt.Errorf("logical operand must be boolean, got %s at position %d", typeName(left), n.at)
	}
	if n.op == tokAnd && !lb {
		return false, nil
	}
	if n.op == tokOr && lb {
		return true, nil
	}
	right, err := eval(n.right, env)
	if err != nil {
		return nil, err
	}
	if IsUndefined(right) {
		return Undefined, nil
	}
	rb, ok := right.(bool)
	if !ok {
		return nil, fmt.Errorf("logical operand must be boolean, got %s at position %d", typeName(right), n.at)
	}
	return rb, nil
}

func evalTernary(n *ternaryNode, env *Env) (interface{}, error) {
	cond, err := eval(n.cond, env)
	if err != nil {
		return nil, err
	}
	if IsUndefined(cond) {
		return Undefined, nil
	}
	b, ok := cond.(bool)
	if !ok {
		return nil, fmt.Errorf("ternary condition must be boolean, got %s at position %d", typeName(cond), n.at)
	}
	if b {
		return eval(n.whenTrue, env)
	}
	return eval(n.whenFalse, env)
}
