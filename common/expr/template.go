package expr

import (
	"fmt"
	"strings"
	"sync"
)

const (
	placeholderOpen  = "{{"
	placeholderClose = "}}"
)

// Parsed expressions are cached by source text. Workflow configs repeat the
// same placeholders across runs, so the cache saves a reparse per node
// execution.
var parseCache = struct {
	sync.RWMutex
	exprs map[string]*Expr
}{exprs: make(map[string]*Expr)}

func parseCached(src string) (*Expr, error) {
	parseCache.RLock()
	e, ok := parseCache.exprs[src]
	parseCache.RUnlock()
	if ok {
		return e, nil
	}
	e, err := Parse(src)
	if err != nil {
		return nil, err
	}
	parseCache.Lock()
	parseCache.exprs[src] = e
	parseCache.Unlock()
	return e, nil
}

// HasPlaceholder reports whether s contains a {{ ... }} placeholder.
func HasPlaceholder(s string) bool {
	return strings.Contains(s, placeholderOpen)
}

// Render interpolates a template string. A string that is exactly one
// placeholder evaluates to the expression's typed value; any other string
// splices each placeholder result in via Stringify, with undefined and null
// becoming "". Strings without placeholders pass through unchanged.
func Render(tmpl string, env *Env) (interface{}, error) {
	open := strings.Index(tmpl, placeholderOpen)
	if open < 0 {
		return tmpl, nil
	}

	// Whole-string single placeholder keeps the value's type.
	if open == 0 {
		inner, end, err := scanPlaceholder(tmpl, 0)
		if err != nil {
			return nil, err
		}
		if end == len(tmpl) {
			e, err := parseCached(inner)
			if err != nil {
				return nil, fmt.Errorf("parse expression %q: %w", inner, err)
			}
			return e.Eval(env)
		}
	}

	var sb strings.Builder
	rest := tmpl
	for {
		open := strings.Index(rest, placeholderOpen)
		if open < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		sb.WriteString(rest[:open])
		inner, end, err := scanPlaceholder(rest, open)
		if err != nil {
			return nil, err
		}
		e, err := parseCached(inner)
		if err != nil {
			return nil, fmt.Errorf("parse expression %q: %w", inner, err)
		}
		v, err := e.Eval(env)
		if err != nil {
			return nil, err
		}
		sb.WriteString(Stringify(v))
		rest = rest[end:]
	}
}

// RenderString is Render for callers that need a string back regardless of
// placeholder shape.
func RenderString(tmpl string, env *Env) (string, error) {
	v, err := Render(tmpl, env)
	if err != nil {
		return "", err
	}
	return Stringify(v), nil
}

// scanPlaceholder finds the matching close delimiter for the placeholder
// opening at off, skipping over quoted string literals so '}}' inside a
// string does not terminate the scan. It returns the inner expression text
// and the offset just past the close delimiter.
func scanPlaceholder(s string, off int) (string, int, error) {
	i := off + len(placeholderOpen)
	start := i
	var quote byte
	for i < len(s) {
		c := s[i]
		if quote != 0 {
			switch c {
			case '\\':
				i += 2
				continue
			case quote:
				quote = 0
			}
			i++
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
			i++
		case '}':
			if i+1 < len(s) && s[i+1] == '}' {
				return strings.TrimSpace(s[start:i]), i + 2, nil
			}
			i++
		default:
			i++
		}
	}
	return "", 0, fmt.Errorf("unterminated placeholder starting at offset %d", off)
}
