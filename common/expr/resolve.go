package expr

import "fmt"

// ResolveConfig renders every string in a node config tree against env,
// returning a new tree. Non-string scalars pass through untouched. A string
// that is exactly one placeholder is replaced by the expression's typed
// value, so configs can carry numbers, booleans, arrays and objects pulled
// from upstream outputs.
func ResolveConfig(cfg map[string]interface{}, env *Env) (map[string]interface{}, error) {
	out, err := resolveValue(cfg, env, "")
	if err != nil {
		return nil, err
	}
	return out.(map[string]interface{}), nil
}

func resolveValue(v interface{}, env *Env, path string) (interface{}, error) {
	switch t := v.(type) {
	case string:
		resolved, err := Render(t, env)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", pathOrRoot(path), err)
		}
		if IsUndefined(resolved) {
			return nil, nil
		}
		return resolved, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, child := range t {
			r, err := resolveValue(child, env, path+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, child := range t {
			r, err := resolveValue(child, env, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	return v, nil
}

func pathOrRoot(path string) string {
	if path == "" {
		return "config"
	}
	return "config" + path
}
