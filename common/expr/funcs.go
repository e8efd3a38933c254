package expr

import (
	"fmt"
	"strings"
	"time"
)

type builtinFunc func(env *Env, pos int, args []interface{}) (interface{}, error)

var builtinFuncs = map[string]builtinFunc{
	"now":        fnNow,
	"uuid":       fnUUID,
	"toUpper":    fnToUpper,
	"toLower":    fnToLower,
	"length":     fnLength,
	"contains":   fnContains,
	"addDays":    addDuration(24 * time.Hour),
	"addHours":   addDuration(time.Hour),
	"addMinutes": addDuration(time.Minute),
	"formatDate": fnFormatDate,
	"timestamp":  fnTimestamp,
}

func arity(name string, pos int, args []interface{}, want int) error {
	if len(args) != want {
		return fmt.Errorf("%s expects %d argument(s), got %d at position %d", name, want, len(args), pos)
	}
	return nil
}

func fnNow(env *Env, pos int, args []interface{}) (interface{}, error) {
	if err := arity("now", pos, args, 0); err != nil {
		return nil, err
	}
	return env.now(), nil
}

func fnUUID(env *Env, pos int, args []interface{}) (interface{}, error) {
	if err := arity("uuid", pos, args, 0); err != nil {
		return nil, err
	}
	return env.newID(), nil
}

func fnToUpper(_ *Env, pos int, args []interface{}) (interface{}, error) {
	return stringFn("toUpper", pos, args, strings.ToUpper)
}

func fnToLower(_ *Env, pos int, args []interface{}) (interface{}, error) {
	return stringFn("toLower", pos, args, strings.ToLower)
}

func stringFn(name string, pos int, args []interface{}, f func(string) string) (interface{}, error) {
	if err := arity(name, pos, args, 1); err != nil {
		return nil, err
	}
	if IsUndefined(args[0]) {
		return Undefined, nil
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("%s expects a string, got %s at position %d", name, typeName(args[0]), pos)
	}
	return f(s), nil
}

func fnLength(_ *Env, pos int, args []interface{}) (interface{}, error) {
	if err := arity("length", pos, args, 1); err != nil {
		return nil, err
	}
	switch t := args[0].(type) {
	case undefinedValue:
		return Undefined, nil
	case string:
		return float64(len([]rune(t))), nil
	case []interface{}:
		return float64(len(t)), nil
	case map[string]interface{}:
		return float64(len(t)), nil
	}
	return nil, fmt.Errorf("length expects a string, array or object, got %s at position %d", typeName(args[0]), pos)
}

func fnContains(_ *Env, pos int, args []interface{}) (interface{}, error) {
	if err := arity("contains", pos, args, 2); err != nil {
		return nil, err
	}
	if IsUndefined(args[0]) || IsUndefined(args[1]) {
		return Undefined, nil
	}
	switch t := args[0].(type) {
	case string:
		needle, ok := args[1].(string)
		if !ok {
			return nil, fmt.Errorf("contains on a string expects a string needle, got %s at position %d", typeName(args[1]), pos)
		}
		return strings.Contains(t, needle), nil
	case []interface{}:
		for _, elem := range t {
			if valueEqual(normalize(elem), args[1]) {
				return true, nil
			}
		}
		return false, nil
	}
	return nil, fmt.Errorf("contains expects a string or array, got %s at position %d", typeName(args[0]), pos)
}

func addDuration(unit time.Duration) builtinFunc {
	return func(_ *Env, pos int, args []interface{}) (interface{}, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("time shift expects 2 arguments, got %d at position %d", len(args), pos)
		}
		if IsUndefined(args[0]) || IsUndefined(args[1]) {
			return Undefined, nil
		}
		t, err := asTime(args[0], pos)
		if err != nil {
			return nil, err
		}
		n, ok := args[1].(float64)
		if !ok {
			return nil, fmt.Errorf("time shift amount must be a number, got %s at position %d", typeName(args[1]), pos)
		}
		return t.Add(time.Duration(n * float64(unit))), nil
	}
}

func fnFormatDate(_ *Env, pos int, args []interface{}) (interface{}, error) {
	if err := arity("formatDate", pos, args, 2); err != nil {
		return nil, err
	}
	if IsUndefined(args[0]) || IsUndefined(args[1]) {
		return Undefined, nil
	}
	t, err := asTime(args[0], pos)
	if err != nil {
		return nil, err
	}
	layout, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("formatDate layout must be a string, got %s at position %d", typeName(args[1]), pos)
	}
	return t.Format(layout), nil
}

func fnTimestamp(env *Env, pos int, args []interface{}) (interface{}, error) {
	switch len(args) {
	case 0:
		return float64(env.now().UnixMilli()), nil
	case 1:
		if IsUndefined(args[0]) {
			return Undefined, nil
		}
		t, err := asTime(args[0], pos)
		if err != nil {
			return nil, err
		}
		return float64(t.UnixMilli()), nil
	}
	return nil, fmt.Errorf("timestamp expects 0 or 1 argument(s), got %d at position %d", len(args), pos)
}

// asTime accepts a time value or an RFC 3339 string.
func asTime(v interface{}, pos int) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("cannot parse %q as RFC 3339 time at position %d", t, pos)
		}
		return parsed, nil
	}
	return time.Time{}, fmt.Errorf("expected a time or RFC 3339 string, got %s at position %d", typeName(v), pos)
}
