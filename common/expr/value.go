package expr

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// undefinedValue marks a missing path lookup. It is distinct from JSON null:
// null is a present value, undefined is the absence of one. Undefined
// propagates through operators and splices into templates as "".
type undefinedValue struct{}

// Undefined is the sentinel returned by lookups that walk off the data.
var Undefined = undefinedValue{}

// IsUndefined reports whether v is the missing-value sentinel.
func IsUndefined(v interface{}) bool {
	_, ok := v.(undefinedValue)
	return ok
}

// Stringify renders a value for splicing into a template string. Undefined
// and null render as the empty string, numbers in canonical form (no
// trailing ".0" for integral values), containers as compact JSON.
func Stringify(v interface{}) string {
	switch t := v.(type) {
	case undefinedValue:
		return ""
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return formatNumber(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// normalize coerces the integer types that arrive from Go callers into
// float64 so arithmetic and comparisons see one numeric type, matching
// what encoding/json produces.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	}
	return v
}

// valueEqual implements the == operator. Undefined equals only undefined,
// null equals only null, and values of different types are unequal rather
// than coerced.
func valueEqual(a, b interface{}) bool {
	if IsUndefined(a) || IsUndefined(b) {
		return IsUndefined(a) && IsUndefined(b)
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	}
	// Containers compare by compact JSON form.
	ab, aerr := json.Marshal(a)
	bb, berr := json.Marshal(b)
	return aerr == nil && berr == nil && string(ab) == string(bb)
}

// compareValues implements the ordering operators for numbers, strings and
// times. Mismatched or unordered types return an error; undefined operands
// are handled by the caller before this runs.
func compareValues(a, b interface{}, pos int) (int, error) {
	switch av := a.(type) {
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1, nil
			case av > bv:
				return 1, nil
			}
			return 0, nil
		}
	case string:
		if bv, ok := b.(string); ok {
			switch {
			case av < bv:
				return -1, nil
			case av > bv:
				return 1, nil
			}
			return 0, nil
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			switch {
			case av.Before(bv):
				return -1, nil
			case av.After(bv):
				return 1, nil
			}
			return 0, nil
		}
	}
	return 0, fmt.Errorf("cannot compare %s and %s at position %d", typeName(a), typeName(b), pos)
}

func typeName(v interface{}) string {
	switch v.(type) {
	case undefinedValue:
		return "undefined"
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	case time.Time:
		return "time"
	}
	return fmt.Sprintf("%T", v)
}
