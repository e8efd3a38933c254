package expr

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

var testClock = func() time.Time {
	return time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
}

type fakeCreds map[string]map[string]interface{}

func (f fakeCreds) Field(id, field string) (interface{}, error) {
	c, ok := f[id]
	if !ok {
		return nil, fmt.Errorf("credential %q not accessible", id)
	}
	v, ok := c[field]
	if !ok {
		return Undefined, nil
	}
	return v, nil
}

func testEnv() *Env {
	return &Env{
		Bag: map[string]interface{}{
			"user":    map[string]interface{}{"name": "ada", "age": float64(36)},
			"items":   []interface{}{"a", "b", "c"},
			"counts":  []interface{}{float64(1), float64(2), float64(3)},
			"flag":    true,
			"nothing": nil,
			"score":   float64(7.5),
		},
		LookupEnv: func(name string) (string, bool) {
			if name == "REGION" {
				return "eu-west-1", true
			}
			return "", false
		},
		Credentials: fakeCreds{
			"slack": {"token": "xoxb-123"},
		},
		Clock: testClock,
		NewID: func() string { return "fixed-id" },
	}
}

func evalSrc(t *testing.T, src string, env *Env) interface{} {
	t.Helper()
	e, err := Parse(src)
	if err != nil {
		t.Fatalf("parse %q: %v", src, err)
	}
	v, err := e.Eval(env)
	if err != nil {
		t.Fatalf("eval %q: %v", src, err)
	}
	return v
}

func TestEvalLiteralsAndArithmetic(t *testing.T) {
	env := testEnv()
	tests := []struct {
		src  string
		want interface{}
	}{
		{"42", float64(42)},
		{"4.5", float64(4.5)},
		{"'hi'", "hi"},
		{`"there"`, "there"},
		{"true", true},
		{"false", false},
		{"null", nil},
		{"1 + 2 * 3", float64(7)},
		{"(1 + 2) * 3", float64(9)},
		{"10 / 4", float64(2.5)},
		{"10 % 3", float64(1)},
		{"-5 + 2", float64(-3)},
		{"'a' + 'b'", "ab"},
	}
	for _, tt := range tests {
		if got := evalSrc(t, tt.src, env); !valueEqual(got, tt.want) {
			t.Errorf("%q = %v, want %v", tt.src, got, tt.want)
		}
	}
}

func TestEvalComparisonsAndLogic(t *testing.T) {
	env := testEnv()
	tests := []struct {
		src  string
		want interface{}
	}{
		{"1 < 2", true},
		{"2 <= 2", true},
		{"3 > 4", false},
		{"'a' < 'b'", true},
		{"1 == 1", true},
		{"1 != 2", true},
		{"'a' == 'a'", true},
		{"1 == '1'", false},
		{"null == null", true},
		{"true && false", false},
		{"true || false", true},
		{"!false", true},
		{"1 < 2 && 2 < 3", true},
		{"1 > 2 ? 'yes' : 'no'", "no"},
		{"true ? 1 : 2", float64(1)},
		{"true ? false ? 1 : 2 : 3", float64(2)},
	}
	for _, tt := range tests {
		if got := evalSrc(t, tt.src, env); !valueEqual(got, tt.want) {
			t.Errorf("%q = %v, want %v", tt.src, got, tt.want)
		}
	}
}

func TestEvalDataAccess(t *testing.T) {
	env := testEnv()
	tests := []struct {
		src  string
		want interface{}
	}{
		{"$json.user.name", "ada"},
		{"$json.user.age + 1", float64(37)},
		{"$json.items[1]", "b"},
		{"$json.items[1 + 1]", "c"},
		{"$json.user['name']", "ada"},
		{"$json.counts[0] + $json.counts[2]", float64(4)},
		{"$json.flag", true},
		{"$json.nothing", nil},
		{"length($json.items)", float64(3)},
		{"contains($json.items, 'b')", true},
		{"contains($json.items, 'z')", false},
		{"contains('hello', 'ell')", true},
	}
	for _, tt := range tests {
		if got := evalSrc(t, tt.src, env); !valueEqual(got, tt.want) {
			t.Errorf("%q = %v, want %v", tt.src, got, tt.want)
		}
	}
}

func TestEvalUndefinedPropagation(t *testing.T) {
	env := testEnv()
	tests := []string{
		"$json.missing",
		"$json.missing.deeper",
		"$json.items[99]",
		"$json.items[-1]",
		"$json.missing + 1",
		"$json.missing > 3",
		"$json.missing && true",
		"!$json.missing",
		"$json.missing ? 1 : 2",
		"toUpper($json.missing)",
		"length($json.missing)",
		"$loop.index",
	}
	for _, src := range tests {
		if got := evalSrc(t, src, env); !IsUndefined(got) {
			t.Errorf("%q = %v, want undefined", src, got)
		}
	}

	// Equality does not propagate: it can test against undefined.
	if got := evalSrc(t, "$json.missing == $json.alsoMissing", env); got != true {
		t.Errorf("undefined == undefined = %v, want true", got)
	}
	if got := evalSrc(t, "$json.missing == 1", env); got != false {
		t.Errorf("undefined == 1 = %v, want false", got)
	}
}

func TestEvalNamespaces(t *testing.T) {
	env := testEnv()

	if got := evalSrc(t, "$env.REGION", env); got != "eu-west-1" {
		t.Errorf("$env.REGION = %v, want eu-west-1", got)
	}
	if got := evalSrc(t, "$env.SECRET_KEY", env); !IsUndefined(got) {
		t.Errorf("disallowed env var = %v, want undefined", got)
	}
	if got := evalSrc(t, "$credentials.slack.token", env); got != "xoxb-123" {
		t.Errorf("$credentials.slack.token = %v, want xoxb-123", got)
	}
	if got := evalSrc(t, "$credentials.slack.missing", env); !IsUndefined(got) {
		t.Errorf("missing credential field = %v, want undefined", got)
	}

	e, err := Parse("$credentials.github.token")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := e.Eval(env); err == nil {
		t.Error("expected error for inaccessible credential")
	}

	now := evalSrc(t, "$now", env)
	if ts, ok := now.(time.Time); !ok || !ts.Equal(testClock()) {
		t.Errorf("$now = %v, want pinned clock", now)
	}
}

func TestEvalLoopScope(t *testing.T) {
	env := testEnv()
	env.Loop = &LoopScope{Index: 2, Item: map[string]interface{}{"sku": "X1"}}

	if got := evalSrc(t, "$loop.index", env); got != float64(2) {
		t.Errorf("$loop.index = %v, want 2", got)
	}
	if got := evalSrc(t, "$loop.item.sku", env); got != "X1" {
		t.Errorf("$loop.item.sku = %v, want X1", got)
	}
}

func TestEvalFunctions(t *testing.T) {
	env := testEnv()
	tests := []struct {
		src  string
		want interface{}
	}{
		{"toUpper('abc')", "ABC"},
		{"toLower('ABC')", "abc"},
		{"length('héllo')", float64(5)},
		{"uuid()", "fixed-id"},
		{"timestamp()", float64(testClock().UnixMilli())},
		{"formatDate(now(), '2006-01-02')", "2026-01-15"},
		{"formatDate(addDays(now(), 1), '2006-01-02')", "2026-01-16"},
		{"formatDate(addHours(now(), 2), '15:04')", "12:30"},
		{"formatDate(addMinutes(now(), -30), '15:04')", "10:00"},
		{"timestamp('2026-01-15T10:30:00Z')", float64(testClock().UnixMilli())},
	}
	for _, tt := range tests {
		if got := evalSrc(t, tt.src, env); !valueEqual(got, tt.want) {
			t.Errorf("%q = %v, want %v", tt.src, got, tt.want)
		}
	}
}

func TestEvalErrors(t *testing.T) {
	env := testEnv()
	tests := []struct {
		src     string
		wantSub string
	}{
		{"1 / 0", "division by zero"},
		{"1 % 0", "modulo by zero"},
		{"1 + 'a'", "arithmetic needs numbers"},
		{"'a' - 'b'", "arithmetic needs numbers"},
		{"1 < 'a'", "cannot compare"},
		{"1 && true", "must be boolean"},
		{"!'nope'", "must be boolean"},
		{"1 ? 2 : 3", "ternary condition must be boolean"},
		{"nosuchfn()", "unknown function"},
		{"bareword", "unknown identifier"},
		{"$json.items['x']", "array index must be an integer"},
		{"toUpper(1)", "expects a string"},
		{"length(1)", "expects a string, array or object"},
	}
	for _, tt := range tests {
		e, err := Parse(tt.src)
		if err != nil {
			t.Fatalf("parse %q: %v", tt.src, err)
		}
		_, err = e.Eval(env)
		if err == nil {
			t.Errorf("%q: expected error", tt.src)
			continue
		}
		if !strings.Contains(err.Error(), tt.wantSub) {
			t.Errorf("%q error = %q, want substring %q", tt.src, err, tt.wantSub)
		}
	}
}

func TestParseErrors(t *testing.T) {
	tests := []string{
		"",
		"1 +",
		"(1 + 2",
		"'unterminated",
		"$json.items[0",
		"1 ? 2",
		"a b",
		"@",
		"'bad \\q escape'",
	}
	for _, src := range tests {
		if _, err := Parse(src); err == nil {
			t.Errorf("Parse(%q): expected error", src)
		}
	}
}
