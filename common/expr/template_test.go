package expr

import (
	"reflect"
	"strings"
	"testing"
)

func TestRenderPassthrough(t *testing.T) {
	env := testEnv()
	got, err := Render("plain text, no placeholders", env)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "plain text, no placeholders" {
		t.Errorf("got %v", got)
	}
}

func TestRenderWholeStringKeepsType(t *testing.T) {
	env := testEnv()
	tests := []struct {
		tmpl string
		want interface{}
	}{
		{"{{ $json.user.age }}", float64(36)},
		{"{{ $json.flag }}", true},
		{"{{ $json.items }}", []interface{}{"a", "b", "c"}},
		{"{{ $json.user }}", map[string]interface{}{"name": "ada", "age": float64(36)}},
		{"{{ $json.nothing }}", nil},
		{"{{ 1 + 1 }}", float64(2)},
	}
	for _, tt := range tests {
		got, err := Render(tt.tmpl, env)
		if err != nil {
			t.Fatalf("render %q: %v", tt.tmpl, err)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Render(%q) = %#v, want %#v", tt.tmpl, got, tt.want)
		}
	}
}

func TestRenderWholeStringUndefined(t *testing.T) {
	env := testEnv()
	got, err := Render("{{ $json.missing }}", env)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !IsUndefined(got) {
		t.Errorf("got %v, want undefined", got)
	}
}

func TestRenderSplice(t *testing.T) {
	env := testEnv()
	tests := []struct {
		tmpl string
		want string
	}{
		{"hello {{ $json.user.name }}!", "hello ada!"},
		{"age: {{ $json.user.age }}", "age: 36"},
		{"score: {{ $json.score }}", "score: 7.5"},
		{"missing: [{{ $json.missing }}]", "missing: []"},
		{"null: [{{ $json.nothing }}]", "null: []"},
		{"items: {{ $json.items }}", `items: ["a","b","c"]`},
		{"{{ $json.user.name }} is {{ $json.user.age }}", "ada is 36"},
		{"flag={{ $json.flag }}", "flag=true"},
		// A '}}' inside a string literal must not close the placeholder.
		{`{{ contains('a}}b', '}}') ? 'y' : 'n' }}`, "y"},
	}
	for _, tt := range tests {
		got, err := Render(tt.tmpl, env)
		if err != nil {
			t.Fatalf("render %q: %v", tt.tmpl, err)
		}
		if got != tt.want {
			t.Errorf("Render(%q) = %q, want %q", tt.tmpl, got, tt.want)
		}
	}
}

func TestRenderErrors(t *testing.T) {
	env := testEnv()
	tests := []string{
		"{{ $json.user.name",
		"{{ 1 / 0 }}",
		"{{ nosuchfn() }} tail",
	}
	for _, tmpl := range tests {
		if _, err := Render(tmpl, env); err == nil {
			t.Errorf("Render(%q): expected error", tmpl)
		}
	}
}

func TestStringify(t *testing.T) {
	tests := []struct {
		in   interface{}
		want string
	}{
		{Undefined, ""},
		{nil, ""},
		{"s", "s"},
		{true, "true"},
		{float64(3), "3"},
		{float64(3.25), "3.25"},
		{float64(-0.5), "-0.5"},
		{[]interface{}{float64(1), "x"}, `[1,"x"]`},
		{map[string]interface{}{"k": float64(1)}, `{"k":1}`},
	}
	for _, tt := range tests {
		if got := Stringify(tt.in); got != tt.want {
			t.Errorf("Stringify(%#v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolveConfig(t *testing.T) {
	env := testEnv()
	cfg := map[string]interface{}{
		"url":     "https://api.example.com/users/{{ $json.user.name }}",
		"retries": float64(3),
		"payload": map[string]interface{}{
			"age":   "{{ $json.user.age }}",
			"tags":  []interface{}{"{{ toUpper($json.items[0]) }}", "static"},
			"extra": "{{ $json.missing }}",
		},
	}

	got, err := ResolveConfig(cfg, env)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	want := map[string]interface{}{
		"url":     "https://api.example.com/users/ada",
		"retries": float64(3),
		"payload": map[string]interface{}{
			"age":   float64(36),
			"tags":  []interface{}{"A", "static"},
			"extra": nil,
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("resolved config = %#v, want %#v", got, want)
	}

	// The input tree is not mutated.
	if cfg["payload"].(map[string]interface{})["age"] != "{{ $json.user.age }}" {
		t.Error("input config was mutated")
	}
}

func TestResolveConfigError(t *testing.T) {
	env := testEnv()
	cfg := map[string]interface{}{
		"step": map[string]interface{}{
			"bad": "{{ 1 / 0 }}",
		},
	}
	_, err := ResolveConfig(cfg, env)
	if err == nil {
		t.Fatal("expected error")
	}
	if want := "config.step.bad"; !strings.Contains(err.Error(), want) {
		t.Errorf("error %q does not name %s", err, want)
	}
}
