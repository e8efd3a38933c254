package expr_test

import (
	"fmt"
	"os"
	"strconv"
	"testing"

	"github.com/flowmesh/flowmesh/common/expr"
)

// Configuration from environment
var bagNodes = getEnvInt("PERF_BAG_NODES", 50)

// buildBag fakes the data bag of a mid-sized run: the trigger input at the
// root plus one output document per completed node.
func buildBag(nodes int) map[string]interface{} {
	bag := map[string]interface{}{
		"name":   "perf",
		"amount": 1250.75,
		"items":  []interface{}{"a", "b", "c"},
	}
	for i := 0; i < nodes; i++ {
		bag[fmt.Sprintf("node%d", i)] = map[string]interface{}{
			"status": "SUCCESS",
			"count":  float64(i),
			"body":   map[string]interface{}{"id": fmt.Sprintf("rec-%d", i)},
		}
	}
	return bag
}

// BenchmarkRenderSplice measures string interpolation, the most common
// per-node resolution shape.
//
// Usage:
//
//	PERF_BAG_NODES=200 go test -bench=BenchmarkRenderSplice -benchtime=100000x ./perf_tests/expr/
func BenchmarkRenderSplice(b *testing.B) {
	env := &expr.Env{Bag: buildBag(bagNodes)}
	tmpl := "order {{ $json.node1.body.id }} for {{ $json.name }} ({{ $json.amount * 2 }})"

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := expr.Render(tmpl, env); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkRenderTyped measures a whole-string expression returning a typed
// value, the shape edge conditions and set nodes use.
func BenchmarkRenderTyped(b *testing.B) {
	env := &expr.Env{Bag: buildBag(bagNodes)}
	tmpl := `{{ $json.node2.count >= 2 && contains($json.items, "b") ? toUpper($json.name) : "skip" }}`

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := expr.Render(tmpl, env); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkResolveConfig measures full node-config resolution: a nested
// tree with a mix of templated and literal leaves.
func BenchmarkResolveConfig(b *testing.B) {
	env := &expr.Env{Bag: buildBag(bagNodes)}
	cfg := map[string]interface{}{
		"url":    "https://example.test/orders/{{ $json.node3.body.id }}",
		"method": "POST",
		"body": map[string]interface{}{
			"customer": "{{ $json.name }}",
			"total":    "{{ $json.amount }}",
			"lines":    []interface{}{"{{ $json.items[0] }}", "static"},
		},
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := expr.ResolveConfig(cfg, env); err != nil {
			b.Fatal(err)
		}
	}
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
