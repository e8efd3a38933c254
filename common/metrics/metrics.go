package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the worker's Prometheus instrumentation. All series carry the
// "flowmesh" namespace. Labels stay low-cardinality: node type and status,
// never run or node IDs. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	runsStarted    *prometheus.CounterVec
	runsFinished   *prometheus.CounterVec
	nodeExecutions *prometheus.CounterVec
	nodeRetries    *prometheus.CounterVec
	nodeLatency    *prometheus.HistogramVec
	rateLimited    prometheus.Counter
	exprErrors     prometheus.Counter
	inflightNodes  prometheus.Gauge
	claimedRuns    prometheus.Gauge
}

// New creates a Metrics with its own registry, exposed via Registry().
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := NewWith(registry)
	m.registry = registry
	return m
}

// NewWith registers all series with the given registerer
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		runsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmesh",
			Name:      "runs_started_total",
			Help:      "Runs claimed and started by this worker",
		}, []string{"mode"}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmesh",
			Name:      "runs_finished_total",
			Help:      "Runs driven to a terminal status by this worker",
		}, []string{"status"}),
		nodeExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmesh",
			Name:      "node_executions_total",
			Help:      "Node executions by adapter type and terminal status",
		}, []string{"type", "status"}),
		nodeRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowmesh",
			Name:      "node_retries_total",
			Help:      "Node retry attempts by failure reason",
		}, []string{"reason"}),
		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowmesh",
			Name:      "node_latency_ms",
			Help:      "Node execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"type", "status"}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowmesh",
			Name:      "dispatch_rate_limited_total",
			Help:      "Enqueue requests rejected by the tenant rate limit",
		}),
		exprErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "flowmesh",
			Name:      "expression_errors_total",
			Help:      "Expression evaluations that failed during input assembly",
		}),
		inflightNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowmesh",
			Name:      "inflight_nodes",
			Help:      "Nodes currently executing across all runs on this worker",
		}),
		claimedRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowmesh",
			Name:      "claimed_runs",
			Help:      "Runs currently claimed by this worker",
		}),
	}
}

// Registry returns the registry backing New, nil for NewWith.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RunStarted counts a claimed run by trigger mode
func (m *Metrics) RunStarted(mode string) {
	if m == nil {
		return
	}
	m.runsStarted.WithLabelValues(mode).Inc()
	m.claimedRuns.Inc()
}

// RunFinished counts a run reaching a terminal status
func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(status).Inc()
	m.claimedRuns.Dec()
}

// RunReleased decrements the claim gauge for runs left non-terminal
func (m *Metrics) RunReleased() {
	if m == nil {
		return
	}
	m.claimedRuns.Dec()
}

// NodeStarted marks a node entering execution
func (m *Metrics) NodeStarted() {
	if m == nil {
		return
	}
	m.inflightNodes.Inc()
}

// NodeFinished records one node execution with its duration
func (m *Metrics) NodeFinished(nodeType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.inflightNodes.Dec()
	m.nodeExecutions.WithLabelValues(nodeType, status).Inc()
	m.nodeLatency.WithLabelValues(nodeType, status).Observe(float64(d.Milliseconds()))
}

// NodeRetried counts a scheduled retry
func (m *Metrics) NodeRetried(reason string) {
	if m == nil {
		return
	}
	m.nodeRetries.WithLabelValues(reason).Inc()
}

// RateLimited counts an enqueue rejected by the tenant limiter
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// ExpressionError counts a failed expression evaluation
func (m *Metrics) ExpressionError() {
	if m == nil {
		return
	}
	m.exprErrors.Inc()
}
