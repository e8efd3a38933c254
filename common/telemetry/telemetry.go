package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowmesh/flowmesh/common/logger"
)

// Opts holds the constructor options for Telemetry
type Opts struct {
	Logger      *logger.Logger
	EnablePprof bool
	PprofPort   int
	MetricsPort int
	Registry    *prometheus.Registry // nil disables the metrics listener
}

// Telemetry hosts the sidecar observability listeners: pprof on localhost
// and the Prometheus scrape endpoint. The worker additionally mounts
// /metrics on its ops server; the standalone listener serves binaries
// without one.
type Telemetry struct {
	log        *logger.Logger
	pprofSrv   *http.Server
	metricsSrv *http.Server
}

// New creates telemetry components
func New(opts Opts) *Telemetry {
	t := &Telemetry{log: opts.Logger}
	if opts.EnablePprof {
		// DefaultServeMux carries the pprof handlers via the blank import.
		t.pprofSrv = &http.Server{
			Addr:    fmt.Sprintf("localhost:%d", opts.PprofPort),
			Handler: http.DefaultServeMux,
		}
	}
	if opts.Registry != nil && opts.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}))
		t.metricsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", opts.MetricsPort),
			Handler: mux,
		}
	}
	return t
}

// Start starts the configured listeners
func (t *Telemetry) Start(ctx context.Context) error {
	if t.pprofSrv != nil {
		go func() {
			t.log.Info("pprof server starting", "addr", t.pprofSrv.Addr)
			if err := t.pprofSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				t.log.Error("pprof server error", "error", err)
			}
		}()
	}
	if t.metricsSrv != nil {
		go func() {
			t.log.Info("metrics server starting", "addr", t.metricsSrv.Addr)
			if err := t.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				t.log.Error("metrics server error", "error", err)
			}
		}()
	}
	return nil
}

// Stop shuts the listeners down
func (t *Telemetry) Stop(ctx context.Context) error {
	for _, srv := range []*http.Server{t.pprofSrv, t.metricsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			t.log.Warn("telemetry shutdown", "addr", srv.Addr, "error", err)
		}
	}
	return nil
}

// Tracer returns the process tracer for engine spans. Without an SDK wired
// into the global provider this is a no-op tracer.
func Tracer() trace.Tracer {
	return otel.Tracer("flowmesh")
}

// RecordDuration records operation duration
func (t *Telemetry) RecordDuration(operation string, start time.Time) {
	duration := time.Since(start)
	t.log.Debug("operation completed",
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
	)
}
