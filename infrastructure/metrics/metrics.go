// Package metrics provides Prometheus metrics collection for the pipeline
// orchestration core.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/livecalc/core/infrastructure/runtime"
)

// Metrics holds all Prometheus collectors the core registers.
type Metrics struct {
	// Run lifecycle
	RunsTotal       *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	RunsInFlight    prometheus.Gauge
	NodeExecutions  *prometheus.CounterVec
	NodeDuration    *prometheus.HistogramVec
	HandoffDuration *prometheus.HistogramVec

	// Integrity
	IntegrityChecksTotal  *prometheus.CounterVec
	IntegrityFailuresTotal *prometheus.CounterVec

	// Breakpoints
	BreakpointPausesTotal *prometheus.CounterVec

	// Packages
	PackageBuildsTotal *prometheus.CounterVec
	PackageLoadsTotal  *prometheus.CounterVec

	// Errors
	ErrorsTotal *prometheus.CounterVec

	// Process health
	CoreUptime prometheus.Gauge
	CoreInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered against
// the default Prometheus registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livecalc_runs_total",
				Help: "Total number of pipeline runs by terminal status",
			},
			[]string{"service", "status"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "livecalc_run_duration_seconds",
				Help:    "Wall-clock duration of a pipeline run",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"service"},
		),
		RunsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "livecalc_runs_in_flight",
				Help: "Current number of pipeline runs being executed",
			},
		),
		NodeExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livecalc_node_executions_total",
				Help: "Total number of node executions by terminal state",
			},
			[]string{"service", "node_kind", "state"},
		),
		NodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "livecalc_node_duration_seconds",
				Help:    "Per-node total duration (init+execute+handoff)",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"service", "node_kind"},
		),
		HandoffDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "livecalc_handoff_duration_seconds",
				Help:    "Time spent signaling downstream consumers after a node completes",
				Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01},
			},
			[]string{"service"},
		),
		IntegrityChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livecalc_integrity_checks_total",
				Help: "Total number of resource integrity checks performed",
			},
			[]string{"service", "resource"},
		),
		IntegrityFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livecalc_integrity_failures_total",
				Help: "Total number of resource integrity check failures",
			},
			[]string{"service", "resource", "reason"},
		),
		BreakpointPausesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livecalc_breakpoint_pauses_total",
				Help: "Total number of times execution paused at a breakpoint",
			},
			[]string{"service", "node_id"},
		),
		PackageBuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livecalc_package_builds_total",
				Help: "Total number of package archives built",
			},
			[]string{"service", "status"},
		),
		PackageLoadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livecalc_package_loads_total",
				Help: "Total number of package archives loaded and verified",
			},
			[]string{"service", "status"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livecalc_errors_total",
				Help: "Total number of errors by kind and operation",
			},
			[]string{"service", "kind", "operation"},
		),
		CoreUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "livecalc_core_uptime_seconds",
				Help: "Core process uptime in seconds",
			},
		),
		CoreInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "livecalc_core_info",
				Help: "Core build/version information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RunsTotal,
			m.RunDuration,
			m.RunsInFlight,
			m.NodeExecutions,
			m.NodeDuration,
			m.HandoffDuration,
			m.IntegrityChecksTotal,
			m.IntegrityFailuresTotal,
			m.BreakpointPausesTotal,
			m.PackageBuildsTotal,
			m.PackageLoadsTotal,
			m.ErrorsTotal,
			m.CoreUptime,
			m.CoreInfo,
		)
	}

	m.CoreInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordRun records a completed pipeline run.
func (m *Metrics) RecordRun(service, status string, duration time.Duration) {
	m.RunsTotal.WithLabelValues(service, status).Inc()
	m.RunDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordNodeExecution records a single node's terminal state and duration.
func (m *Metrics) RecordNodeExecution(service, nodeKind, state string, duration time.Duration) {
	m.NodeExecutions.WithLabelValues(service, nodeKind, state).Inc()
	m.NodeDuration.WithLabelValues(service, nodeKind).Observe(duration.Seconds())
}

// RecordHandoff records the latency of signaling downstream consumers.
func (m *Metrics) RecordHandoff(service string, duration time.Duration) {
	m.HandoffDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordIntegrityCheck records an integrity check outcome.
func (m *Metrics) RecordIntegrityCheck(service, resource string, ok bool, reason string) {
	m.IntegrityChecksTotal.WithLabelValues(service, resource).Inc()
	if !ok {
		m.IntegrityFailuresTotal.WithLabelValues(service, resource, reason).Inc()
	}
}

// RecordBreakpointPause records a pause at a breakpoint.
func (m *Metrics) RecordBreakpointPause(service, nodeID string) {
	m.BreakpointPausesTotal.WithLabelValues(service, nodeID).Inc()
}

// RecordPackageBuild records a package build outcome.
func (m *Metrics) RecordPackageBuild(service, status string) {
	m.PackageBuildsTotal.WithLabelValues(service, status).Inc()
}

// RecordPackageLoad records a package load/verify outcome.
func (m *Metrics) RecordPackageLoad(service, status string) {
	m.PackageLoadsTotal.WithLabelValues(service, status).Inc()
}

// RecordError records an error occurrence.
func (m *Metrics) RecordError(service, errorKind, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorKind, operation).Inc()
}

// UpdateUptime updates the core uptime gauge.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.CoreUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight runs gauge.
func (m *Metrics) IncrementInFlight() {
	m.RunsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight runs gauge.
func (m *Metrics) DecrementInFlight() {
	m.RunsInFlight.Dec()
}

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance, creating one for an "unknown"
// service if Init was never called.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
