package observability

import (
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nox"

// OtherEndpoint is the label value for paths outside the known route set.
const OtherEndpoint = "other"

// Endpoints are the route paths used as metric labels. Anything else is
// folded into OtherEndpoint so scanners cannot blow up label cardinality.
var Endpoints = []string{
	"/health", "/readyz", "/put", "/run_py", "/run_sh", "/list", "/cat",
	"/delete", "/metrics", "/quota", "/logs/tail", "/ws/terminal", "/mcp",
}

var knownEndpoints = func() map[string]bool {
	m := make(map[string]bool, len(Endpoints))
	for _, e := range Endpoints {
		m[e] = true
	}
	return m
}()

// EndpointLabel maps a request path to its metric label.
func EndpointLabel(path string) string {
	if knownEndpoints[path] {
		return path
	}
	return OtherEndpoint
}

// Execution outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeNonZero = "nonzero"
	OutcomeTimeout = "timeout"
	OutcomeError   = "error"
)

// SandboxStats is a point-in-time size of the sandbox tree.
type SandboxStats struct {
	Files int64
	Bytes int64
}

// MetricsCollector holds all Prometheus metrics for nox.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge

	AdmissionRejections *prometheus.CounterVec
	AuditWriteFailures  prometheus.Counter

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionCPU      *prometheus.CounterVec
	OutputTruncations *prometheus.CounterVec

	sandbox atomic.Pointer[SandboxStats]
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total HTTP requests by endpoint, method and status code.",
		}, []string{"endpoint", "method", "code"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"endpoint", "method", "code"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Requests currently being served.",
		}),

		AdmissionRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Requests rejected before reaching a handler.",
		}, []string{"reason"}),

		AuditWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_failures_total",
			Help:      "Audit records that could not be written.",
		}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Sandboxed executions by kind and outcome.",
		}, []string{"kind", "outcome"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_seconds",
			Help:      "Wall time of sandboxed executions in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 20, 60},
		}, []string{"kind"}),

		ExecutionCPU: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execution_cpu_seconds_total",
			Help:      "User plus system CPU time consumed by sandboxed children.",
		}, []string{"kind"}),

		OutputTruncations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_truncations_total",
			Help:      "Executions whose output hit the capture limit.",
		}, []string{"kind"}),
	}
	m.sandbox.Store(&SandboxStats{})

	sandboxFiles := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sandbox_files",
		Help:      "Regular files in the sandbox at the last refresh.",
	}, func() float64 { return float64(m.SandboxStats().Files) })

	sandboxBytes := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sandbox_bytes",
		Help:      "Total size of sandbox files at the last refresh.",
	}, func() float64 { return float64(m.SandboxStats().Bytes) })

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.AdmissionRejections,
		m.AuditWriteFailures,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionCPU,
		m.OutputTruncations,
		sandboxFiles,
		sandboxBytes,
	)

	return m
}

// ObserveRequest records one finished request.
func (m *MetricsCollector) ObserveRequest(endpoint, method string, code int, seconds float64) {
	if m == nil {
		return
	}
	c := strconv.Itoa(code)
	m.RequestsTotal.WithLabelValues(endpoint, method, c).Inc()
	m.RequestDuration.WithLabelValues(endpoint, method, c).Observe(seconds)
}

// RecordRejection counts an admission rejection. reason is one of
// "unauthorized", "rate_limited" or "quota_exceeded".
func (m *MetricsCollector) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.AdmissionRejections.WithLabelValues(reason).Inc()
}

// AuditFailed counts a lost audit record. Suitable as security.AuditConfig.OnFail.
func (m *MetricsCollector) AuditFailed() {
	if m == nil {
		return
	}
	m.AuditWriteFailures.Inc()
}

// SetSandboxStats replaces the sandbox snapshot served by the gauges.
func (m *MetricsCollector) SetSandboxStats(s SandboxStats) {
	if m == nil {
		return
	}
	m.sandbox.Store(&s)
}

// SandboxStats returns the current sandbox snapshot.
func (m *MetricsCollector) SandboxStats() SandboxStats {
	if m == nil {
		return SandboxStats{}
	}
	return *m.sandbox.Load()
}

// Handler returns the Prometheus text exposition handler for the registry.
func (m *MetricsCollector) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = w.Write([]byte("# metrics disabled\n"))
		})
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
