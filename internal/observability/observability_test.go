package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/nox/internal/config"
	"github.com/jkaninda/nox/internal/sandbox"
	"github.com/jkaninda/nox/internal/workspace"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- No-op Path ---

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.Config{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Anomaly != nil {
		t.Error("anomaly should be nil when threshold is zero")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestNew_MetricsAndAnomaly(t *testing.T) {
	cfg := &config.Config{
		MetricsEnabled: true,
		Anomaly:        config.AnomalyConfig{ErrorRateThreshold: 0.5},
	}
	obs, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Metrics == nil {
		t.Error("metrics should be created")
	}
	if obs.Anomaly == nil {
		t.Error("anomaly detector should be created")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	var obs *Observability
	if err := obs.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on nil: %v", err)
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Registered(t *testing.T) {
	m := NewMetricsCollector()
	m.ObserveRequest("/run_sh", "POST", 200, 0.2)
	m.RecordRejection("rate_limited")
	m.ExecutionsTotal.WithLabelValues(KindShell, OutcomeOK).Inc()
	m.ExecutionDuration.WithLabelValues(KindShell).Observe(0.1)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"nox_requests_total",
		"nox_request_seconds",
		"nox_active_requests",
		"nox_admission_rejections_total",
		"nox_audit_write_failures_total",
		"nox_executions_total",
		"nox_execution_seconds",
		"nox_sandbox_files",
		"nox_sandbox_bytes",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestMetricsCollector_ObserveRequest(t *testing.T) {
	m := NewMetricsCollector()
	m.ObserveRequest("/put", "POST", 200, 0.01)
	m.ObserveRequest("/put", "POST", 200, 0.02)
	m.ObserveRequest("/put", "POST", 413, 0.03)

	if got := counterValue(t, m.Registry, "nox_requests_total", prometheus.Labels{"endpoint": "/put", "code": "200"}); got != 2 {
		t.Errorf("200 count = %v, want 2", got)
	}
	if got := counterValue(t, m.Registry, "nox_requests_total", prometheus.Labels{"endpoint": "/put", "code": "413"}); got != 1 {
		t.Errorf("413 count = %v, want 1", got)
	}
}

func TestMetricsCollector_NilSafe(t *testing.T) {
	var m *MetricsCollector
	m.ObserveRequest("/health", "GET", 200, 0)
	m.RecordRejection("unauthorized")
	m.AuditFailed()
	m.SetSandboxStats(SandboxStats{Files: 1})
	if got := m.SandboxStats(); got != (SandboxStats{}) {
		t.Errorf("nil SandboxStats = %+v, want zero", got)
	}
}

func TestMetricsCollector_AuditFailed(t *testing.T) {
	m := NewMetricsCollector()
	m.AuditFailed()
	m.AuditFailed()
	if got := counterValue(t, m.Registry, "nox_audit_write_failures_total", nil); got != 2 {
		t.Errorf("audit failures = %v, want 2", got)
	}
}

func TestEndpointLabel(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/run_py", "/run_py"},
		{"/logs/tail", "/logs/tail"},
		{"/", OtherEndpoint},
		{"/wp-admin.php", OtherEndpoint},
		{"/run_py/", OtherEndpoint},
	}
	for _, tc := range tests {
		if got := EndpointLabel(tc.path); got != tc.want {
			t.Errorf("EndpointLabel(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestSandboxGauges(t *testing.T) {
	ws, err := workspace.New(filepath.Join(t.TempDir(), "sb"))
	if err != nil {
		t.Fatal(err)
	}
	for name, body := range map[string]string{"a.txt": "abc", "d/b.txt": "defg"} {
		p := filepath.Join(ws.Root, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	m := NewMetricsCollector()
	if got := gaugeValue(t, m.Registry, "nox_sandbox_files"); got != 0 {
		t.Errorf("files before refresh = %v, want 0", got)
	}
	RefreshSandboxStats(ws, m, discardLogger())()

	if got := gaugeValue(t, m.Registry, "nox_sandbox_files"); got != 2 {
		t.Errorf("files = %v, want 2", got)
	}
	if got := gaugeValue(t, m.Registry, "nox_sandbox_bytes"); got != 7 {
		t.Errorf("bytes = %v, want 7", got)
	}
}

func TestHandler(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		var m *MetricsCollector
		rec := httptest.NewRecorder()
		m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "# metrics disabled") {
			t.Errorf("body = %q", rec.Body.String())
		}
	})
	t.Run("enabled", func(t *testing.T) {
		m := NewMetricsCollector()
		m.ObserveRequest("/health", "GET", 200, 0.001)
		rec := httptest.NewRecorder()
		m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
		body := rec.Body.String()
		if !strings.Contains(body, `nox_requests_total{code="200",endpoint="/health",method="GET"} 1`) {
			t.Errorf("exposition missing request counter:\n%s", body)
		}
	})
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("quota_store", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("sandbox", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["quota_store"].Status != "fail" {
		t.Errorf("quota_store check = %q, want fail", status.Checks["quota_store"].Status)
	}
	if status.Checks["sandbox"].Status != "ok" {
		t.Errorf("sandbox check = %q, want ok", status.Checks["sandbox"].Status)
	}
}

func TestHealthChecker_SlowCheckTimesOut(t *testing.T) {
	h := NewHealthChecker(discardLogger())
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	status := h.CheckReady(ctx)
	if status.Status != "degraded" || status.Checks["slow"].Status != "fail" {
		t.Errorf("status = %+v, want slow check failed", status)
	}
}

func TestHealthChecker_ReplaceCheck(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("quota_store", func(context.Context) error { return errors.New("down") })
	h.AddCheck("quota_store", func(context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "ok" || len(status.Checks) != 1 {
		t.Errorf("status = %+v, want a single passing check", status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordError("test")
	a.RecordSuccess("test")
}

func TestAnomalyDetector_DisabledAtZero(t *testing.T) {
	if a := NewAnomalyDetector(config.AnomalyConfig{}, nil); a != nil {
		t.Error("expected nil detector for zero threshold")
	}
}

func TestAnomalyDetector_Rate(t *testing.T) {
	a := NewAnomalyDetector(config.AnomalyConfig{
		ErrorRateThreshold: 0.5,
		Window:             time.Minute,
	}, discardLogger())

	for i := 0; i < 4; i++ {
		a.RecordSuccess("shell")
	}
	for i := 0; i < 6; i++ {
		a.RecordError("shell")
	}

	rate, n := a.Rate("shell")
	if n != 10 || rate != 0.6 {
		t.Errorf("Rate = %v over %d, want 0.6 over 10", rate, n)
	}
	if _, n := a.Rate("python"); n != 0 {
		t.Errorf("untouched kind has %d samples", n)
	}
}

func TestAnomalyDetector_WindowExpires(t *testing.T) {
	a := NewAnomalyDetector(config.AnomalyConfig{
		ErrorRateThreshold: 0.5,
		Window:             time.Minute,
	}, nil)
	now := time.Unix(1_700_000_000, 0)
	a.now = func() time.Time { return now }

	a.RecordError("shell")
	a.RecordError("shell")
	now = now.Add(30 * time.Second)
	a.RecordSuccess("shell")
	if _, n := a.Rate("shell"); n != 3 {
		t.Fatalf("samples = %d, want 3", n)
	}

	now = now.Add(45 * time.Second)
	rate, n := a.Rate("shell")
	if n != 1 || rate != 0 {
		t.Errorf("after expiry: rate %v over %d, want 0 over 1", rate, n)
	}
}

func TestAnomalyDetector_LogsOnTransition(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	a := NewAnomalyDetector(config.AnomalyConfig{ErrorRateThreshold: 0.5, Window: time.Hour}, logger)

	for i := 0; i < 10; i++ {
		a.RecordError("python")
	}
	if got := strings.Count(buf.String(), "above threshold"); got != 1 {
		t.Errorf("warned %d times, want 1:\n%s", got, buf.String())
	}
	for i := 0; i < 20; i++ {
		a.RecordSuccess("python")
	}
	if !strings.Contains(buf.String(), "back to normal") {
		t.Errorf("no recovery log:\n%s", buf.String())
	}
}

// --- InstrumentedSandbox ---

type mockSandbox struct {
	result *sandbox.ExecutionResult
	err    error
}

func (m *mockSandbox) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	return m.result, m.err
}

func TestInstrumentedSandbox_Outcomes(t *testing.T) {
	tests := []struct {
		name    string
		inner   *mockSandbox
		outcome string
	}{
		{"ok", &mockSandbox{result: &sandbox.ExecutionResult{ExitCode: 0}}, OutcomeOK},
		{"nonzero", &mockSandbox{result: &sandbox.ExecutionResult{ExitCode: 2}}, OutcomeNonZero},
		{"timeout", &mockSandbox{result: &sandbox.ExecutionResult{TimedOut: true}, err: sandbox.ErrTimeout}, OutcomeTimeout},
		{"spawn", &mockSandbox{err: sandbox.ErrSpawn}, OutcomeError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			metrics := NewMetricsCollector()
			s := NewInstrumentedSandbox(tc.inner, KindPython, metrics, nil, nil)
			_, err := s.Execute(context.Background(), sandbox.ExecutionRequest{Command: []string{"python3"}})
			if !errors.Is(err, tc.inner.err) {
				t.Errorf("err = %v, want %v", err, tc.inner.err)
			}
			val := counterValue(t, metrics.Registry, "nox_executions_total", prometheus.Labels{"kind": KindPython, "outcome": tc.outcome})
			if val != 1 {
				t.Errorf("executions_total{outcome=%s} = %v, want 1", tc.outcome, val)
			}
		})
	}
}

func TestInstrumentedSandbox_NilMetrics(t *testing.T) {
	inner := &mockSandbox{result: &sandbox.ExecutionResult{Stdout: "hi"}}
	s := NewInstrumentedSandbox(inner, KindShell, nil, nil, nil)
	res, err := s.Execute(context.Background(), sandbox.ExecutionRequest{Command: []string{"echo"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stdout != "hi" {
		t.Errorf("stdout = %q, want hi", res.Stdout)
	}
}

func TestInstrumentedSandbox_CPUAndTruncation(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockSandbox{result: &sandbox.ExecutionResult{CPUTime: 1500 * time.Millisecond, Truncated: true}}
	s := NewInstrumentedSandbox(inner, KindShell, metrics, nil, nil)
	for range 2 {
		if _, err := s.Execute(context.Background(), sandbox.ExecutionRequest{Command: []string{"yes"}}); err != nil {
			t.Fatal(err)
		}
	}
	if got := counterValue(t, metrics.Registry, "nox_execution_cpu_seconds_total", prometheus.Labels{"kind": KindShell}); got != 3 {
		t.Errorf("cpu seconds = %v, want 3", got)
	}
	if got := counterValue(t, metrics.Registry, "nox_output_truncations_total", prometheus.Labels{"kind": KindShell}); got != 2 {
		t.Errorf("truncations = %v, want 2", got)
	}
}

func TestInstrumentedSandbox_AnomalyCountsServiceErrors(t *testing.T) {
	anomaly := NewAnomalyDetector(config.AnomalyConfig{ErrorRateThreshold: 0.5, Window: time.Hour}, nil)
	run := func(inner *mockSandbox) {
		_, _ = NewInstrumentedSandbox(inner, KindPython, nil, nil, anomaly).
			Execute(context.Background(), sandbox.ExecutionRequest{Command: []string{"python3"}})
	}
	run(&mockSandbox{result: &sandbox.ExecutionResult{ExitCode: 1}})
	run(&mockSandbox{result: &sandbox.ExecutionResult{TimedOut: true}, err: sandbox.ErrTimeout})
	run(&mockSandbox{err: sandbox.ErrSpawn})
	run(&mockSandbox{err: sandbox.ErrSpawn})

	rate, n := anomaly.Rate(KindPython)
	if n != 4 || rate != 0.5 {
		t.Errorf("rate = %v over %d, want 0.5 over 4", rate, n)
	}
}

func TestInstrumentedSandbox_Span(t *testing.T) {
	ts, exp := newRecordingTracer(t)
	inner := &mockSandbox{result: &sandbox.ExecutionResult{ExitCode: 3}}
	s := NewInstrumentedSandbox(inner, KindShell, nil, ts, nil)
	if _, err := s.Execute(context.Background(), sandbox.ExecutionRequest{Command: []string{"false"}}); err != nil {
		t.Fatal(err)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "sandbox.shell" {
		t.Fatalf("spans = %v", spans)
	}
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["sandbox.program"] != "false" || attrs["sandbox.outcome"] != OutcomeNonZero || attrs["sandbox.exit_code"] != "3" {
		t.Errorf("attributes = %v", attrs)
	}
}

// --- HTTP Middleware ---

func TestMiddleware_ActiveRequests(t *testing.T) {
	metrics := NewMetricsCollector()
	var during float64

	handler := Middleware(metrics, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = gaugeValue(t, metrics.Registry, "nox_active_requests")
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if during != 1 {
		t.Errorf("active during request = %v, want 1", during)
	}
	if after := gaugeValue(t, metrics.Registry, "nox_active_requests"); after != 0 {
		t.Errorf("active after request = %v, want 0", after)
	}
}

func TestMiddleware_NilMetrics(t *testing.T) {
	handler := Middleware(nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
}

// --- Jobs ---

func TestJobs_StartStop(t *testing.T) {
	j := NewJobs(discardLogger())
	j.Every("noop", time.Hour, func() {})
	j.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	j.Stop(ctx)
	if ctx.Err() != nil {
		t.Error("Stop should return before the deadline when no job is running")
	}
}

// --- Helpers ---

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric
			}
		}
	}
	return nil
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	return findMetric(t, reg, name, labels).GetCounter().GetValue()
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	return findMetric(t, reg, name, nil).GetGauge().GetValue()
}
