package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/nox/internal/sandbox"
)

// Execution kinds.
const (
	KindPython   = "python"
	KindShell    = "shell"
	KindTerminal = "terminal"
)

// InstrumentedSandbox records every execution of one kind: the executions,
// wall time, CPU time and truncation metrics, an execution span, and the
// anomaly window. Each dependency may be nil.
type InstrumentedSandbox struct {
	inner   sandbox.Sandbox
	kind    string
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

func NewInstrumentedSandbox(inner sandbox.Sandbox, kind string, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedSandbox {
	s := &InstrumentedSandbox{inner: inner, kind: kind, metrics: metrics, anomaly: anomaly}
	if ts != nil {
		s.tracer = ts.Tracer()
	}
	return s
}

func (s *InstrumentedSandbox) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	span := trace.SpanFromContext(ctx)
	if s.tracer != nil {
		attrs := []attribute.KeyValue{attribute.String("sandbox.kind", s.kind)}
		if len(req.Command) > 0 {
			attrs = append(attrs, attribute.String("sandbox.program", req.Command[0]))
		}
		ctx, span = s.tracer.Start(ctx, "sandbox."+s.kind, trace.WithAttributes(attrs...))
		defer span.End()
	}

	start := time.Now()
	res, err := s.inner.Execute(ctx, req)
	elapsed := time.Since(start)
	outcome := Outcome(res, err)

	if s.tracer != nil {
		span.SetAttributes(attribute.String("sandbox.outcome", outcome))
		if res != nil {
			span.SetAttributes(
				attribute.Int("sandbox.exit_code", res.ExitCode),
				attribute.Float64("sandbox.cpu_seconds", res.CPUTime.Seconds()),
				attribute.Bool("sandbox.truncated", res.Truncated),
			)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
	}

	if s.metrics != nil {
		s.metrics.ExecutionsTotal.WithLabelValues(s.kind, outcome).Inc()
		s.metrics.ExecutionDuration.WithLabelValues(s.kind).Observe(elapsed.Seconds())
		if res != nil {
			s.metrics.ExecutionCPU.WithLabelValues(s.kind).Add(res.CPUTime.Seconds())
			if res.Truncated {
				s.metrics.OutputTruncations.WithLabelValues(s.kind).Inc()
			}
		}
	}

	// A non-zero exit or a timeout is the user's program, not the service.
	if err != nil && !errors.Is(err, sandbox.ErrTimeout) {
		s.anomaly.RecordError(s.kind)
	} else {
		s.anomaly.RecordSuccess(s.kind)
	}
	return res, err
}

// Outcome classifies an execution for the executions_total label.
func Outcome(res *sandbox.ExecutionResult, err error) string {
	switch {
	case errors.Is(err, sandbox.ErrTimeout):
		return OutcomeTimeout
	case err != nil:
		return OutcomeError
	case res != nil && res.ExitCode != 0:
		return OutcomeNonZero
	default:
		return OutcomeOK
	}
}

var _ sandbox.Sandbox = (*InstrumentedSandbox)(nil)
