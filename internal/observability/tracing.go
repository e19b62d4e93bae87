package observability

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/nox/internal/config"
)

// TracerSetup owns the span pipeline for request and execution spans.
// The provider is injected, never registered globally.
type TracerSetup struct {
	provider   *sdktrace.TracerProvider
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewTracerSetup exports spans over OTLP. Returns nil when tracing is off.
func NewTracerSetup(cfg *config.TracingConfig) (*TracerSetup, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	ctx := context.Background()

	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	if cfg.Protocol == "http" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	} else {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s span exporter: %w", cfg.Protocol, err)
	}
	return newTracerSetup(cfg.ServiceName, cfg.SampleRate, sdktrace.WithBatcher(exporter))
}

// newTracerSetup builds the provider around an already configured span
// processor option. Tests pass a synchronous in-memory exporter.
func newTracerSetup(service string, sampleRate float64, processor sdktrace.TracerProviderOption) (*TracerSetup, error) {
	if service == "" {
		service = "nox"
	}
	if sampleRate <= 0 || sampleRate > 1 {
		sampleRate = 1
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(semconv.ServiceNameKey.String(service)))
	if err != nil {
		return nil, fmt.Errorf("creating trace resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		processor,
		sdktrace.WithResource(res),
		// Honour the caller's sampling decision when a traceparent arrives.
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
	return &TracerSetup{
		provider:   tp,
		tracer:     tp.Tracer("github.com/jkaninda/nox"),
		propagator: propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	}, nil
}

// Tracer returns the tracer, or a no-op tracer when tracing is off.
func (t *TracerSetup) Tracer() trace.Tracer {
	if t == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return t.tracer
}

// Extract continues a trace started by the client (traceparent header).
func (t *TracerSetup) Extract(ctx context.Context, h http.Header) context.Context {
	if t == nil {
		return ctx
	}
	return t.propagator.Extract(ctx, propagation.HeaderCarrier(h))
}

// Inject writes the span context of ctx into h, so clients can correlate a
// response with its trace.
func (t *TracerSetup) Inject(ctx context.Context, h http.Header) {
	if t == nil {
		return
	}
	t.propagator.Inject(ctx, propagation.HeaderCarrier(h))
}

// Shutdown flushes pending spans.
func (t *TracerSetup) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// errorHandler routes exporter failures into the process logger instead of
// the otel default (stderr).
type errorHandler func(error)

func (f errorHandler) Handle(err error) { f(err) }

// SetErrorHandler installs fn as the otel error handler.
func SetErrorHandler(fn func(error)) {
	otel.SetErrorHandler(errorHandler(fn))
}
