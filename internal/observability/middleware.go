package observability

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Middleware opens a request span, continuing the caller's trace if any,
// and tracks in-flight requests. Request counters and latency are recorded
// by the pipeline once the status is known.
func Middleware(metrics *MetricsCollector, ts *TracerSetup) func(http.Handler) http.Handler {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tracer != nil {
				ctx, span := tracer.Start(ts.Extract(r.Context(), r.Header), "http.request",
					trace.WithSpanKind(trace.SpanKindServer),
					trace.WithAttributes(
						attribute.String("http.method", r.Method),
						attribute.String("http.route", EndpointLabel(r.URL.Path)),
					))
				defer span.End()
				ts.Inject(ctx, w.Header())
				r = r.WithContext(ctx)
			}

			if metrics != nil {
				metrics.ActiveRequests.Inc()
				defer metrics.ActiveRequests.Dec()
			}

			next.ServeHTTP(w, r)
		})
	}
}
