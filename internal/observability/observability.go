// Package observability holds the Prometheus collectors, request and
// execution tracing, readiness checks, the execution failure-rate detector
// and the background refresh jobs of the nox server.
//
// Metrics, Tracer and Anomaly are nil when disabled; their users check for
// nil once per operation.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jkaninda/nox/internal/config"
)

// Observability bundles the per-process observability state.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

func New(cfg *config.Config, logger *slog.Logger) (*Observability, error) {
	obs := &Observability{
		Anomaly: NewAnomalyDetector(cfg.Anomaly, logger),
		Health:  NewHealthChecker(logger),
	}
	if cfg.MetricsEnabled {
		obs.Metrics = NewMetricsCollector()
	}
	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
		SetErrorHandler(func(err error) {
			logger.Warn("span export failed", slog.String("error", err.Error()))
		})
	}
	return obs, nil
}

// Shutdown flushes buffered spans.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil || o.Tracer == nil {
		return nil
	}
	if err := o.Tracer.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("flushing spans: %w", err)
	}
	return nil
}
