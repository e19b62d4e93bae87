package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// readinessTimeout bounds one /readyz evaluation. Checks run concurrently.
const readinessTimeout = 3 * time.Second

// ReadinessCheck reports whether one dependency (sandbox root, quota store)
// can serve requests.
type ReadinessCheck func(ctx context.Context) error

// Readiness is the /readyz body.
type Readiness struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status    string `json:"status"` // "ok" or "fail"
	Message   string `json:"message,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// HealthChecker runs the registered readiness checks. A failing check is
// logged when it starts failing and again when it recovers, not on every
// probe.
type HealthChecker struct {
	logger *slog.Logger

	mu      sync.Mutex
	names   []string
	checks  map[string]ReadinessCheck
	failing map[string]bool
}

func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{
		logger:  logger,
		checks:  make(map[string]ReadinessCheck),
		failing: make(map[string]bool),
	}
}

// AddCheck registers a check. Re-adding a name replaces its check.
func (h *HealthChecker) AddCheck(name string, check ReadinessCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.checks[name]; !ok {
		h.names = append(h.names, name)
	}
	h.checks[name] = check
}

// CheckReady is "ok" only if every check passes within readinessTimeout.
func (h *HealthChecker) CheckReady(ctx context.Context) Readiness {
	h.mu.Lock()
	names := append([]string(nil), h.names...)
	checks := make([]ReadinessCheck, len(names))
	for i, n := range names {
		checks[i] = h.checks[n]
	}
	h.mu.Unlock()

	if len(names) == 0 {
		return Readiness{Status: "ok"}
	}

	ctx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()

	results := make([]CheckResult, len(names))
	var wg sync.WaitGroup
	for i := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			err := checks[i](ctx)
			results[i] = CheckResult{Status: "ok", ElapsedMS: time.Since(start).Milliseconds()}
			if err != nil {
				results[i].Status = "fail"
				results[i].Message = err.Error()
			}
		}()
	}
	wg.Wait()

	out := Readiness{Status: "ok", Checks: make(map[string]CheckResult, len(names))}
	for i, n := range names {
		out.Checks[n] = results[i]
		if results[i].Status != "ok" {
			out.Status = "degraded"
		}
		h.transition(n, results[i])
	}
	return out
}

func (h *HealthChecker) transition(name string, r CheckResult) {
	failed := r.Status != "ok"
	h.mu.Lock()
	changed := h.failing[name] != failed
	h.failing[name] = failed
	h.mu.Unlock()
	if !changed || h.logger == nil {
		return
	}
	if failed {
		h.logger.Warn("readiness check failing", slog.String("check", name), slog.String("error", r.Message))
	} else {
		h.logger.Info("readiness check recovered", slog.String("check", name))
	}
}
