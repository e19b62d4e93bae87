package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/nox/internal/config"
	"github.com/jkaninda/nox/internal/quota"
)

// Subject identifies who is asking for admission.
type Subject struct {
	Addr        string // Client address.
	Fingerprint string // Credential fingerprint; empty when no credential was presented.
	Endpoint    string // Request path.
}

// Decision describes an admitted request.
type Decision struct {
	Usage        quota.Usage
	QuotaChecked bool
}

// EngineConfig wires an Engine.
type EngineConfig struct {
	Limiter          *Limiter
	Ledger           quota.Ledger
	Policies         *config.PolicyHolder
	RateLimitEnabled bool
}

// Engine admits requests against the sliding-window counters and the daily
// quota ledger, reading limits from the active policy generation.
type Engine struct {
	limiter  *Limiter
	ledger   quota.Ledger
	policies *config.PolicyHolder
	enabled  bool
	logger   *slog.Logger
}

// NewEngine creates an admission engine.
func NewEngine(cfg EngineConfig, logger *slog.Logger) *Engine {
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = NewLimiter(DefaultWindow)
	}
	ledger := cfg.Ledger
	if ledger == nil {
		ledger = quota.NewMemoryLedger()
	}
	return &Engine{
		limiter:  limiter,
		ledger:   ledger,
		policies: cfg.Policies,
		enabled:  cfg.RateLimitEnabled,
		logger:   logger,
	}
}

// Keys returns the counters consulted for s under p, in check order:
// client address, credential, then (address, endpoint) when the endpoint has
// an override.
func Keys(p *config.Policy, s Subject) []Key {
	keys := []Key{{Name: "ip:" + s.Addr, Limit: p.RateLimits.PerIP.RequestsPerMinute}}
	if s.Fingerprint != "" {
		keys = append(keys, Key{Name: "token:" + s.Fingerprint, Limit: p.RateLimits.PerToken.RequestsPerMinute})
	}
	if n, ok := p.EndpointLimit(s.Endpoint); ok {
		keys = append(keys, Key{Name: "endpoint:" + s.Addr + ":" + s.Endpoint, Limit: n})
	}
	return keys
}

// Admit checks the rate counters (when enabled) and then the daily quota of
// the credential, if any. Errors wrap ErrRateLimited (as *LimitError) or
// quota.ErrQuotaExceeded; any other error comes from the quota store.
func (e *Engine) Admit(ctx context.Context, s Subject) (Decision, error) {
	p := e.policies.Current()

	if e.enabled {
		if err := e.limiter.Allow(Keys(p, s)...); err != nil {
			e.logger.Debug("rate limited",
				slog.String("addr", s.Addr),
				slog.String("endpoint", s.Endpoint),
				slog.String("error", err.Error()),
			)
			return Decision{}, err
		}
	}

	if s.Fingerprint == "" {
		return Decision{}, nil
	}
	limits := quota.Limits{
		DailyRequests:   p.Quotas.Default.DailyRequests,
		DailyCPUSeconds: p.Quotas.Default.DailyCPUSeconds,
	}
	usage, err := e.ledger.Admit(ctx, s.Fingerprint, limits)
	return Decision{Usage: usage, QuotaChecked: true}, err
}

// ChargeCPU adds executor CPU time to the credential's daily ledger.
func (e *Engine) ChargeCPU(ctx context.Context, fingerprint string, d time.Duration) {
	if fingerprint == "" || d <= 0 {
		return
	}
	if err := e.ledger.AddCPU(ctx, fingerprint, d.Seconds()); err != nil {
		e.logger.Warn("charging cpu time failed",
			slog.String("token_id", fingerprint),
			slog.String("error", err.Error()),
		)
	}
}

// Usage returns the ledger entry of a credential.
func (e *Engine) Usage(ctx context.Context, fingerprint string) (quota.Usage, error) {
	u, err := e.ledger.Usage(ctx, fingerprint)
	if err != nil {
		return quota.Usage{}, fmt.Errorf("reading quota usage: %w", err)
	}
	return u, nil
}

// Sweep drops idle rate counters and, for the in-memory ledger, elapsed
// quota entries.
func (e *Engine) Sweep() {
	counters := e.limiter.Sweep()
	entries := 0
	if m, ok := e.ledger.(*quota.MemoryLedger); ok {
		entries = m.Prune()
	}
	if counters > 0 || entries > 0 {
		e.logger.Debug("admission state swept",
			slog.Int("rate_counters", counters),
			slog.Int("quota_entries", entries),
		)
	}
}
