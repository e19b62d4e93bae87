package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/nox/internal/config"
)

const (
	defaultAnomalyWindow = 5 * time.Minute

	// anomalyBuckets is the resolution of the sliding window.
	anomalyBuckets = 30

	// minSamples is the number of outcomes needed before a rate is judged.
	minSamples = 5
)

// AnomalyDetector tracks the failure rate of each execution kind over a
// sliding window and logs once when it rises above the threshold and once
// when it falls back.
type AnomalyDetector struct {
	threshold float64
	bucket    time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	kinds map[string]*outcomeRing
}

// outcomeRing counts outcomes in fixed time buckets.
type outcomeRing struct {
	failed  [anomalyBuckets]int
	total   [anomalyBuckets]int
	stamp   [anomalyBuckets]int64 // bucket number the slot holds.
	alarmed bool
}

// NewAnomalyDetector returns nil when the threshold is zero; every method is
// a no-op on nil.
func NewAnomalyDetector(cfg config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	if cfg.ErrorRateThreshold <= 0 {
		return nil
	}
	window := cfg.Window
	if window <= 0 {
		window = defaultAnomalyWindow
	}
	bucket := window / anomalyBuckets
	if bucket <= 0 {
		bucket = time.Millisecond
	}
	return &AnomalyDetector{
		threshold: cfg.ErrorRateThreshold,
		bucket:    bucket,
		logger:    logger,
		now:       time.Now,
		kinds:     make(map[string]*outcomeRing),
	}
}

// RecordError records a failed execution of kind.
func (a *AnomalyDetector) RecordError(kind string) { a.record(kind, true) }

// RecordSuccess records a completed execution of kind.
func (a *AnomalyDetector) RecordSuccess(kind string) { a.record(kind, false) }

// Rate returns the failure rate and sample count of kind in the window.
func (a *AnomalyDetector) Rate(kind string) (rate float64, samples int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.kinds[kind]
	if !ok {
		return 0, 0
	}
	return r.rate(a.slot())
}

func (a *AnomalyDetector) slot() int64 {
	return a.now().UnixNano() / int64(a.bucket)
}

func (a *AnomalyDetector) record(kind string, failed bool) {
	if a == nil {
		return
	}
	a.mu.Lock()
	r, ok := a.kinds[kind]
	if !ok {
		r = &outcomeRing{}
		a.kinds[kind] = r
	}
	cur := a.slot()
	i := int(cur % anomalyBuckets)
	if r.stamp[i] != cur {
		r.stamp[i], r.failed[i], r.total[i] = cur, 0, 0
	}
	r.total[i]++
	if failed {
		r.failed[i]++
	}
	rate, n := r.rate(cur)
	above := n >= minSamples && rate > a.threshold
	changed := above != r.alarmed
	r.alarmed = above
	a.mu.Unlock()

	if !changed || a.logger == nil {
		return
	}
	if above {
		a.logger.Warn("execution failure rate above threshold",
			slog.String("kind", kind),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Int("samples", n),
		)
	} else {
		a.logger.Info("execution failure rate back to normal",
			slog.String("kind", kind),
			slog.Float64("error_rate", rate),
		)
	}
}

// rate sums the slots still inside the window ending at bucket cur.
func (r *outcomeRing) rate(cur int64) (float64, int) {
	var failed, total int
	for i := range anomalyBuckets {
		if cur-r.stamp[i] < anomalyBuckets {
			failed += r.failed[i]
			total += r.total[i]
		}
	}
	if total == 0 {
		return 0, 0
	}
	return float64(failed) / float64(total), total
}
