// Package quota keeps the daily per-credential request and CPU ledger.
//
// A ledger entry covers a 24h window that starts with the first request of
// the credential. Once the window has elapsed the next access resets the
// count, the CPU total and the window start together.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrQuotaExceeded is returned by Admit when a daily cap is reached.
var ErrQuotaExceeded = errors.New("quota exceeded")

// Window is the length of a quota period.
const Window = 24 * time.Hour

// Limits are the caps applied by Admit. Zero disables a cap.
type Limits struct {
	DailyRequests   int
	DailyCPUSeconds float64
}

// Usage is the state of one ledger entry.
type Usage struct {
	Fingerprint string    `json:"token_id"`
	Requests    int       `json:"requests"`
	CPUSeconds  float64   `json:"cpu_seconds"`
	WindowStart time.Time `json:"window_start"`
}

// ResetsAt returns when the current window ends.
func (u Usage) ResetsAt() time.Time {
	return u.WindowStart.Add(Window)
}

// Ledger stores usage per credential fingerprint. Implementations must make
// Admit atomic per fingerprint: concurrent callers at the cap admit at most
// one request.
type Ledger interface {
	// Admit resets a stale window, checks the caps and counts one request.
	Admit(ctx context.Context, fingerprint string, limits Limits) (Usage, error)
	// AddCPU charges consumed CPU time to the current window.
	AddCPU(ctx context.Context, fingerprint string, seconds float64) error
	// Usage returns the current entry without counting a request.
	Usage(ctx context.Context, fingerprint string) (Usage, error)
}

// Roll resets u when its window has elapsed at now, or starts a window for a
// fresh entry. It reports whether a reset happened.
func Roll(u *Usage, now time.Time) bool {
	if u.WindowStart.IsZero() || !now.Before(u.WindowStart.Add(Window)) {
		u.Requests = 0
		u.CPUSeconds = 0
		u.WindowStart = now
		return true
	}
	return false
}

// Check returns an error wrapping ErrQuotaExceeded when u has reached a cap.
func Check(u Usage, l Limits) error {
	if l.DailyRequests > 0 && u.Requests >= l.DailyRequests {
		return fmt.Errorf("%w: daily request limit of %d reached, resets at %s",
			ErrQuotaExceeded, l.DailyRequests, u.ResetsAt().Format(time.RFC3339))
	}
	if l.DailyCPUSeconds > 0 && u.CPUSeconds >= l.DailyCPUSeconds {
		return fmt.Errorf("%w: daily CPU limit of %gs reached, resets at %s",
			ErrQuotaExceeded, l.DailyCPUSeconds, u.ResetsAt().Format(time.RFC3339))
	}
	return nil
}
