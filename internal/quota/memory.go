package quota

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger is an in-process Ledger. Its state is lost on restart.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]*Usage
	now     func() time.Time
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		entries: make(map[string]*Usage),
		now:     time.Now,
	}
}

func (m *MemoryLedger) entry(fingerprint string) *Usage {
	u, ok := m.entries[fingerprint]
	if !ok {
		u = &Usage{Fingerprint: fingerprint}
		m.entries[fingerprint] = u
	}
	Roll(u, m.now())
	return u
}

// Admit implements Ledger.
func (m *MemoryLedger) Admit(_ context.Context, fingerprint string, limits Limits) (Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.entry(fingerprint)
	if err := Check(*u, limits); err != nil {
		return *u, err
	}
	u.Requests++
	return *u, nil
}

// AddCPU implements Ledger.
func (m *MemoryLedger) AddCPU(_ context.Context, fingerprint string, seconds float64) error {
	if seconds <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entry(fingerprint).CPUSeconds += seconds
	return nil
}

// Usage implements Ledger.
func (m *MemoryLedger) Usage(_ context.Context, fingerprint string) (Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.entry(fingerprint), nil
}

// Prune drops entries whose window has elapsed and returns how many went.
func (m *MemoryLedger) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for fp, u := range m.entries {
		if !now.Before(u.ResetsAt()) {
			delete(m.entries, fp)
			removed++
		}
	}
	return removed
}
