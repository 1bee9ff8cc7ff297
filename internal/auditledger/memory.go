package auditledger

import (
	"context"
	"sync"
	"time"

	"github.com/PavlosKolivatzis/nova-civilizational-architecture-sub004/internal/driftguard"
	"github.com/PavlosKolivatzis/nova-civilizational-architecture-sub004/internal/metrics"
	"github.com/PavlosKolivatzis/nova-civilizational-architecture-sub004/internal/regime"
)

// MemoryLedger is an in-memory, thread-safe Ledger implementation. It is
// primarily useful for testing and for bounded-window analysis of imported
// ledgers; it offers no durability across restarts.
type MemoryLedger struct {
	mu      sync.RWMutex
	guard   *driftguard.Guard
	entries []*regime.Entry
}

// NewMemory creates a MemoryLedger initialised with the genesis entry. A nil
// guard disables drift evaluation.
func NewMemory(guard *driftguard.Guard) *MemoryLedger {
	return &MemoryLedger{
		guard:   guard,
		entries: []*regime.Entry{regime.Genesis()},
	}
}

// newMemoryFromEntries wraps an already-verified entry sequence. Used by
// Import after the chain has been checked end-to-end.
func newMemoryFromEntries(entries []*regime.Entry, guard *driftguard.Guard) *MemoryLedger {
	return &MemoryLedger{guard: guard, entries: entries}
}

// Append implements Ledger.
func (l *MemoryLedger) Append(_ context.Context, cand regime.Candidate, ref *regime.Reference) (*regime.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, err := buildEntry(cand, ref, l.entries, l.guard)
	if err != nil {
		return nil, err
	}
	l.entries = append(l.entries, entry)
	metrics.EntriesAppended.Inc()
	return entry, nil
}

// Entries implements Ledger.
func (l *MemoryLedger) Entries(_ context.Context) ([]*regime.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*regime.Entry, len(l.entries))
	copy(out, l.entries)
	return out, nil
}

// QueryByTimeWindow implements Ledger.
func (l *MemoryLedger) QueryByTimeWindow(_ context.Context, start, end time.Time) ([]*regime.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return filterWindow(l.entries, start, end), nil
}

// QueryByRegime implements Ledger.
func (l *MemoryLedger) QueryByRegime(_ context.Context, regimeID string) ([]*regime.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return filterRegime(l.entries, regimeID), nil
}

// QueryDriftEvents implements Ledger.
func (l *MemoryLedger) QueryDriftEvents(_ context.Context) ([]*regime.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return filterDrift(l.entries), nil
}

// GetLatest implements Ledger.
func (l *MemoryLedger) GetLatest(_ context.Context, n int) ([]*regime.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return latest(l.entries, n), nil
}

// Len implements Ledger.
func (l *MemoryLedger) Len(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries), nil
}

// Root implements Ledger.
func (l *MemoryLedger) Root(_ context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[len(l.entries)-1].Hash, nil
}

// VerifyIntegrity implements Ledger.
func (l *MemoryLedger) VerifyIntegrity(_ context.Context) (bool, []Violation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	violations := verifyChain(l.entries)
	return len(violations) == 0, violations, nil
}
