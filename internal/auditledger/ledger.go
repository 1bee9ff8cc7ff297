package auditledger

import (
	"context"
	"fmt"
	"time"

	"github.com/PavlosKolivatzis/nova-civilizational-architecture-sub004/internal/driftguard"
	"github.com/PavlosKolivatzis/nova-civilizational-architecture-sub004/internal/regime"
	"github.com/google/uuid"
)

// Ledger is the interface for the append-only audit ledger. All four stores
// implement it. Append is the only mutating operation; everything else is a
// read and may run concurrently with an append.
type Ledger interface {
	// Append validates the candidate against the chain tail, runs the drift
	// guard, and durably persists the resulting entry before returning it.
	// Structural violations fail with regime.ErrOutOfOrder or
	// regime.ErrDiscontinuity and never mutate the ledger. Drift never fails
	// an append; it only sets DriftFlags on the returned entry.
	Append(ctx context.Context, cand regime.Candidate, ref *regime.Reference) (*regime.Entry, error)

	// Entries returns an ordered snapshot of the full ledger, genesis first.
	Entries(ctx context.Context) ([]*regime.Entry, error)

	// QueryByTimeWindow returns entries with timestamps in [start, end], in
	// ledger order. An empty window (start after end) yields no entries.
	QueryByTimeWindow(ctx context.Context, start, end time.Time) ([]*regime.Entry, error)

	// QueryByRegime returns entries whose from- or to-regime matches, in
	// ledger order.
	QueryByRegime(ctx context.Context, regimeID string) ([]*regime.Entry, error)

	// QueryDriftEvents returns entries with non-empty drift flags, in ledger
	// order.
	QueryDriftEvents(ctx context.Context) ([]*regime.Entry, error)

	// GetLatest returns the last min(n, length) entries in ledger order,
	// oldest of the slice first. n <= 0 yields no entries.
	GetLatest(ctx context.Context, n int) ([]*regime.Entry, error)

	// Len returns the total number of entries, including genesis.
	Len(ctx context.Context) (int, error)

	// Root returns the hash of the chain tip.
	Root(ctx context.Context) (string, error)

	// VerifyIntegrity recomputes every entry hash and checks every prev-hash
	// link. All violations are collected; a break at one index never hides
	// breaks at later indices. The error return covers storage failures
	// only, never data-quality findings.
	VerifyIntegrity(ctx context.Context) (bool, []Violation, error)
}

// Violation describes one integrity finding from VerifyIntegrity.
type Violation struct {
	Index   int    `json:"sequence_index"`
	EntryID string `json:"entry_id"`
	Detail  string `json:"detail"`
}

// guardTailDepth is how many trailing entries the drift guard receives for
// its duration and hysteresis rules. Must exceed any practical MinDuration.
const guardTailDepth = 64

// buildEntry validates a candidate against the chain tail and constructs the
// next entry, including drift evaluation and hash computation. entries must
// be non-empty (every ledger holds at least the genesis entry). The caller
// remains responsible for persisting the result.
func buildEntry(cand regime.Candidate, ref *regime.Reference, entries []*regime.Entry, guard *driftguard.Guard) (*regime.Entry, error) {
	tip := entries[len(entries)-1]

	if cand.Timestamp.Before(tip.Timestamp) {
		return nil, fmt.Errorf("%w: candidate %s behind tail %s at index %d",
			regime.ErrOutOfOrder,
			cand.Timestamp.UTC().Format(time.RFC3339Nano),
			tip.Timestamp.UTC().Format(time.RFC3339Nano),
			tip.Index)
	}
	if !tip.IsGenesis() && cand.FromRegime != tip.ToRegime {
		return nil, fmt.Errorf("%w: candidate from %q, tail to %q at index %d",
			regime.ErrDiscontinuity, cand.FromRegime, tip.ToRegime, tip.Index)
	}

	var flags []string
	if guard != nil {
		tail := entries
		if len(tail) > guardTailDepth {
			tail = tail[len(tail)-guardTailDepth:]
		}
		rep := guard.Check(cand, ref, tail)
		flags = rep.Flags
	}
	regime.SortFlags(flags)

	entry := &regime.Entry{
		EntryID:    uuid.NewString(),
		Index:      tip.Index + 1,
		Timestamp:  cand.Timestamp.UTC(),
		FromRegime: cand.FromRegime,
		ToRegime:   cand.ToRegime,
		Amplitude:  cand.Amplitude,
		Metrics:    copyMetrics(cand.Metrics),
		PrevHash:   tip.Hash,
		DriftFlags: flags,
	}
	entry.Hash = regime.HashEntry(entry)
	return entry, nil
}

// verifyChain walks an ordered entry slice and collects every integrity
// violation: wrong genesis hash, recomputed-hash mismatches, and broken
// prev-hash links.
func verifyChain(entries []*regime.Entry) []Violation {
	var violations []Violation
	for i, curr := range entries {
		if i == 0 {
			if !curr.IsGenesis() || curr.Hash != regime.GenesisHash || curr.PrevHash != regime.GenesisHash {
				violations = append(violations, Violation{
					Index:   curr.Index,
					EntryID: curr.EntryID,
					Detail:  "genesis entry does not match the well-known sentinel",
				})
			}
			continue
		}

		prev := entries[i-1]
		if curr.Index != prev.Index+1 {
			violations = append(violations, Violation{
				Index:   curr.Index,
				EntryID: curr.EntryID,
				Detail:  fmt.Sprintf("sequence index %d does not follow %d", curr.Index, prev.Index),
			})
		}
		if curr.PrevHash != prev.Hash {
			violations = append(violations, Violation{
				Index:   curr.Index,
				EntryID: curr.EntryID,
				Detail:  fmt.Sprintf("prev_hash does not match entry %d", prev.Index),
			})
		}
		if recomputed := regime.HashEntry(curr); curr.Hash != recomputed {
			violations = append(violations, Violation{
				Index:   curr.Index,
				EntryID: curr.EntryID,
				Detail:  "stored entry_hash does not match recomputed hash",
			})
		}
	}
	return violations
}

// ── Slice query helpers ──────────────────────────────────────────────────────
//
// The in-process stores (memory, file) serve queries from an ordered slice;
// the SQL stores push the same predicates into SQL.

func filterWindow(entries []*regime.Entry, start, end time.Time) []*regime.Entry {
	out := []*regime.Entry{}
	if start.After(end) {
		return out
	}
	for _, e := range entries {
		if !e.Timestamp.Before(start) && !e.Timestamp.After(end) {
			out = append(out, e)
		}
	}
	return out
}

func filterRegime(entries []*regime.Entry, regimeID string) []*regime.Entry {
	out := []*regime.Entry{}
	for _, e := range entries {
		if e.FromRegime == regimeID || e.ToRegime == regimeID {
			out = append(out, e)
		}
	}
	return out
}

func filterDrift(entries []*regime.Entry) []*regime.Entry {
	out := []*regime.Entry{}
	for _, e := range entries {
		if len(e.DriftFlags) > 0 {
			out = append(out, e)
		}
	}
	return out
}

func latest(entries []*regime.Entry, n int) []*regime.Entry {
	if n <= 0 {
		return []*regime.Entry{}
	}
	if n > len(entries) {
		n = len(entries)
	}
	out := make([]*regime.Entry, n)
	copy(out, entries[len(entries)-n:])
	return out
}

func copyMetrics(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
