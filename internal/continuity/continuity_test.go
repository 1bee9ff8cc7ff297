package continuity_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/PavlosKolivatzis/nova-civilizational-architecture-sub004/internal/auditledger"
	"github.com/PavlosKolivatzis/nova-civilizational-architecture-sub004/internal/continuity"
	"github.com/PavlosKolivatzis/nova-civilizational-architecture-sub004/internal/regime"
)

var ctx = context.Background()

var base = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// buildLedger appends the given transitions to a fresh in-memory ledger with
// no drift guard, one second apart.
func buildLedger(t *testing.T, cands ...regime.Candidate) *auditledger.MemoryLedger {
	t.Helper()
	l := auditledger.NewMemory(nil)
	for _, c := range cands {
		if _, err := l.Append(ctx, c, nil); err != nil {
			t.Fatalf("append %s->%s: %v", c.FromRegime, c.ToRegime, err)
		}
	}
	return l
}

func cand(tick int, from, to string, amplitude float64) regime.Candidate {
	return regime.Candidate{
		Timestamp:  base.Add(time.Duration(tick) * time.Second),
		FromRegime: from,
		ToRegime:   to,
		Amplitude:  amplitude,
	}
}

func entriesOf(t *testing.T, l auditledger.Ledger) []*regime.Entry {
	t.Helper()
	entries, err := l.Entries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return entries
}

func TestProveAll_genesisOnlyTriviallyPasses(t *testing.T) {
	l := auditledger.NewMemory(nil)

	verdict, err := continuity.ProveAll(ctx, l, continuity.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if !verdict.OK() {
		t.Errorf("genesis-only ledger failed proofs: %+v", verdict)
	}
	for name, res := range map[string]continuity.ProofResult{
		"ledger":    verdict.Ledger,
		"temporal":  verdict.Temporal,
		"amplitude": verdict.Amplitude,
		"regime":    verdict.Regime,
	} {
		if !res.OK || len(res.Violations) != 0 {
			t.Errorf("%s proof on trivial ledger: ok=%v violations=%v", name, res.OK, res.Violations)
		}
	}
}

func TestProveAmplitudeContinuity_exactScenario(t *testing.T) {
	// A->B (0.10), B->C (0.15), C->D (0.90) with max delta 0.30: exactly one
	// violation, at the C->D entry, with delta 0.75.
	l := buildLedger(t,
		cand(1, "A", "B", 0.10),
		cand(2, "B", "C", 0.15),
		cand(3, "C", "D", 0.90),
	)

	res := continuity.ProveAmplitudeContinuity(entriesOf(t, l), 0.30)
	if res.OK {
		t.Fatal("0.75 amplitude jump not detected")
	}
	if len(res.Violations) != 1 {
		t.Fatalf("got %d violations, want exactly 1: %+v", len(res.Violations), res.Violations)
	}
	v := res.Violations[0]
	if v.Index != 3 {
		t.Errorf("violation at index %d, want 3 (the C->D entry)", v.Index)
	}
	if !strings.Contains(v.Detail, "0.75") {
		t.Errorf("violation detail %q does not carry the 0.75 delta", v.Detail)
	}
}

func TestProveLedgerContinuity(t *testing.T) {
	l := buildLedger(t, cand(1, "A", "B", 0.1), cand(2, "B", "C", 0.1))
	if res := continuity.ProveLedgerContinuity(entriesOf(t, l)); !res.OK {
		t.Errorf("contiguous chain reported violations: %+v", res.Violations)
	}

	// A chain broken outside the API (the store enforces contiguity by
	// construction, so fabricate the break directly).
	entries := entriesOf(t, l)
	entries[2].FromRegime = "X"
	res := continuity.ProveLedgerContinuity(entries)
	if res.OK || len(res.Violations) != 1 || res.Violations[0].Index != 2 {
		t.Errorf("broken chain: got %+v, want one violation at index 2", res.Violations)
	}
}

func TestProveTemporalContinuity(t *testing.T) {
	l := buildLedger(t, cand(1, "A", "B", 0.1), cand(1, "B", "C", 0.1))
	if res := continuity.ProveTemporalContinuity(entriesOf(t, l)); !res.OK {
		t.Errorf("tied timestamps reported as violation: %+v", res.Violations)
	}

	entries := entriesOf(t, l)
	entries[2].Timestamp = entries[1].Timestamp.Add(-time.Second)
	res := continuity.ProveTemporalContinuity(entries)
	if res.OK || len(res.Violations) != 1 || res.Violations[0].Index != 2 {
		t.Errorf("backwards timestamp: got %+v, want one violation at index 2", res.Violations)
	}
}

func TestProveRegimeContinuity_flipBack(t *testing.T) {
	// A->B at tick 1, B->A at tick 2: A re-entered 1 tick after leaving it.
	l := buildLedger(t,
		cand(1, "A", "B", 0.1),
		cand(2, "B", "A", 0.1),
	)

	res := continuity.ProveRegimeContinuity(entriesOf(t, l), 3, 0)
	if res.OK || len(res.Violations) != 1 {
		t.Fatalf("fast flip-back not detected: %+v", res.Violations)
	}
	if res.Violations[0].Index != 2 {
		t.Errorf("violation at index %d, want 2", res.Violations[0].Index)
	}

	// With the window long since elapsed, re-entry is legal.
	slow := buildLedger(t,
		cand(1, "A", "B", 0.1),
		cand(2, "B", "B", 0.1),
		cand(3, "B", "B", 0.1),
		cand(4, "B", "A", 0.1),
	)
	if res := continuity.ProveRegimeContinuity(entriesOf(t, slow), 3, 0); !res.OK {
		t.Errorf("slow flip-back flagged: %+v", res.Violations)
	}
}

func TestProveRegimeContinuity_hysteresisEvidence(t *testing.T) {
	weak := cand(1, "A", "B", 0.1)
	weak.Metrics = map[string]float64{regime.SignalKey: 0.86, regime.ThresholdKey: 0.85}
	strong := cand(2, "B", "C", 0.1)
	strong.Metrics = map[string]float64{regime.SignalKey: 0.95, regime.ThresholdKey: 0.85}
	unevidenced := cand(3, "C", "D", 0.1)

	l := buildLedger(t, weak, strong, unevidenced)
	res := continuity.ProveRegimeContinuity(entriesOf(t, l), 0, 0.05)

	// Only the weakly evidenced change violates; the entry with no evidence
	// keys is skipped, not failed.
	if res.OK || len(res.Violations) != 1 {
		t.Fatalf("got %+v, want exactly one violation", res.Violations)
	}
	if res.Violations[0].Index != 1 {
		t.Errorf("violation at index %d, want 1 (the under-margin change)", res.Violations[0].Index)
	}
}

func TestProveAll_failuresAreIndependent(t *testing.T) {
	l := buildLedger(t,
		cand(1, "A", "B", 0.10),
		cand(2, "B", "A", 0.90), // fast flip-back AND amplitude jump
	)

	cfg := continuity.Config{MaxAmplitudeDelta: 0.30, MinDuration: 3, HysteresisMargin: 0}
	verdict, err := continuity.ProveAll(ctx, l, cfg)
	if err != nil {
		t.Fatal(err)
	}

	if verdict.Amplitude.OK {
		t.Error("amplitude proof passed despite the 0.80 jump")
	}
	if verdict.Regime.OK {
		t.Error("regime proof passed despite the fast flip-back")
	}
	// The untouched proofs still pass: one failure never suppresses another
	// proof's evaluation.
	if !verdict.Ledger.OK || !verdict.Temporal.OK {
		t.Errorf("independent proofs affected: %+v", verdict)
	}
	if verdict.OK() {
		t.Error("verdict OK despite failing proofs")
	}
}
