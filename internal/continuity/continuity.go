// Package continuity implements the post-hoc continuity proofs over a
// persisted audit ledger. Each proof is a read-only pass asserting one
// structural invariant of the entry sequence: regime-chain contiguity,
// temporal ordering, bounded amplitude deltas, and regime hysteresis with
// minimum duration. Proofs are independent: a failing proof never
// suppresses evaluation of the others, and each reports every offending entry,
// not just the first.
//
// An empty ledger or a ledger holding only the genesis entry trivially
// passes all four proofs: there are no pairs to violate. Pairs that span
// the genesis entry are exempt from the chain and amplitude checks, since
// the sentinel's fixed fields carry no signal.
package continuity

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/PavlosKolivatzis/nova-civilizational-architecture-sub004/internal/auditledger"
	"github.com/PavlosKolivatzis/nova-civilizational-architecture-sub004/internal/regime"
)

// Config holds the thresholds the proofs are evaluated against.
type Config struct {
	// MaxAmplitudeDelta bounds |amplitude[i] - amplitude[i-1]| between
	// consecutive entries.
	MaxAmplitudeDelta float64
	// MinDuration is the minimum number of ticks (sequence-index distance) a
	// regime must persist before a flip-back to its predecessor is legal.
	MinDuration int
	// HysteresisMargin is the minimum distance by which the recorded signal
	// must have crossed the recorded threshold for a regime change to count
	// as evidenced.
	HysteresisMargin float64
}

// DefaultConfig returns the proof thresholds used when none are supplied.
func DefaultConfig() Config {
	return Config{
		MaxAmplitudeDelta: 0.30,
		MinDuration:       3,
		HysteresisMargin:  0.05,
	}
}

// Violation references one entry that breaks a proof.
type Violation struct {
	Index   int    `json:"sequence_index"`
	EntryID string `json:"entry_id"`
	Detail  string `json:"detail"`
}

// ProofResult is the outcome of a single proof.
type ProofResult struct {
	OK         bool        `json:"ok"`
	Violations []Violation `json:"violations,omitempty"`
}

// Verdict aggregates the four proofs of one prover run. It is ephemeral:
// returned to the caller for reporting, never persisted.
type Verdict struct {
	Ledger    ProofResult `json:"ledger_continuity"`
	Temporal  ProofResult `json:"temporal_continuity"`
	Amplitude ProofResult `json:"amplitude_continuity"`
	Regime    ProofResult `json:"regime_continuity"`
}

// OK reports whether all four proofs passed.
func (v Verdict) OK() bool {
	return v.Ledger.OK && v.Temporal.OK && v.Amplitude.OK && v.Regime.OK
}

// ProveAll runs all four proofs against the ledger's current snapshot.
func ProveAll(ctx context.Context, l auditledger.Ledger, cfg Config) (Verdict, error) {
	entries, err := l.Entries(ctx)
	if err != nil {
		return Verdict{}, fmt.Errorf("snapshot ledger for proofs: %w", err)
	}
	return Verdict{
		Ledger:    ProveLedgerContinuity(entries),
		Temporal:  ProveTemporalContinuity(entries),
		Amplitude: ProveAmplitudeContinuity(entries, cfg.MaxAmplitudeDelta),
		Regime:    ProveRegimeContinuity(entries, cfg.MinDuration, cfg.HysteresisMargin),
	}, nil
}

// ProveLedgerContinuity asserts that every consecutive pair of entries forms
// a contiguous regime chain: from_regime[i] == to_regime[i-1]. The pair
// following the genesis entry is exempt; the first real entry records the
// regime source's true initial regime.
func ProveLedgerContinuity(entries []*regime.Entry) ProofResult {
	res := ProofResult{OK: true}
	for i := 1; i < len(entries); i++ {
		prev, curr := entries[i-1], entries[i]
		if prev.IsGenesis() {
			continue
		}
		if curr.FromRegime != prev.ToRegime {
			res.OK = false
			res.Violations = append(res.Violations, Violation{
				Index:   curr.Index,
				EntryID: curr.EntryID,
				Detail: fmt.Sprintf("from-regime %q does not continue %q at index %d",
					curr.FromRegime, prev.ToRegime, prev.Index),
			})
		}
	}
	return res
}

// ProveTemporalContinuity asserts that timestamps never decrease. Ties are
// permitted; time going backwards is not.
func ProveTemporalContinuity(entries []*regime.Entry) ProofResult {
	res := ProofResult{OK: true}
	for i := 1; i < len(entries); i++ {
		prev, curr := entries[i-1], entries[i]
		if curr.Timestamp.Before(prev.Timestamp) {
			res.OK = false
			res.Violations = append(res.Violations, Violation{
				Index:   curr.Index,
				EntryID: curr.EntryID,
				Detail: fmt.Sprintf("timestamp %s precedes %s at index %d",
					curr.Timestamp.UTC().Format(time.RFC3339Nano),
					prev.Timestamp.UTC().Format(time.RFC3339Nano),
					prev.Index),
			})
		}
	}
	return res
}

// ProveAmplitudeContinuity asserts that consecutive amplitudes never jump by
// more than maxDelta. The pair spanning genesis is exempt: the sentinel's
// zero amplitude is not a signal sample.
func ProveAmplitudeContinuity(entries []*regime.Entry, maxDelta float64) ProofResult {
	res := ProofResult{OK: true}
	for i := 1; i < len(entries); i++ {
		prev, curr := entries[i-1], entries[i]
		if prev.IsGenesis() {
			continue
		}
		if delta := math.Abs(curr.Amplitude - prev.Amplitude); delta > maxDelta {
			res.OK = false
			res.Violations = append(res.Violations, Violation{
				Index:   curr.Index,
				EntryID: curr.EntryID,
				Detail: fmt.Sprintf("amplitude jump %g exceeds max delta %g (%g -> %g)",
					delta, maxDelta, prev.Amplitude, curr.Amplitude),
			})
		}
	}
	return res
}

// ProveRegimeContinuity asserts the regime-transition rules: no regime
// reverts to its immediate predecessor within minDuration ticks, and every
// regime change carries threshold-crossing evidence in its metrics: the
// recorded signal must clear the recorded threshold by at least margin.
// Entries without both evidence keys are skipped; absent evidence is not
// falsifiable.
func ProveRegimeContinuity(entries []*regime.Entry, minDuration int, margin float64) ProofResult {
	res := ProofResult{OK: true}

	// lastLeft[r] is the index at which regime r was most recently exited.
	lastLeft := map[string]int{}
	for i := 1; i < len(entries); i++ {
		curr := entries[i]
		if curr.FromRegime == curr.ToRegime {
			continue
		}

		if left, ok := lastLeft[curr.ToRegime]; ok && minDuration > 0 {
			if ticks := curr.Index - left; ticks < minDuration {
				res.OK = false
				res.Violations = append(res.Violations, Violation{
					Index:   curr.Index,
					EntryID: curr.EntryID,
					Detail: fmt.Sprintf("regime %q re-entered %d ticks after leaving it, minimum is %d",
						curr.ToRegime, ticks, minDuration),
				})
			}
		}

		signal, hasSignal := curr.Metrics[regime.SignalKey]
		threshold, hasThreshold := curr.Metrics[regime.ThresholdKey]
		if hasSignal && hasThreshold && margin > 0 {
			if cleared := math.Abs(signal - threshold); cleared < margin {
				res.OK = false
				res.Violations = append(res.Violations, Violation{
					Index:   curr.Index,
					EntryID: curr.EntryID,
					Detail: fmt.Sprintf("signal %g cleared threshold %g by only %g, margin is %g",
						signal, threshold, cleared, margin),
				})
			}
		}

		lastLeft[curr.FromRegime] = curr.Index
	}
	return res
}
