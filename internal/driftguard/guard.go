// Package driftguard evaluates candidate regime transitions before they are
// appended to the audit ledger. It classifies; it never blocks. A drifted
// candidate is still appended, with flags, because suppressing evidence of
// drift would defeat the ledger's audit purpose. The halt decision belongs
// to the caller.
//
// The guard depends on the entry schema only. It receives the ledger tail as
// a plain slice so it can be exercised standalone, without any store.
package driftguard

import (
	"fmt"
	"math"

	"github.com/PavlosKolivatzis/nova-civilizational-architecture-sub004/internal/metrics"
	"github.com/PavlosKolivatzis/nova-civilizational-architecture-sub004/internal/regime"
	"go.uber.org/zap"
)

// ruleFunc inspects one candidate against the guard configuration, the
// optional oracle reference, and the recent ledger tail, returning zero or
// more findings.
type ruleFunc func(cfg Config, cand regime.Candidate, ref *regime.Reference, tail []*regime.Entry) []finding

// Guard runs a fixed set of drift rules against candidate transitions.
type Guard struct {
	cfg    Config
	logger *zap.Logger
	rules  []ruleFunc
}

// New returns a Guard with the standard rule set. A nil logger disables
// logging.
func New(cfg Config, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		cfg:    cfg,
		logger: logger,
		rules: []ruleFunc{
			ruleDualModality,
			ruleInvariants,
			ruleAmplitudeBounds,
			ruleScoreDrift,
		},
	}
}

// Config returns the guard's configuration.
func (g *Guard) Config() Config {
	return g.cfg
}

// Check evaluates all rules against the candidate. tail is the recent ledger
// suffix in ledger order (the last element is the current chain tip); it may
// be empty for a fresh ledger. ref is the optional independent oracle result.
// All rules are independent: several may fire on one candidate.
func (g *Guard) Check(cand regime.Candidate, ref *regime.Reference, tail []*regime.Entry) Report {
	var findings []finding
	for _, r := range g.rules {
		findings = append(findings, r(g.cfg, cand, ref, tail)...)
	}

	rep := Report{Drifted: len(findings) > 0}
	for _, f := range findings {
		rep.Flags = append(rep.Flags, f.flag)
		rep.Reasons = append(rep.Reasons, f.reason)
	}

	if rep.Drifted {
		metrics.DriftEvents.Inc()
		g.logger.Warn("drift detected",
			zap.String("from_regime", cand.FromRegime),
			zap.String("to_regime", cand.ToRegime),
			zap.Strings("flags", rep.Flags),
		)
	}
	return rep
}

// ── Rules ─────────────────────────────────────────────────────────────────────

// ruleDualModality compares the candidate's classification against the
// independently computed oracle classification.
func ruleDualModality(_ Config, cand regime.Candidate, ref *regime.Reference, _ []*regime.Entry) []finding {
	if ref == nil || ref.Regime == cand.ToRegime {
		return nil
	}
	return []finding{{
		flag: FlagDualModalityMismatch,
		reason: fmt.Sprintf("primary classified %q but oracle classified %q",
			cand.ToRegime, ref.Regime),
	}}
}

// ruleInvariants checks ledger continuity, minimum duration, and hysteresis
// against the recent tail. The genesis entry never constrains continuity:
// the first real entry's from-regime is the regime source's true initial
// state, not "GENESIS".
func ruleInvariants(cfg Config, cand regime.Candidate, _ *regime.Reference, tail []*regime.Entry) []finding {
	if len(tail) == 0 {
		return nil
	}
	tip := tail[len(tail)-1]

	var findings []finding
	if !tip.IsGenesis() && cand.FromRegime != tip.ToRegime {
		findings = append(findings, finding{
			flag: FlagRegimeDiscontinuity,
			reason: fmt.Sprintf("from-regime %q does not continue tail to-regime %q",
				cand.FromRegime, tip.ToRegime),
		})
	}

	if cand.ToRegime == cand.FromRegime || cfg.MinDuration <= 0 {
		return findings
	}

	run, prev := regimeRun(cand.FromRegime, tail)
	if run > 0 && run < cfg.MinDuration {
		findings = append(findings, finding{
			flag: FlagMinDurationViolation,
			reason: fmt.Sprintf("regime %q held for %d ticks, minimum is %d",
				cand.FromRegime, run, cfg.MinDuration),
		})
		if prev != "" && prev == cand.ToRegime {
			findings = append(findings, finding{
				flag: FlagHysteresisViolation,
				reason: fmt.Sprintf("flip-back to %q after only %d ticks in %q",
					cand.ToRegime, run, cand.FromRegime),
			})
		}
	}
	return findings
}

// ruleAmplitudeBounds flags amplitudes outside the configured range.
func ruleAmplitudeBounds(cfg Config, cand regime.Candidate, _ *regime.Reference, _ []*regime.Entry) []finding {
	if cand.Amplitude >= cfg.AmplitudeMin && cand.Amplitude <= cfg.AmplitudeMax {
		return nil
	}
	return []finding{{
		flag: FlagAmplitudeOutOfBounds,
		reason: fmt.Sprintf("amplitude %g outside [%g, %g]",
			cand.Amplitude, cfg.AmplitudeMin, cfg.AmplitudeMax),
	}}
}

// ruleScoreDrift compares the primary pipeline's derived score against the
// oracle's. It fires only when both sides actually carry a score.
func ruleScoreDrift(cfg Config, cand regime.Candidate, ref *regime.Reference, _ []*regime.Entry) []finding {
	if ref == nil || ref.Score == nil {
		return nil
	}
	primary, ok := cand.Metrics[regime.ScoreKey]
	if !ok {
		return nil
	}
	if diff := math.Abs(primary - *ref.Score); diff > cfg.ScoreEpsilon {
		return []finding{{
			flag: FlagScoreDrift,
			reason: fmt.Sprintf("primary score %g and oracle score %g differ by %g (epsilon %g)",
				primary, *ref.Score, diff, cfg.ScoreEpsilon),
		}}
	}
	return nil
}

// regimeRun returns how many trailing ticks the tail has spent in r, and the
// regime held immediately before that run began. prev is empty when the run
// extends past the start of the supplied tail or back to genesis.
func regimeRun(r string, tail []*regime.Entry) (run int, prev string) {
	for i := len(tail) - 1; i >= 0; i-- {
		e := tail[i]
		if e.IsGenesis() {
			return run, ""
		}
		if e.ToRegime != r {
			return run, e.ToRegime
		}
		run++
	}
	return run, ""
}
