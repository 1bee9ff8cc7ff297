package driftguard

// Drift flag identifiers attached to ledger entries. These are stable wire
// values; renaming one invalidates historical queries.
const (
	FlagDualModalityMismatch = "dual_modality_mismatch"
	FlagHysteresisViolation  = "hysteresis_violation"
	FlagMinDurationViolation = "min_duration_violation"
	FlagRegimeDiscontinuity  = "regime_discontinuity"
	FlagAmplitudeOutOfBounds = "amplitude_out_of_bounds"
	FlagScoreDrift           = "score_drift"
)

// Config holds the thresholds for drift evaluation.
type Config struct {
	// HaltOnDrift signals the caller's halt policy. The guard never blocks a
	// write; a drifted entry is always appended and flagged, and callers that
	// set HaltOnDrift are expected to stop the regime source after observing
	// non-empty drift flags on the returned entry.
	HaltOnDrift bool

	// ScoreEpsilon is the maximum tolerated difference between the primary
	// pipeline's derived score and the oracle's independently computed score.
	ScoreEpsilon float64

	// AmplitudeMin and AmplitudeMax bound the legal amplitude range.
	AmplitudeMin float64
	AmplitudeMax float64

	// MinDuration is the minimum number of ticks a regime must persist before
	// transitioning, and the window within which a flip-back to the previous
	// regime counts as a hysteresis violation. Ticks are sequence-index
	// distances between ledger entries.
	MinDuration int
}

// DefaultConfig returns the guard defaults used when no explicit
// configuration is supplied.
func DefaultConfig() Config {
	return Config{
		HaltOnDrift:  false,
		ScoreEpsilon: 1e-6,
		AmplitudeMin: 0,
		AmplitudeMax: 1,
		MinDuration:  3,
	}
}

// Report is the ephemeral result of one drift evaluation. Its flags are
// folded into the appended entry's DriftFlags; the report itself is never
// persisted.
type Report struct {
	Drifted bool
	// Reasons are human-readable descriptions, in rule evaluation order.
	Reasons []string
	// Flags are the stable rule identifiers, in rule evaluation order.
	Flags []string
}

// finding is one fired rule.
type finding struct {
	flag   string
	reason string
}
