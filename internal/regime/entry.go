// Package regime defines the entry schema and canonical hashing contract
// shared by the audit ledger, the drift guard, and the continuity prover.
//
// The canonical serialization used for entry hashes is a fixed wire contract:
// field order, numeric formatting, and string encoding are pinned here so that
// hashes are reproducible across process restarts and across independent
// reimplementations. The JSONL persistence format is a container only; it is
// never the hash preimage.
package regime

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// GenesisHash is the canonical well-known hash of the genesis entry.
// It anchors the chain; the genesis entry's Hash is this constant rather
// than a computed value, and the first real entry's PrevHash equals it.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// GenesisRegime is the fixed from/to regime label of the genesis entry.
const GenesisRegime = "GENESIS"

// Well-known metric keys. ScoreKey carries the primary pipeline's derived
// score for dual-path drift comparison. SignalKey and ThresholdKey carry the
// raw threshold-crossing evidence that the regime continuity proof re-derives
// hysteresis from.
const (
	ScoreKey     = "score"
	SignalKey    = "signal"
	ThresholdKey = "threshold"
)

// Entry is a single append-only audit record. Entries are created exactly
// once, by a ledger store at append time, and are immutable afterwards.
type Entry struct {
	EntryID    string             `json:"entry_id"`
	Index      int                `json:"sequence_index"`
	Timestamp  time.Time          `json:"timestamp"`
	FromRegime string             `json:"from_regime"`
	ToRegime   string             `json:"to_regime"`
	Amplitude  float64            `json:"amplitude"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	PrevHash   string             `json:"prev_hash"`
	Hash       string             `json:"entry_hash"`
	DriftFlags []string           `json:"drift_flags,omitempty"`
}

// IsGenesis reports whether e is the sentinel first entry of a ledger.
func (e *Entry) IsGenesis() bool {
	return e.Index == 0 && e.FromRegime == GenesisRegime && e.ToRegime == GenesisRegime
}

// Candidate is a transition proposed by the regime source. The ledger store
// fills in EntryID, Index, PrevHash, DriftFlags, and Hash at append time.
type Candidate struct {
	Timestamp  time.Time          `json:"timestamp"`
	FromRegime string             `json:"from_regime"`
	ToRegime   string             `json:"to_regime"`
	Amplitude  float64            `json:"amplitude"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
}

// Reference is an independently computed oracle result for the same
// transition, used for dual-modality and score-drift checks. Score is nil
// when the oracle produced no derived score.
type Reference struct {
	Regime string   `json:"regime"`
	Score  *float64 `json:"score,omitempty"`
}

// Genesis returns a fresh sentinel entry. Its hash is the well-known
// constant, not a computed digest, and its timestamp is the Unix epoch so
// that any real candidate timestamp satisfies the ordering precondition.
func Genesis() *Entry {
	return &Entry{
		Index:      0,
		Timestamp:  time.Unix(0, 0).UTC(),
		FromRegime: GenesisRegime,
		ToRegime:   GenesisRegime,
		PrevHash:   GenesisHash,
		Hash:       GenesisHash,
	}
}

// HashEntry computes the hex-encoded SHA-256 digest over the canonical
// serialization of every field except Hash itself. It must never be called
// on the genesis entry (index 0), whose hash is the GenesisHash constant.
func HashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%s|%s|%s|%s|%s",
		e.EntryID,
		e.Index,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.FromRegime,
		e.ToRegime,
		formatFloat(e.Amplitude),
		canonicalMetrics(e.Metrics),
		strings.Join(sortedFlags(e.DriftFlags), ","),
		e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// formatFloat renders a float with the shortest decimal representation that
// round-trips to the same float64. Part of the hash wire contract.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// canonicalMetrics renders a metrics map as comma-joined key=value pairs in
// ascending key order. An empty or nil map renders as the empty string.
func canonicalMetrics(m map[string]float64) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+formatFloat(m[k]))
	}
	return strings.Join(pairs, ",")
}

// sortedFlags returns a sorted copy of flags. Flags are sorted both in the
// hash preimage and on the stored entry so the two never disagree.
func sortedFlags(flags []string) []string {
	if len(flags) == 0 {
		return nil
	}
	out := make([]string, len(flags))
	copy(out, flags)
	sort.Strings(out)
	return out
}

// SortFlags sorts drift flags in place into canonical order.
func SortFlags(flags []string) {
	sort.Strings(flags)
}
