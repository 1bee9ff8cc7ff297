package regime

import "errors"

// Sentinel errors for the append and load paths. Callers classify failures
// with errors.Is; stores wrap these with contextual detail.
var (
	// ErrOutOfOrder is returned when a candidate's timestamp precedes the
	// latest appended entry's timestamp.
	ErrOutOfOrder = errors.New("candidate timestamp precedes ledger tail")

	// ErrDiscontinuity is returned when a candidate's from-regime does not
	// match the latest entry's to-regime.
	ErrDiscontinuity = errors.New("candidate from-regime does not match ledger tail")

	// ErrLockTimeout is returned when the durable-write lock could not be
	// acquired within the configured timeout.
	ErrLockTimeout = errors.New("ledger write lock not acquired in time")

	// ErrMalformedLedger is returned when a persisted record fails to parse
	// or the chain fails to verify on load or import.
	ErrMalformedLedger = errors.New("persisted ledger is malformed")
)
