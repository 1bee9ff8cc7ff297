// Package auditledger implements the tamper-evident, append-only audit
// ledger that records every state transition of an external regime source.
//
// Every entry is hash-linked to its predecessor. The chain begins with a
// well-known genesis entry whose hash equals regime.GenesisHash (64 hex
// zeros); any mutation of any persisted field breaks the chain for all
// subsequent entries and is reported by VerifyIntegrity.
//
// Four implementations of the Ledger interface are provided:
//   - MemoryLedger: in-process, for testing and single-process use.
//   - FileLedger: JSONL file updated by atomic rename, flock-protected.
//   - SQLiteLedger: single-file durable store via modernc.org/sqlite.
//   - PostgresLedger: shared-database store via pgx.
//
// All stores follow the single-writer-per-ledger model: one logical writer
// appends, while concurrent readers (queries, integrity checks, continuity
// proofs) are always safe, including during an in-flight append.
package auditledger
