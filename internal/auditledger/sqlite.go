package auditledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/PavlosKolivatzis/nova-civilizational-architecture-sub004/internal/driftguard"
	"github.com/PavlosKolivatzis/nova-civilizational-architecture-sub004/internal/metrics"
	"github.com/PavlosKolivatzis/nova-civilizational-architecture-sub004/internal/regime"
	"go.uber.org/zap"
)

// sqliteSchema holds one ledger per database file. Timestamps are stored as
// Unix nanoseconds so they round-trip exactly into the hash preimage.
const sqliteSchema = `CREATE TABLE IF NOT EXISTS avl_entries (
	seq         INTEGER PRIMARY KEY,
	entry_id    TEXT NOT NULL,
	ts_ns       INTEGER NOT NULL,
	from_regime TEXT NOT NULL,
	to_regime   TEXT NOT NULL,
	amplitude   REAL NOT NULL,
	metrics     TEXT,
	prev_hash   TEXT NOT NULL,
	entry_hash  TEXT NOT NULL,
	drift_flags TEXT
)`

// SQLiteLedger persists the audit ledger to a SQLite database via the pure-Go
// modernc.org/sqlite driver. It implements the Ledger interface.
type SQLiteLedger struct {
	db     *sql.DB
	guard  *driftguard.Guard
	logger *zap.Logger

	// mu serialises the read-tail/insert append sequence. With one logical
	// writer per ledger this is a process-local concern only.
	mu sync.Mutex
}

// NewSQLite creates a SQLiteLedger on db, creating the schema and the
// genesis row if absent; an existing ledger's chain is verified end-to-end
// and any failure is regime.ErrMalformedLedger.
func NewSQLite(db *sql.DB, guard *driftguard.Guard, logger *zap.Logger) (*SQLiteLedger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}

	l := &SQLiteLedger{db: db, guard: guard, logger: logger}

	ctx := context.Background()
	n, err := l.Len(ctx)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if err := l.insert(ctx, l.db, regime.Genesis()); err != nil {
			return nil, fmt.Errorf("insert genesis: %w", err)
		}
		return l, nil
	}

	entries, err := l.Entries(ctx)
	if err != nil {
		return nil, err
	}
	if violations := verifyChain(entries); len(violations) > 0 {
		v := violations[0]
		return nil, fmt.Errorf("%w: chain fails at index %d: %s", regime.ErrMalformedLedger, v.Index, v.Detail)
	}
	return l, nil
}

// execer covers both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// insert writes one entry row.
func (l *SQLiteLedger) insert(ctx context.Context, db execer, e *regime.Entry) error {
	metricsJSON, flagsJSON, err := encodeAux(e)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO avl_entries (seq, entry_id, ts_ns, from_regime, to_regime, amplitude, metrics, prev_hash, entry_hash, drift_flags)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Index, e.EntryID, e.Timestamp.UnixNano(), e.FromRegime, e.ToRegime,
		e.Amplitude, metricsJSON, e.PrevHash, e.Hash, flagsJSON,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry %d: %w", e.Index, err)
	}
	return nil
}

// Append implements Ledger. The read-tail/build/insert sequence runs inside
// a single transaction so the entry is durable before Append returns.
func (l *SQLiteLedger) Append(ctx context.Context, cand regime.Candidate, ref *regime.Reference) (*regime.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tail, err := l.GetLatest(ctx, guardTailDepth)
	if err != nil {
		return nil, err
	}
	if len(tail) == 0 {
		return nil, fmt.Errorf("%w: ledger has no genesis row", regime.ErrMalformedLedger)
	}

	entry, err := buildEntry(cand, ref, tail, l.guard)
	if err != nil {
		return nil, err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		metrics.WriteFailures.Inc()
		return nil, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := l.insert(ctx, tx, entry); err != nil {
		metrics.WriteFailures.Inc()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		metrics.WriteFailures.Inc()
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}

	metrics.EntriesAppended.Inc()
	l.logger.Debug("ledger entry appended",
		zap.Int("index", entry.Index),
		zap.String("from_regime", entry.FromRegime),
		zap.String("to_regime", entry.ToRegime),
		zap.Strings("drift_flags", entry.DriftFlags),
	)
	return entry, nil
}

// Entries implements Ledger.
func (l *SQLiteLedger) Entries(ctx context.Context) ([]*regime.Entry, error) {
	return l.selectEntries(ctx, `SELECT `+sqliteColumns+` FROM avl_entries ORDER BY seq ASC`)
}

// QueryByTimeWindow implements Ledger.
func (l *SQLiteLedger) QueryByTimeWindow(ctx context.Context, start, end time.Time) ([]*regime.Entry, error) {
	return l.selectEntries(ctx,
		`SELECT `+sqliteColumns+` FROM avl_entries WHERE ts_ns BETWEEN ? AND ? ORDER BY seq ASC`,
		start.UnixNano(), end.UnixNano())
}

// QueryByRegime implements Ledger.
func (l *SQLiteLedger) QueryByRegime(ctx context.Context, regimeID string) ([]*regime.Entry, error) {
	return l.selectEntries(ctx,
		`SELECT `+sqliteColumns+` FROM avl_entries WHERE from_regime = ? OR to_regime = ? ORDER BY seq ASC`,
		regimeID, regimeID)
}

// QueryDriftEvents implements Ledger.
func (l *SQLiteLedger) QueryDriftEvents(ctx context.Context) ([]*regime.Entry, error) {
	return l.selectEntries(ctx,
		`SELECT `+sqliteColumns+` FROM avl_entries WHERE drift_flags IS NOT NULL ORDER BY seq ASC`)
}

// GetLatest implements Ledger.
func (l *SQLiteLedger) GetLatest(ctx context.Context, n int) ([]*regime.Entry, error) {
	if n <= 0 {
		return []*regime.Entry{}, nil
	}
	desc, err := l.selectEntries(ctx,
		`SELECT `+sqliteColumns+` FROM avl_entries ORDER BY seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(desc)-1; i < j; i, j = i+1, j-1 {
		desc[i], desc[j] = desc[j], desc[i]
	}
	return desc, nil
}

// Len implements Ledger.
func (l *SQLiteLedger) Len(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM avl_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return n, nil
}

// Root implements Ledger.
func (l *SQLiteLedger) Root(ctx context.Context) (string, error) {
	var hash string
	err := l.db.QueryRowContext(ctx,
		`SELECT entry_hash FROM avl_entries ORDER BY seq DESC LIMIT 1`).Scan(&hash)
	if err != nil {
		return "", fmt.Errorf("get ledger root: %w", err)
	}
	return hash, nil
}

// VerifyIntegrity implements Ledger.
func (l *SQLiteLedger) VerifyIntegrity(ctx context.Context) (bool, []Violation, error) {
	entries, err := l.Entries(ctx)
	if err != nil {
		return false, nil, err
	}
	violations := verifyChain(entries)
	return len(violations) == 0, violations, nil
}

const sqliteColumns = `seq, entry_id, ts_ns, from_regime, to_regime, amplitude, metrics, prev_hash, entry_hash, drift_flags`

// selectEntries runs a query over the fixed column list and scans rows into
// entries in query order.
func (l *SQLiteLedger) selectEntries(ctx context.Context, query string, args ...any) ([]*regime.Entry, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	out := []*regime.Entry{}
	for rows.Next() {
		var (
			e           regime.Entry
			tsNS        int64
			metricsJSON sql.NullString
			flagsJSON   sql.NullString
		)
		if err := rows.Scan(&e.Index, &e.EntryID, &tsNS, &e.FromRegime, &e.ToRegime,
			&e.Amplitude, &metricsJSON, &e.PrevHash, &e.Hash, &flagsJSON); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		e.Timestamp = time.Unix(0, tsNS).UTC()
		if err := decodeAux(&e, metricsJSON, flagsJSON); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger rows: %w", err)
	}
	return out, nil
}

// encodeAux marshals the metrics map and drift flags to JSON text columns.
// Empty values are stored as NULL so the drift-event query stays a plain
// IS NOT NULL predicate.
func encodeAux(e *regime.Entry) (metricsJSON, flagsJSON sql.NullString, err error) {
	if len(e.Metrics) > 0 {
		raw, err := json.Marshal(e.Metrics)
		if err != nil {
			return metricsJSON, flagsJSON, fmt.Errorf("marshal metrics: %w", err)
		}
		metricsJSON = sql.NullString{String: string(raw), Valid: true}
	}
	if len(e.DriftFlags) > 0 {
		raw, err := json.Marshal(e.DriftFlags)
		if err != nil {
			return metricsJSON, flagsJSON, fmt.Errorf("marshal drift flags: %w", err)
		}
		flagsJSON = sql.NullString{String: string(raw), Valid: true}
	}
	return metricsJSON, flagsJSON, nil
}

// decodeAux unmarshals the JSON text columns back onto the entry.
func decodeAux(e *regime.Entry, metricsJSON, flagsJSON sql.NullString) error {
	if metricsJSON.Valid {
		if err := json.Unmarshal([]byte(metricsJSON.String), &e.Metrics); err != nil {
			return fmt.Errorf("%w: entry %d metrics do not parse: %v", regime.ErrMalformedLedger, e.Index, err)
		}
	}
	if flagsJSON.Valid {
		if err := json.Unmarshal([]byte(flagsJSON.String), &e.DriftFlags); err != nil {
			return fmt.Errorf("%w: entry %d drift flags do not parse: %v", regime.ErrMalformedLedger, e.Index, err)
		}
	}
	return nil
}
