package auditledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/PavlosKolivatzis/nova-civilizational-architecture-sub004/internal/driftguard"
	"github.com/PavlosKolivatzis/nova-civilizational-architecture-sub004/internal/metrics"
	"github.com/PavlosKolivatzis/nova-civilizational-architecture-sub004/internal/regime"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockSeed namespaces the per-ledger PostgreSQL advisory lock keys.
// The value is arbitrary but must be consistent across all writer processes.
const advisoryLockSeed = int64(7_415_926_535)

// lockTimeoutCode is the PostgreSQL SQLSTATE raised when lock_timeout expires.
const lockTimeoutCode = "55P03"

const postgresSchema = `CREATE TABLE IF NOT EXISTS avl_entries (
	ledger      TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	entry_id    TEXT NOT NULL,
	ts_ns       BIGINT NOT NULL,
	from_regime TEXT NOT NULL,
	to_regime   TEXT NOT NULL,
	amplitude   DOUBLE PRECISION NOT NULL,
	metrics     JSONB,
	prev_hash   TEXT NOT NULL,
	entry_hash  TEXT NOT NULL,
	drift_flags JSONB,
	PRIMARY KEY (ledger, seq)
)`

// PostgresLedger persists one named audit ledger to a shared PostgreSQL
// database. Multiple independent ledgers (one per regime source) coexist in
// the same table, keyed by ledger name, without interfering. It implements
// the Ledger interface.
type PostgresLedger struct {
	pool        *pgxpool.Pool
	name        string
	guard       *driftguard.Guard
	logger      *zap.Logger
	lockTimeout time.Duration
}

// NewPostgres creates a PostgresLedger named name on pool, creating the
// schema and the genesis row if absent, and verifying an existing chain
// end-to-end (failure is regime.ErrMalformedLedger).
func NewPostgres(ctx context.Context, pool *pgxpool.Pool, name string, guard *driftguard.Guard, logger *zap.Logger) (*PostgresLedger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}

	l := &PostgresLedger{
		pool:        pool,
		name:        name,
		guard:       guard,
		logger:      logger,
		lockTimeout: DefaultLockTimeout,
	}

	n, err := l.Len(ctx)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if err := l.insertGenesis(ctx); err != nil {
			return nil, err
		}
		return l, nil
	}

	entries, err := l.Entries(ctx)
	if err != nil {
		return nil, err
	}
	if violations := verifyChain(entries); len(violations) > 0 {
		v := violations[0]
		return nil, fmt.Errorf("%w: ledger %q chain fails at index %d: %s",
			regime.ErrMalformedLedger, name, v.Index, v.Detail)
	}
	return l, nil
}

// Name returns the ledger name keying this ledger's rows.
func (l *PostgresLedger) Name() string {
	return l.name
}

// advisoryKey derives the per-ledger advisory lock key from the seed and the
// ledger name.
func (l *PostgresLedger) advisoryKey() int64 {
	key := advisoryLockSeed
	for _, c := range l.name {
		key = key*31 + int64(c)
	}
	return key
}

func (l *PostgresLedger) insertGenesis(ctx context.Context) error {
	g := regime.Genesis()
	_, err := l.pool.Exec(ctx,
		`INSERT INTO avl_entries (ledger, seq, entry_id, ts_ns, from_regime, to_regime, amplitude, metrics, prev_hash, entry_hash, drift_flags)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, $8, $9, NULL)`,
		l.name, g.Index, g.EntryID, g.Timestamp.UnixNano(), g.FromRegime, g.ToRegime,
		g.Amplitude, g.PrevHash, g.Hash,
	)
	if err != nil {
		return fmt.Errorf("insert genesis: %w", err)
	}
	return nil
}

// Append implements Ledger. Concurrent writer processes are serialised by a
// transaction-scoped advisory lock on the ledger name; a server-side
// lock_timeout bounds the wait and maps to regime.ErrLockTimeout.
func (l *PostgresLedger) Append(ctx context.Context, cand regime.Candidate, ref *regime.Reference) (*regime.Entry, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		metrics.WriteFailures.Inc()
		return nil, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	timeoutMS := l.lockTimeout.Milliseconds()
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeoutMS)); err != nil {
		metrics.WriteFailures.Inc()
		return nil, fmt.Errorf("set lock timeout: %w", err)
	}
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", l.advisoryKey()); err != nil {
		metrics.WriteFailures.Inc()
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == lockTimeoutCode {
			return nil, fmt.Errorf("%w: ledger %q advisory lock held for over %s",
				regime.ErrLockTimeout, l.name, l.lockTimeout)
		}
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	tail, err := l.selectEntries(ctx, tx,
		`SELECT `+postgresColumns+` FROM avl_entries WHERE ledger = $1
		 ORDER BY seq DESC LIMIT `+fmt.Sprint(guardTailDepth), l.name)
	if err != nil {
		return nil, err
	}
	reverse(tail)
	if len(tail) == 0 {
		return nil, fmt.Errorf("%w: ledger %q has no genesis row", regime.ErrMalformedLedger, l.name)
	}

	entry, err := buildEntry(cand, ref, tail, l.guard)
	if err != nil {
		return nil, err
	}

	metricsJSON, flagsJSON, err := marshalAux(entry)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO avl_entries (ledger, seq, entry_id, ts_ns, from_regime, to_regime, amplitude, metrics, prev_hash, entry_hash, drift_flags)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		l.name, entry.Index, entry.EntryID, entry.Timestamp.UnixNano(), entry.FromRegime,
		entry.ToRegime, entry.Amplitude, metricsJSON, entry.PrevHash, entry.Hash, flagsJSON,
	); err != nil {
		metrics.WriteFailures.Inc()
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		metrics.WriteFailures.Inc()
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}

	metrics.EntriesAppended.Inc()
	l.logger.Debug("ledger entry appended",
		zap.String("ledger", l.name),
		zap.Int("index", entry.Index),
		zap.String("from_regime", entry.FromRegime),
		zap.String("to_regime", entry.ToRegime),
		zap.Strings("drift_flags", entry.DriftFlags),
	)
	return entry, nil
}

// Entries implements Ledger.
func (l *PostgresLedger) Entries(ctx context.Context) ([]*regime.Entry, error) {
	return l.selectEntries(ctx, l.pool,
		`SELECT `+postgresColumns+` FROM avl_entries WHERE ledger = $1 ORDER BY seq ASC`, l.name)
}

// QueryByTimeWindow implements Ledger.
func (l *PostgresLedger) QueryByTimeWindow(ctx context.Context, start, end time.Time) ([]*regime.Entry, error) {
	return l.selectEntries(ctx, l.pool,
		`SELECT `+postgresColumns+` FROM avl_entries
		 WHERE ledger = $1 AND ts_ns >= $2 AND ts_ns <= $3 ORDER BY seq ASC`,
		l.name, start.UnixNano(), end.UnixNano())
}

// QueryByRegime implements Ledger.
func (l *PostgresLedger) QueryByRegime(ctx context.Context, regimeID string) ([]*regime.Entry, error) {
	return l.selectEntries(ctx, l.pool,
		`SELECT `+postgresColumns+` FROM avl_entries
		 WHERE ledger = $1 AND (from_regime = $2 OR to_regime = $2) ORDER BY seq ASC`,
		l.name, regimeID)
}

// QueryDriftEvents implements Ledger.
func (l *PostgresLedger) QueryDriftEvents(ctx context.Context) ([]*regime.Entry, error) {
	return l.selectEntries(ctx, l.pool,
		`SELECT `+postgresColumns+` FROM avl_entries
		 WHERE ledger = $1 AND drift_flags IS NOT NULL ORDER BY seq ASC`, l.name)
}

// GetLatest implements Ledger.
func (l *PostgresLedger) GetLatest(ctx context.Context, n int) ([]*regime.Entry, error) {
	if n <= 0 {
		return []*regime.Entry{}, nil
	}
	desc, err := l.selectEntries(ctx, l.pool,
		`SELECT `+postgresColumns+` FROM avl_entries WHERE ledger = $1
		 ORDER BY seq DESC LIMIT $2`, l.name, n)
	if err != nil {
		return nil, err
	}
	reverse(desc)
	return desc, nil
}

// Len implements Ledger.
func (l *PostgresLedger) Len(ctx context.Context) (int, error) {
	var n int
	err := l.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM avl_entries WHERE ledger = $1`, l.name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return n, nil
}

// Root implements Ledger.
func (l *PostgresLedger) Root(ctx context.Context) (string, error) {
	var hash string
	err := l.pool.QueryRow(ctx,
		`SELECT entry_hash FROM avl_entries WHERE ledger = $1 ORDER BY seq DESC LIMIT 1`,
		l.name).Scan(&hash)
	if err != nil {
		return "", fmt.Errorf("get ledger root: %w", err)
	}
	return hash, nil
}

// VerifyIntegrity implements Ledger.
func (l *PostgresLedger) VerifyIntegrity(ctx context.Context) (bool, []Violation, error) {
	entries, err := l.Entries(ctx)
	if err != nil {
		return false, nil, err
	}
	violations := verifyChain(entries)
	return len(violations) == 0, violations, nil
}

const postgresColumns = `seq, entry_id, ts_ns, from_regime, to_regime, amplitude, metrics, prev_hash, entry_hash, drift_flags`

// pgQuerier covers both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// selectEntries runs a query over the fixed column list and scans rows into
// entries in query order.
func (l *PostgresLedger) selectEntries(ctx context.Context, q pgQuerier, query string, args ...any) ([]*regime.Entry, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	out := []*regime.Entry{}
	for rows.Next() {
		var (
			e           regime.Entry
			tsNS        int64
			metricsJSON []byte
			flagsJSON   []byte
		)
		if err := rows.Scan(&e.Index, &e.EntryID, &tsNS, &e.FromRegime,
			&e.ToRegime, &e.Amplitude, &metricsJSON, &e.PrevHash, &e.Hash, &flagsJSON); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		e.Timestamp = time.Unix(0, tsNS).UTC()
		if len(metricsJSON) > 0 {
			if err := json.Unmarshal(metricsJSON, &e.Metrics); err != nil {
				return nil, fmt.Errorf("%w: entry %d metrics do not parse: %v", regime.ErrMalformedLedger, e.Index, err)
			}
		}
		if len(flagsJSON) > 0 {
			if err := json.Unmarshal(flagsJSON, &e.DriftFlags); err != nil {
				return nil, fmt.Errorf("%w: entry %d drift flags do not parse: %v", regime.ErrMalformedLedger, e.Index, err)
			}
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger rows: %w", err)
	}
	return out, nil
}

// marshalAux marshals metrics and drift flags to JSONB columns; empty values
// are stored as NULL so the drift-event query stays IS NOT NULL.
func marshalAux(e *regime.Entry) (metricsJSON, flagsJSON []byte, err error) {
	if len(e.Metrics) > 0 {
		if metricsJSON, err = json.Marshal(e.Metrics); err != nil {
			return nil, nil, fmt.Errorf("marshal metrics: %w", err)
		}
	}
	if len(e.DriftFlags) > 0 {
		if flagsJSON, err = json.Marshal(e.DriftFlags); err != nil {
			return nil, nil, fmt.Errorf("marshal drift flags: %w", err)
		}
	}
	return metricsJSON, flagsJSON, nil
}

func reverse(entries []*regime.Entry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}
