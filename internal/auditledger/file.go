package auditledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/PavlosKolivatzis/nova-civilizational-architecture-sub004/internal/driftguard"
	"github.com/PavlosKolivatzis/nova-civilizational-architecture-sub004/internal/metrics"
	"github.com/PavlosKolivatzis/nova-civilizational-architecture-sub004/internal/regime"
	"go.uber.org/zap"
)

// DefaultLockTimeout bounds how long an append waits for the cross-process
// ledger file lock before failing with regime.ErrLockTimeout.
const DefaultLockTimeout = 5 * time.Second

// FileConfig holds the durable-file settings for a FileLedger.
type FileConfig struct {
	// Path is the JSONL ledger file. The sidecar lock file is Path + ".lock".
	Path string
	// LockTimeout bounds lock acquisition on the write path. Zero selects
	// DefaultLockTimeout.
	LockTimeout time.Duration
}

// FileLedger is a durable, file-backed Ledger. The file holds one JSON
// record per line in append order and is replaced atomically on every
// append, so a crash mid-write never leaves a torn ledger visible.
//
// The process keeps an in-memory mirror of the file as the read path; the
// single-writer model makes the mirror authoritative between appends.
type FileLedger struct {
	cfg    FileConfig
	guard  *driftguard.Guard
	logger *zap.Logger

	mu      sync.RWMutex
	entries []*regime.Entry
}

// NewFile opens or creates the ledger file at cfg.Path. An existing file is
// parsed and its chain verified end-to-end; any parse or chain failure is
// regime.ErrMalformedLedger and the ledger does not open. A missing file is
// initialised with the genesis entry. A nil guard disables drift evaluation;
// a nil logger disables logging.
func NewFile(cfg FileConfig, guard *driftguard.Guard, logger *zap.Logger) (*FileLedger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}

	l := &FileLedger{cfg: cfg, guard: guard, logger: logger}

	switch _, err := os.Stat(cfg.Path); {
	case err == nil:
		entries, err := loadLedgerFile(cfg.Path)
		if err != nil {
			return nil, err
		}
		l.entries = entries
		logger.Info("ledger file loaded",
			zap.String("path", cfg.Path),
			zap.Int("entries", len(entries)),
			zap.String("root", entries[len(entries)-1].Hash),
		)
	case errors.Is(err, os.ErrNotExist):
		l.entries = []*regime.Entry{regime.Genesis()}
		if err := l.persist(l.entries); err != nil {
			return nil, err
		}
		logger.Info("ledger file created", zap.String("path", cfg.Path))
	default:
		return nil, fmt.Errorf("stat ledger file: %w", err)
	}
	return l, nil
}

// Path returns the durable file backing this ledger.
func (l *FileLedger) Path() string {
	return l.cfg.Path
}

// persist writes the full entry sequence under the cross-process file lock.
func (l *FileLedger) persist(entries []*regime.Entry) error {
	lock, err := acquireFileLock(l.cfg.Path+".lock", l.cfg.LockTimeout)
	if err != nil {
		return err
	}
	defer lock.release()
	return writeLedgerFile(l.cfg.Path, entries)
}

// Append implements Ledger. The entry is durable before Append returns: the
// new sequence is written to a temporary file and atomically renamed over
// the ledger file, then the in-memory mirror is advanced.
func (l *FileLedger) Append(_ context.Context, cand regime.Candidate, ref *regime.Reference) (*regime.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, err := buildEntry(cand, ref, l.entries, l.guard)
	if err != nil {
		return nil, err
	}

	next := make([]*regime.Entry, len(l.entries), len(l.entries)+1)
	copy(next, l.entries)
	next = append(next, entry)

	if err := l.persist(next); err != nil {
		metrics.WriteFailures.Inc()
		l.logger.Error("ledger append failed on write path",
			zap.Int("index", entry.Index), zap.Error(err))
		return nil, err
	}

	l.entries = next
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
func (l *FileLedger) Entries(_ context.Context) ([]*regime.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*regime.Entry, len(l.entries))
	copy(out, l.entries)
	return out, nil
}

// QueryByTimeWindow implements Ledger.
func (l *FileLedger) QueryByTimeWindow(_ context.Context, start, end time.Time) ([]*regime.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return filterWindow(l.entries, start, end), nil
}

// QueryByRegime implements Ledger.
func (l *FileLedger) QueryByRegime(_ context.Context, regimeID string) ([]*regime.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return filterRegime(l.entries, regimeID), nil
}

// QueryDriftEvents implements Ledger.
func (l *FileLedger) QueryDriftEvents(_ context.Context) ([]*regime.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return filterDrift(l.entries), nil
}

// GetLatest implements Ledger.
func (l *FileLedger) GetLatest(_ context.Context, n int) ([]*regime.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return latest(l.entries, n), nil
}

// Len implements Ledger.
func (l *FileLedger) Len(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries), nil
}

// Root implements Ledger.
func (l *FileLedger) Root(_ context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[len(l.entries)-1].Hash, nil
}

// VerifyIntegrity implements Ledger. It re-reads the durable file rather
// than the in-memory mirror, so external tampering with the file is caught
// even while the writer process is live.
func (l *FileLedger) VerifyIntegrity(_ context.Context) (bool, []Violation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	f, err := os.Open(l.cfg.Path)
	if err != nil {
		return false, nil, fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()

	entries, err := readEntries(f)
	if err != nil {
		if errors.Is(err, regime.ErrMalformedLedger) {
			return false, []Violation{{Index: -1, Detail: err.Error()}}, nil
		}
		return false, nil, err
	}
	violations := verifyChain(entries)
	return len(violations) == 0, violations, nil
}
