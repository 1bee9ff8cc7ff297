package auditledger

import (
	"context"
	"fmt"

	"github.com/PavlosKolivatzis/nova-civilizational-architecture-sub004/internal/driftguard"
)

// Export writes every entry of l, in ledger order, to a JSONL file at path.
// The file is written via temp-file-and-rename, so a partial export is never
// visible under the target path and every visible record ends at a known
// line boundary.
func Export(ctx context.Context, l Ledger, path string) error {
	entries, err := l.Entries(ctx)
	if err != nil {
		return fmt.Errorf("snapshot ledger for export: %w", err)
	}
	return writeLedgerFile(path, entries)
}

// Import reads a JSONL export at path into a fresh in-memory ledger. The
// whole import is rejected with regime.ErrMalformedLedger if any record
// fails to parse or the chain does not verify end-to-end; there is no
// best-effort partial import. The guard applies to appends made after the
// import, not to the imported records themselves.
func Import(path string, guard *driftguard.Guard) (*MemoryLedger, error) {
	entries, err := loadLedgerFile(path)
	if err != nil {
		return nil, err
	}
	return newMemoryFromEntries(entries, guard), nil
}
