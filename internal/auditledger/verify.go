package auditledger

import (
	"errors"
	"fmt"
	"os"

	"github.com/PavlosKolivatzis/nova-civilizational-architecture-sub004/internal/regime"
)

// VerifyFile checks a persisted ledger file without opening it as a live
// ledger. Unlike NewFile, which refuses a malformed file outright, VerifyFile
// reports findings: parse failures and chain breaks come back as violations
// so operators can inspect a tampered file in one pass. The error return
// covers I/O failures only.
func VerifyFile(path string) (bool, []Violation, error) {
	f, err := os.Open(path)
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
	if len(entries) == 0 {
		return false, []Violation{{Index: -1, Detail: "file holds no records"}}, nil
	}
	violations := verifyChain(entries)
	return len(violations) == 0, violations, nil
}
