package auditledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/PavlosKolivatzis/nova-civilizational-architecture-sub004/internal/regime"
)

// The durable representation is line-oriented JSON: one entry per line, in
// ledger order, terminated records only. A record boundary is always a known
// recovery point; a file is valid only if every line parses and the full
// chain verifies.

// writeEntries writes the entry sequence as JSONL to w.
func writeEntries(w io.Writer, entries []*regime.Entry) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, e := range entries {
		// Encode appends the terminating newline itself.
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode entry %d: %w", e.Index, err)
		}
	}
	return bw.Flush()
}

// readEntries parses a JSONL stream into an ordered entry sequence. Any
// unparsable line fails the whole read with regime.ErrMalformedLedger.
func readEntries(r io.Reader) ([]*regime.Entry, error) {
	var entries []*regime.Entry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		entry := &regime.Entry{}
		if err := json.Unmarshal(raw, entry); err != nil {
			return nil, fmt.Errorf("%w: record %d does not parse: %v", regime.ErrMalformedLedger, line, err)
		}
		entries = append(entries, entry)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read ledger stream: %w", err)
	}
	return entries, nil
}

// loadLedgerFile reads and fully verifies a persisted ledger file. The chain
// must verify end-to-end; a ledger whose chain cannot be verified provides no
// guarantee at all, so no partial load is offered.
func loadLedgerFile(path string) ([]*regime.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()

	entries, err := readEntries(f)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: file holds no records", regime.ErrMalformedLedger)
	}
	if violations := verifyChain(entries); len(violations) > 0 {
		v := violations[0]
		return nil, fmt.Errorf("%w: chain fails at index %d: %s", regime.ErrMalformedLedger, v.Index, v.Detail)
	}
	return entries, nil
}

// writeLedgerFile durably replaces the file at path with the given entry
// sequence: write to a temporary file in the same directory, fsync, then
// atomically rename over the target. A reader observes the ledger either
// before or fully after the write, never a torn intermediate state.
func writeLedgerFile(path string, entries []*regime.Entry) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp ledger file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := writeEntries(tmp, entries); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp ledger file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp ledger file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace ledger file: %w", err)
	}
	return syncDir(dir)
}

// syncDir flushes the directory entry so the rename itself is durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open ledger dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync ledger dir: %w", err)
	}
	return nil
}
