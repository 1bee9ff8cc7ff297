package auditledger_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/PavlosKolivatzis/nova-civilizational-architecture-sub004/internal/auditledger"
	"github.com/PavlosKolivatzis/nova-civilizational-architecture-sub004/internal/regime"
	"golang.org/x/sys/unix"
)

func newFileLedger(t *testing.T) *auditledger.FileLedger {
	t.Helper()
	l, err := auditledger.NewFile(auditledger.FileConfig{
		Path: filepath.Join(t.TempDir(), "avl.jsonl"),
	}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestFile_createsGenesisFile(t *testing.T) {
	l := newFileLedger(t)

	if _, err := os.Stat(l.Path()); err != nil {
		t.Fatalf("ledger file not created: %v", err)
	}
	n, err := l.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("fresh file ledger has %d entries, want genesis only", n)
	}
}

func TestFile_durableAcrossReopen(t *testing.T) {
	l := newFileLedger(t)
	appended := mustAppend(t, l,
		cand(1, "A", "B", 0.1),
		cand(2, "B", "C", 0.2),
	)

	reopened, err := auditledger.NewFile(auditledger.FileConfig{Path: l.Path()}, nil, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	got, err := reopened.Entries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("reopened ledger has %d entries, want 3", len(got))
	}
	if !reflect.DeepEqual(got[1], appended[0]) || !reflect.DeepEqual(got[2], appended[1]) {
		t.Error("reopened entries differ from the appended ones")
	}

	// The reloaded tail hash anchors the next append.
	next, err := reopened.Append(ctx, cand(3, "C", "D", 0.25), nil)
	if err != nil {
		t.Fatal(err)
	}
	if next.PrevHash != appended[1].Hash {
		t.Error("append after reload does not chain from the persisted tail")
	}

	ok, violations, _ := reopened.VerifyIntegrity(ctx)
	if !ok {
		t.Errorf("reopened-and-extended ledger reports violations: %v", violations)
	}
}

// rewriteEntry loads the ledger file, applies mutate to the record at index,
// and writes the file back, simulating out-of-API tampering.
func rewriteEntry(t *testing.T, path string, index int, mutate func(*regime.Entry)) {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := bytes.Split(bytes.TrimRight(raw, "\n"), []byte("\n"))
	var out bytes.Buffer
	for i, line := range lines {
		if i == index {
			var e regime.Entry
			if err := json.Unmarshal(line, &e); err != nil {
				t.Fatal(err)
			}
			mutate(&e)
			line, err = json.Marshal(&e)
			if err != nil {
				t.Fatal(err)
			}
		}
		out.Write(line)
		out.WriteByte('\n')
	}
	if err := os.WriteFile(path, out.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFile_tamperedFieldDetected(t *testing.T) {
	l := newFileLedger(t)
	mustAppend(t, l,
		cand(1, "A", "B", 0.1),
		cand(2, "B", "C", 0.2),
		cand(3, "C", "D", 0.3),
	)

	// Mutate entry 2's amplitude outside the API.
	rewriteEntry(t, l.Path(), 2, func(e *regime.Entry) { e.Amplitude = 0.99 })

	// A strict reopen refuses the ledger entirely.
	_, err := auditledger.NewFile(auditledger.FileConfig{Path: l.Path()}, nil, nil)
	if !errors.Is(err, regime.ErrMalformedLedger) {
		t.Fatalf("reopen of tampered ledger: got %v, want ErrMalformedLedger", err)
	}

	// VerifyFile reports exactly the tampered entry.
	ok, violations, err := auditledger.VerifyFile(l.Path())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("tampered ledger verified clean")
	}
	if len(violations) != 1 || violations[0].Index != 2 {
		t.Errorf("violations = %+v, want exactly index 2", violations)
	}
}

func TestFile_tamperedHashBreaksSuccessorLinkage(t *testing.T) {
	l := newFileLedger(t)
	mustAppend(t, l,
		cand(1, "A", "B", 0.1),
		cand(2, "B", "C", 0.2),
		cand(3, "C", "D", 0.3),
	)

	// Rewriting the stored hash breaks both the entry's own digest and the
	// successor's prev-hash link; both must be reported in one pass.
	rewriteEntry(t, l.Path(), 2, func(e *regime.Entry) {
		e.Hash = regime.GenesisHash
	})

	ok, violations, err := auditledger.VerifyFile(l.Path())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("tampered ledger verified clean")
	}
	indices := map[int]bool{}
	for _, v := range violations {
		indices[v.Index] = true
	}
	if !indices[2] || !indices[3] {
		t.Errorf("violations = %+v, want both index 2 and successor index 3", violations)
	}
}

func TestFile_unparsableRecordFailsOpen(t *testing.T) {
	l := newFileLedger(t)
	mustAppend(t, l, cand(1, "A", "B", 0.1))

	f, err := os.OpenFile(l.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("not json\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	_, err = auditledger.NewFile(auditledger.FileConfig{Path: l.Path()}, nil, nil)
	if !errors.Is(err, regime.ErrMalformedLedger) {
		t.Fatalf("open with unparsable record: got %v, want ErrMalformedLedger", err)
	}
}

func TestFile_lockTimeout(t *testing.T) {
	l, err := auditledger.NewFile(auditledger.FileConfig{
		Path:        filepath.Join(t.TempDir(), "avl.jsonl"),
		LockTimeout: 50 * time.Millisecond,
	}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Hold the advisory lock as a competing writer would.
	lock, err := os.OpenFile(l.Path()+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Close()
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX); err != nil {
		t.Fatal(err)
	}
	defer unix.Flock(int(lock.Fd()), unix.LOCK_UN) //nolint:errcheck

	before, _ := l.Len(ctx)
	_, err = l.Append(ctx, cand(1, "A", "B", 0.1), nil)
	if !errors.Is(err, regime.ErrLockTimeout) {
		t.Fatalf("append under held lock: got %v, want ErrLockTimeout", err)
	}
	after, _ := l.Len(ctx)
	if before != after {
		t.Error("timed-out append mutated the in-memory ledger")
	}
}

func TestExportImport_roundTrip(t *testing.T) {
	l := newFileLedger(t)
	mustAppend(t, l,
		cand(1, "A", "B", 0.1),
		cand(2, "B", "C", 0.2),
	)

	out := filepath.Join(t.TempDir(), "export.jsonl")
	if err := auditledger.Export(ctx, l, out); err != nil {
		t.Fatal(err)
	}

	imported, err := auditledger.Import(out, nil)
	if err != nil {
		t.Fatal(err)
	}

	want, _ := l.Entries(ctx)
	got, _ := imported.Entries(ctx)
	if !reflect.DeepEqual(want, got) {
		t.Error("imported entry sequence differs from the source")
	}

	srcOK, srcV, _ := l.VerifyIntegrity(ctx)
	dstOK, dstV, _ := imported.VerifyIntegrity(ctx)
	if srcOK != dstOK || len(srcV) != len(dstV) {
		t.Errorf("integrity results diverge: src (%v, %d), dst (%v, %d)", srcOK, len(srcV), dstOK, len(dstV))
	}
}

func TestImport_rejectsBrokenChainEntirely(t *testing.T) {
	l := newFileLedger(t)
	mustAppend(t, l, cand(1, "A", "B", 0.1), cand(2, "B", "C", 0.2))

	rewriteEntry(t, l.Path(), 1, func(e *regime.Entry) { e.ToRegime = "X" })

	_, err := auditledger.Import(l.Path(), nil)
	if !errors.Is(err, regime.ErrMalformedLedger) {
		t.Fatalf("import of broken chain: got %v, want ErrMalformedLedger", err)
	}
}
