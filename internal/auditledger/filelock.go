package auditledger

import (
	"fmt"
	"os"
	"time"

	"github.com/PavlosKolivatzis/nova-civilizational-architecture-sub004/internal/regime"
	"golang.org/x/sys/unix"
)

// lockRetryInterval is the poll interval for the non-blocking flock loop.
const lockRetryInterval = 10 * time.Millisecond

// fileLock is an advisory flock on a sidecar lock file, scoping writers to
// one ledger file across operating-system processes.
type fileLock struct {
	f *os.File
}

// acquireFileLock takes an exclusive advisory lock on path, retrying a
// non-blocking flock until timeout. Failure to acquire within the timeout
// fails with regime.ErrLockTimeout rather than blocking indefinitely.
func acquireFileLock(path string, timeout time.Duration) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &fileLock{f: f}, nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EINTR {
			f.Close()
			return nil, fmt.Errorf("flock %s: %w", path, err)
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("%w: %s held elsewhere for over %s", regime.ErrLockTimeout, path, timeout)
		}
		time.Sleep(lockRetryInterval)
	}
}

// release drops the lock. Closing the descriptor releases the flock.
func (l *fileLock) release() error {
	return l.f.Close()
}
