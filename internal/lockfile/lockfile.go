// Package lockfile provides the advisory per-repository run lock.
//
// Two reconciliation runs against the same repository would interleave
// writes to the session store and dependent files, so the lock is held from
// validation through session completion and released on every exit path.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// ErrLocked is returned when another run holds the lock.
var ErrLocked = errors.New("another reconciliation is running")

// Lock is a held advisory lock.
type Lock struct {
	file *os.File
}

// Acquire takes the lock file in the control directory without blocking.
func Acquire(controlDir string) (*Lock, error) {
	if err := os.MkdirAll(controlDir, 0755); err != nil {
		return nil, fmt.Errorf("creating control directory: %w", err)
	}

	path := filepath.Join(controlDir, "reconcile.lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := flock(f); err != nil {
		f.Close()
		if errors.Is(err, ErrLocked) {
			return nil, fmt.Errorf("%w (lock file: %s)", ErrLocked, path)
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	// Pid is informational, for debugging stuck locks.
	f.Truncate(0)
	f.WriteString(strconv.Itoa(os.Getpid()) + "\n")

	return &Lock{file: f}, nil
}

// Release drops the lock. The lock file stays in place: unlinking it after
// unlock would let a second process lock the orphaned inode while a third
// locks a freshly created file. Safe to call more than once.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	funlock(l.file)
	err := l.file.Close()
	l.file = nil
	return err
}
