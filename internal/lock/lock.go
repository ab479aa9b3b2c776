// Package lock keeps two processes from opening the same index data
// directory. The results stores are single-writer; a second serve
// process on the same directory would interleave batches.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// FileName is the lock file created inside the guarded directory.
const FileName = ".lock"

// ErrLocked is returned when another process holds the directory.
var ErrLocked = errors.New("data directory is locked by another process")

// DirLock is an exclusive advisory lock on a directory.
type DirLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// New prepares a lock on dir without acquiring it.
func New(dir string) *DirLock {
	path := filepath.Join(dir, FileName)
	return &DirLock{
		path:  path,
		flock: flock.New(path),
	}
}

// Acquire creates dir if needed and locks it without blocking.
func Acquire(dir string) (*DirLock, error) {
	l := New(dir)
	ok, err := l.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
	}
	return l, nil
}

// TryLock attempts the lock. It reports false when another holder has it.
func (l *DirLock) TryLock() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return false, fmt.Errorf("failed to create lock directory: %w", err)
	}
	acquired, err := l.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if acquired {
		l.locked = true
	}
	return acquired, nil
}

// Unlock releases the lock. Calling it on an unlocked DirLock is a no-op.
func (l *DirLock) Unlock() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *DirLock) Path() string { return l.path }

// IsLocked reports whether this DirLock holds the lock.
func (l *DirLock) IsLocked() bool { return l.locked }
