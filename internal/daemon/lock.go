package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

const lockFileName = "docsync.lock"

// ErrDataDirLocked is returned when another process owns the data directory
var ErrDataDirLocked = errors.New("data directory is in use by another docsync process")

// DataDirLock guards a data directory against a second process opening the
// same queue and databases. Badger in particular refuses concurrent opens.
type DataDirLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// NewDataDirLock creates a lock for dataDir. The lock file is <dataDir>/docsync.lock
func NewDataDirLock(dataDir string) *DataDirLock {
	lockPath := filepath.Join(dataDir, lockFileName)
	return &DataDirLock{
		path:  lockPath,
		flock: flock.New(lockPath),
	}
}

// Acquire takes the lock without blocking and returns ErrDataDirLocked when
// another process holds it
func (l *DataDirLock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	acquired, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return ErrDataDirLocked
	}

	l.locked = true
	return nil
}

// Release unlocks the data directory. Safe to call more than once.
func (l *DataDirLock) Release() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Path returns the lock file path
func (l *DataDirLock) Path() string {
	return l.path
}

// IsLocked reports whether this process holds the lock
func (l *DataDirLock) IsLocked() bool {
	return l.locked
}
