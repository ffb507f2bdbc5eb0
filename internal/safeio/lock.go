package safeio

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLockTimeout is returned when a lock cannot be acquired within the
// timeout. Callers treat it as a distinct failure kind and abort the
// stage rather than retrying.
var ErrLockTimeout = errors.New("lock acquisition timed out")

const lockPollInterval = 100 * time.Millisecond

// FileLock is a cooperative advisory lock backed by a sidecar file next
// to the protected path.
type FileLock struct {
	path string
	f    *os.File
}

// AcquireLock locks <path>.lock, polling until the timeout elapses.
func AcquireLock(path string, timeout time.Duration) (*FileLock, error) {
	lockPath := path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			// stamp the holder for doctor-style inspection
			f.Truncate(0)
			fmt.Fprintf(f, "%d\n", os.Getpid())
			return &FileLock{path: lockPath, f: f}, nil
		}
		if err != unix.EWOULDBLOCK {
			f.Close()
			return nil, fmt.Errorf("flock %s: %w", lockPath, err)
		}
		if time.Now().After(deadline) {
			f.Close()
			log.Printf("[lock] timed out waiting for %s", lockPath)
			return nil, fmt.Errorf("%s: %w", lockPath, ErrLockTimeout)
		}
		time.Sleep(lockPollInterval)
	}
}

// Release unlocks and closes the sidecar file. Safe to call more than
// once.
func (l *FileLock) Release() {
	if l == nil || l.f == nil {
		return
	}
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	l.f.Close()
	l.f = nil
}

// WithLock runs fn while holding the lock for path, releasing it on every
// exit path.
func WithLock(path string, timeout time.Duration, fn func() error) error {
	lock, err := AcquireLock(path, timeout)
	if err != nil {
		return err
	}
	defer lock.Release()
	return fn()
}
