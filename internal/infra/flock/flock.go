// Package flock provides advisory file locks with bounded wait.
//
// The limiter's per-lane state and the aggregation snapshot are the only
// resources mutated by more than one process; both serialize through one
// of these locks. Waits are always bounded so a wedged peer cannot block
// a caller indefinitely.
package flock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// ErrTimeout is returned when the lock could not be acquired within the
// caller's budget.
var ErrTimeout = errors.New("flock: acquisition timed out")

// Lock is an exclusive advisory lock backed by a lock file.
type Lock struct {
	path string
	file *os.File
}

// New creates a lock handle for the given path. The lock file is created
// lazily on first Acquire.
func New(path string) *Lock {
	return &Lock{path: path}
}

// Acquire takes the lock, polling with backoff until maxWait elapses or
// ctx is done. It never blocks in the kernel (LOCK_NB) so the wait stays
// observable and cancellable.
func (l *Lock) Acquire(ctx context.Context, maxWait time.Duration) error {
	if l.file != nil {
		return fmt.Errorf("flock: %s already held", l.path)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("flock: create lock dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("flock: open %s: %w", l.path, err)
	}

	deadline := time.Now().Add(maxWait)
	wait := 5 * time.Millisecond

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			l.file = f
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			_ = f.Close()
			return fmt.Errorf("flock: %s: %w", l.path, err)
		}

		if time.Now().After(deadline) {
			_ = f.Close()
			return ErrTimeout
		}

		select {
		case <-ctx.Done():
			_ = f.Close()
			return ctx.Err()
		case <-time.After(wait):
		}
		if wait < 100*time.Millisecond {
			wait *= 2
		}
	}
}

// Release drops the lock. Safe to call on an unheld lock.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("flock: unlock %s: %w", l.path, err)
	}
	return closeErr
}

// WithLock runs fn while holding the lock, releasing it afterwards.
func (l *Lock) WithLock(ctx context.Context, maxWait time.Duration, fn func() error) error {
	if err := l.Acquire(ctx, maxWait); err != nil {
		return err
	}
	defer func() { _ = l.Release() }()
	return fn()
}
