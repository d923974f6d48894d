//go:build unix

// Package filelock provides an exclusive advisory lock on a file that
// serializes both goroutines in this process and other processes sharing the
// same path.
package filelock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// Lock is an exclusive advisory lock backed by flock(2).
//
// The lock file is a sidecar; callers that atomically replace their data file
// by rename must not lock the data file itself.
type Lock struct {
	path    string
	timeout time.Duration
	sem     chan struct{}
}

// Handle is a held lock. Release must be called exactly once.
type Handle struct {
	lock *Lock
	file *os.File
}

// New returns a lock on path. A zero timeout waits until ctx is done.
func New(path string, timeout time.Duration) *Lock {
	return &Lock{
		path:    path,
		timeout: timeout,
		sem:     make(chan struct{}, 1),
	}
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Acquire blocks until the lock is held, ctx is cancelled, or the timeout
// elapses. Timeout surfaces as ErrLockTimeout.
func (l *Lock) Acquire(ctx context.Context) (*Handle, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	// Goroutines queue on sem; other processes contend through flock.
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, l.ctxErr(ctx)
	}

	f, err := l.open()
	if err != nil {
		<-l.sem
		return nil, err
	}

	done := make(chan error, 1)
	go func() {
		done <- flockRetryEINTR(int(f.Fd()), unix.LOCK_EX)
	}()

	select {
	case err := <-done:
		if err != nil {
			f.Close()
			<-l.sem
			return nil, fmt.Errorf("flock %s: %w", l.path, err)
		}
		return &Handle{lock: l, file: f}, nil
	case <-ctx.Done():
		// The blocked flock still owns f; release it whenever it resolves.
		go func() {
			if err := <-done; err == nil {
				_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
			}
			f.Close()
		}()
		<-l.sem
		return nil, l.ctxErr(ctx)
	}
}

// TryAcquire attempts the lock without waiting.
func (l *Lock) TryAcquire() (*Handle, bool, error) {
	select {
	case l.sem <- struct{}{}:
	default:
		return nil, false, nil
	}
	f, err := l.open()
	if err != nil {
		<-l.sem
		return nil, false, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		<-l.sem
		if err == unix.EWOULDBLOCK {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("flock %s: %w", l.path, err)
	}
	return &Handle{lock: l, file: f}, true, nil
}

// Release drops the lock.
func (h *Handle) Release() error {
	if h == nil || h.file == nil {
		return nil
	}
	err := unix.Flock(int(h.file.Fd()), unix.LOCK_UN)
	closeErr := h.file.Close()
	h.file = nil
	<-h.lock.sem
	if err != nil {
		return fmt.Errorf("unlock %s: %w", h.lock.path, err)
	}
	return closeErr
}

func (l *Lock) open() (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return f, nil
}

func (l *Lock) ctxErr(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%s: %w", l.path, ErrLockTimeout)
	}
	return ctx.Err()
}

func flockRetryEINTR(fd, how int) error {
	for {
		err := unix.Flock(fd, how)
		if err != unix.EINTR {
			return err
		}
	}
}
