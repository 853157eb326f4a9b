package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// ErrLocked is returned by TryAcquire when another holder owns the lock.
var ErrLocked = errors.New("lock held by another process")

// DefaultPollInterval is how often Acquire retries a contended lock.
const DefaultPollInterval = 25 * time.Millisecond

// FileLock is an advisory flock(2) lock on a sidecar file.
// Keep the lock alive by keeping the file descriptor open.
type FileLock struct {
	path string
	f    *os.File
}

func openLockFile(lockPath string) (*os.File, error) {
	if lockPath == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return f, nil
}

// TryAcquire takes an exclusive lock without blocking.
func TryAcquire(lockPath string) (*FileLock, error) {
	f, err := openLockFile(lockPath)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("acquire %s: %w", lockPath, ErrLocked)
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	return &FileLock{path: lockPath, f: f}, nil
}

// Acquire waits for an exclusive lock, polling until ctx is done.
func Acquire(ctx context.Context, lockPath string) (*FileLock, error) {
	ticker := time.NewTicker(DefaultPollInterval)
	defer ticker.Stop()

	for {
		l, err := TryAcquire(lockPath)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for %s: %w", lockPath, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *FileLock) Path() string { return l.path }

func (l *FileLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}

// PIDLock is a single-instance lock implemented via a PID file + flock(2).
// One batch run per output directory holds it for the run's lifetime.
type PIDLock struct {
	FileLock
}

// AcquirePIDLock acquires an exclusive non-blocking lock at lockPath, writes the
// current PID into the file, and returns a handle that must be released.
func AcquirePIDLock(lockPath string) (*PIDLock, error) {
	fl, err := TryAcquire(lockPath)
	if err != nil {
		return nil, err
	}
	f := fl.f

	if err := f.Truncate(0); err != nil {
		_ = fl.Release()
		return nil, fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		_ = fl.Release()
		return nil, fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		_ = fl.Release()
		return nil, fmt.Errorf("write pid: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = fl.Release()
		return nil, fmt.Errorf("sync lock file: %w", err)
	}

	return &PIDLock{FileLock: *fl}, nil
}
