package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAcquirePIDLockWritesPID(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "renderbatch.lock")
	l, err := AcquirePIDLock(lockPath)
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	b, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.TrimSpace(string(b)) == "" {
		t.Fatalf("expected PID in lock file, got empty")
	}
}

func TestAcquirePIDLockRejectsSecondHolder(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "renderbatch.lock")
	first, err := AcquirePIDLock(lockPath)
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}
	t.Cleanup(func() { _ = first.Release() })

	if _, err := AcquirePIDLock(lockPath); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}

func TestTryAcquireAfterRelease(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "nested", "completed.json.lock")
	l, err := TryAcquire(lockPath)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if l.Path() != lockPath {
		t.Fatalf("Path() = %q", l.Path())
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second Release should be a no-op: %v", err)
	}

	again, err := TryAcquire(lockPath)
	if err != nil {
		t.Fatalf("TryAcquire after release: %v", err)
	}
	_ = again.Release()
}

func TestAcquireWaitsForRelease(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "x.lock")
	held, err := TryAcquire(lockPath)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}

	go func() {
		time.Sleep(60 * time.Millisecond)
		_ = held.Release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	l, err := Acquire(ctx, lockPath)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	_ = l.Release()
}

func TestAcquireHonoursContext(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "x.lock")
	held, err := TryAcquire(lockPath)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	t.Cleanup(func() { _ = held.Release() })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := Acquire(ctx, lockPath); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
