package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/mattjoyce/renderbatch/internal/lock"
	"github.com/mattjoyce/renderbatch/internal/storage"
)

// FileName is the per-group progress file, a JSON list of job names.
const FileName = "completed.json"

// FileStore keeps progress in <baseDir>/<group>/completed.json. Every access
// holds an in-process mutex and an exclusive flock on a sidecar .lock file
// for its duration only.
type FileStore struct {
	baseDir string
	mu      sync.Mutex
}

func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("progress base dir is empty")
	}
	if err := storage.RequireLocalFilesystem(baseDir, "output.base_dir"); err != nil {
		return nil, err
	}
	return &FileStore{baseDir: baseDir}, nil
}

// Path returns the progress file for group.
func (s *FileStore) Path(group string) string {
	return filepath.Join(s.baseDir, group, FileName)
}

func (s *FileStore) withLock(ctx context.Context, group string, fn func(path string) error) error {
	if group == "" {
		return fmt.Errorf("group is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(group)
	l, err := lock.Acquire(ctx, path+".lock")
	if err != nil {
		return fmt.Errorf("lock progress for %s: %w", group, err)
	}
	defer func() { _ = l.Release() }()

	return fn(path)
}

func (s *FileStore) Completed(ctx context.Context, group string) (map[string]struct{}, error) {
	var names []string
	err := s.withLock(ctx, group, func(path string) error {
		var err error
		names, err = readNames(path)
		return err
	})
	if err != nil {
		return nil, err
	}
	return toSet(names), nil
}

func (s *FileStore) MarkCompleted(ctx context.Context, group, name string) error {
	if name == "" {
		return fmt.Errorf("job name is empty")
	}
	return s.withLock(ctx, group, func(path string) error {
		names, err := readNames(path)
		if err != nil {
			return err
		}
		if _, done := toSet(names)[name]; done {
			return nil
		}
		return writeNames(path, append(names, name))
	})
}

func (s *FileStore) Reset(ctx context.Context, group string) error {
	return s.withLock(ctx, group, func(path string) error {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove progress file: %w", err)
		}
		return nil
	})
}

func readNames(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read progress file: %w", err)
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, fmt.Errorf("parse progress file %s: %w", path, err)
	}
	return names, nil
}

// writeNames replaces the file via rename so readers never see a partial list.
func writeNames(path string, names []string) error {
	data, err := json.MarshalIndent(names, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write progress file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace progress file: %w", err)
	}
	return nil
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}
