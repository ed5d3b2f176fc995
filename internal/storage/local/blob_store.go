// Package local stores page documents on the local filesystem.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
)

const probeName = ".writable"

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory documents are written under.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes objects below a directory opened as an os.Root, so object
// paths can never resolve outside it.
type BlobStore struct {
	root    *os.Root
	baseDir string
	seq     atomic.Uint64
}

// New creates BaseDir if needed and checks that it is writable.
func New(cfg Config) (*BlobStore, error) {
	dir := strings.TrimSpace(cfg.BaseDir)
	if dir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("open base directory: %w", err)
	}
	if err := root.WriteFile(probeName, nil, 0o600); err != nil {
		_ = root.Close()
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := root.Remove(probeName); err != nil {
		_ = root.Close()
		return nil, fmt.Errorf("remove probe file: %w", err)
	}
	return &BlobStore{root: root, baseDir: dir}, nil
}

// PutObject writes data to path (slash separated, relative to BaseDir) and
// returns a file:// URI. Existing objects are replaced atomically.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	rel := filepath.Clean(filepath.FromSlash(path))

	if dir := filepath.Dir(rel); dir != "." {
		if err := s.root.MkdirAll(dir, 0o750); err != nil {
			return "", fmt.Errorf("create parent directories: %w", err)
		}
	}

	tmp := rel + ".tmp-" + strconv.FormatUint(s.seq.Add(1), 10)
	if err := s.root.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := s.root.Rename(tmp, rel); err != nil {
		_ = s.root.Remove(tmp)
		return "", fmt.Errorf("move object into place: %w", err)
	}
	return "file://" + filepath.Join(s.baseDir, rel), nil
}

// Close releases the directory handle.
func (s *BlobStore) Close() error {
	if err := s.root.Close(); err != nil {
		return fmt.Errorf("close base directory: %w", err)
	}
	return nil
}
