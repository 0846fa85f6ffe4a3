package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Local reads and writes files below a base directory. An empty base
// resolves keys relative to the working directory, so absolute paths work
// as keys.
type Local struct {
	basePath string
}

// NewLocal creates a local filesystem storage rooted at basePath.
func NewLocal(basePath string) *Local {
	return &Local{basePath: basePath}
}

func (l *Local) path(key string) string {
	if l.basePath == "" {
		return key
	}
	return filepath.Join(l.basePath, key)
}

func (l *Local) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(l.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("opening file %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("opening file %s: %w", key, err)
	}
	return f, nil
}

func (l *Local) Put(_ context.Context, key string, body io.Reader, _ string) error {
	dest := l.path(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", key, err)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", key, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, body); err != nil {
		os.Remove(dest)
		return fmt.Errorf("writing file %s: %w", key, err)
	}

	return nil
}
