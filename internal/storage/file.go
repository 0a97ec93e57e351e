package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileDocuments stores each document as <dir>/<name>.json.
type FileDocuments struct {
	dir string
}

// OpenFile creates dir if needed and returns a file-backed document store.
func OpenFile(dir string) (*FileDocuments, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return &FileDocuments{dir: dir}, nil
}

func (f *FileDocuments) path(name string) string {
	return filepath.Join(f.dir, name+".json")
}

func (f *FileDocuments) Load(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(f.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return data, nil
}

// Save writes to a temp file and renames it over the target so a crash
// never leaves a truncated document behind.
func (f *FileDocuments) Save(_ context.Context, name string, data []byte) error {
	tmp, err := os.CreateTemp(f.dir, name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", name, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, f.path(name)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing %s: %w", name, err)
	}
	return nil
}

func (f *FileDocuments) Close() error { return nil }
