package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/codefionn/fwdcache/fwdcache-srv/logger"
)

// FileStore keeps one file per key in a directory. Each file holds the
// timestamp line and the response bytes.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the cache directory.
func (f *FileStore) Dir() string {
	return f.dir
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.dir, filepath.Base(key))
}

// Get reads the record for key. A record that cannot be decoded counts as
// absent and is overwritten by the next Put.
func (f *FileStore) Get(_ context.Context, key string) (*Entry, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}

	entry, err := decodeRecord(data)
	if err != nil {
		logger.Warn("Ignoring cache file %s: %v", f.path(key), err)
		return nil, nil
	}
	return entry, nil
}

// Put writes the record to a temporary file and renames it into place, so
// readers never see a partial record.
func (f *FileStore) Put(_ context.Context, key string, entry Entry) error {
	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create cache file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(encodeRecord(entry)); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmpName, f.path(key)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to move cache file into place: %w", err)
	}
	return nil
}

// Clear removes every regular file in the cache directory.
func (f *FileStore) Clear(context.Context) error {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return fmt.Errorf("failed to list cache directory: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if err := os.Remove(filepath.Join(f.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove cache file: %w", err)
		}
		removed++
	}
	logger.Info("Cleared %d cache files from %s", removed, f.dir)
	return nil
}

func (f *FileStore) Close() error {
	return nil
}
