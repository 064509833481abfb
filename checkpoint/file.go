package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps one JSON file per source in a directory. Saves go through a temporary file
// that is synced and renamed over the previous one.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(sourceID string) string {
	return filepath.Join(s.dir, fileName(sourceID)+".json")
}

func (s *FileStore) Load(_ context.Context, sourceID string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(sourceID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("checkpoint read: %w", err)
	}
	return decode(data)
}

func (s *FileStore) Save(_ context.Context, cp *Checkpoint) error {
	data, err := encode(cp)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("checkpoint temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("checkpoint write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("checkpoint sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint close: %w", err)
	}

	if err := os.Rename(tmpName, s.path(cp.SourceID)); err != nil {
		return fmt.Errorf("checkpoint rename: %w", err)
	}

	return syncDir(s.dir)
}

func (s *FileStore) Delete(_ context.Context, sourceID string) error {
	err := os.Remove(s.path(sourceID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checkpoint delete: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("checkpoint dir open: %w", err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return fmt.Errorf("checkpoint dir sync: %w", err)
	}
	return nil
}

func fileName(sourceID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, sourceID)
}
