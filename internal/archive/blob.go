package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
)

// BlobStore persists content-addressed bytes.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

var hashKey = regexp.MustCompile(`^[0-9a-f]{64}$`)

// FileBlobStore lays blobs out as <root>/ab/cd/<hash>.
type FileBlobStore struct {
	root string
}

// NewFileBlobStore constructs a store rooted at dir.
func NewFileBlobStore(dir string) *FileBlobStore {
	return &FileBlobStore{root: dir}
}

func (s *FileBlobStore) path(key string) (string, error) {
	if !hashKey.MatchString(key) {
		return "", fmt.Errorf("archive: invalid storage key %q", key)
	}
	return filepath.Join(s.root, key[0:2], key[2:4], key), nil
}

// Put writes data under key. Existing content is left untouched.
func (s *FileBlobStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("archive: create blob dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return fmt.Errorf("archive: create blob: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("archive: write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("archive: sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("archive: close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("archive: store blob: %w", err)
	}
	return nil
}

// Get reads the bytes stored under key.
func (s *FileBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
	}
	return data, err
}
