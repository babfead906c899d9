package blobstore

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Local stores blobs as files under a directory, typically on a volume
// shared between the director and its workers. Objects land in two-level
// fan-out directories so no single directory grows unbounded.
type Local struct {
	dir string
}

// NewLocal builds a filesystem blobstore rooted at dir.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blobstore dir: %w", err)
	}
	return &Local{dir: dir}, nil
}

func (l *Local) path(id string) string {
	fan := "00"
	if len(id) >= 2 {
		fan = id[:2]
	}
	return filepath.Join(l.dir, fan, id)
}

func (l *Local) Put(ctx context.Context, r io.Reader) (string, string, error) {
	id := uuid.NewString()
	path := l.path(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create blob dir: %w", err)
	}

	// write to a temp name and rename so readers never see partial objects
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return "", "", fmt.Errorf("failed to create blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha1.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), r); err != nil {
		tmp.Close()
		return "", "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", "", fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", "", fmt.Errorf("failed to finalize blob: %w", err)
	}
	return id, hex.EncodeToString(h.Sum(nil)), nil
}

func (l *Local) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	f, err := os.Open(l.path(id))
	if err != nil {
		return nil, fmt.Errorf("failed to open blob %s: %w", id, err)
	}
	return f, nil
}

func (l *Local) Delete(ctx context.Context, id string) error {
	err := os.Remove(l.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob %s: %w", id, err)
	}
	return nil
}
