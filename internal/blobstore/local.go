package blobstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalStore is a disk-backed Store, keyed by content hash, sharded two
// levels deep to avoid huge flat directories.
type LocalStore struct {
	root string
}

// NewLocalStore creates a LocalStore rooted at dir, creating it if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create root: %w", err)
	}
	return &LocalStore{root: dir}, nil
}

func (s *LocalStore) path(ref string) string {
	if len(ref) < 4 {
		return filepath.Join(s.root, ref)
	}
	return filepath.Join(s.root, ref[0:2], ref[2:4], ref)
}

func (s *LocalStore) Put(_ context.Context, data []byte) (string, error) {
	ref := ContentHash(data)
	p := s.path(ref)
	if _, err := os.Stat(p); err == nil {
		return ref, nil // already stored; idempotent
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("blobstore: mkdir: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("blobstore: write: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return "", fmt.Errorf("blobstore: rename: %w", err)
	}
	return ref, nil
}

func (s *LocalStore) Get(_ context.Context, ref string) ([]byte, error) {
	data, err := os.ReadFile(s.path(ref))
	if err != nil {
		return nil, fmt.Errorf("blobstore: read %s: %w", ref, err)
	}
	return data, nil
}

func (s *LocalStore) URL(_ context.Context, _ string) (string, bool) {
	return "", false
}
