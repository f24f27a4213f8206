package artifacts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound indicates the requested artifact does not exist.
var ErrNotFound = errors.New("artifact not found")

// Store is keyed byte-blob storage addressed by (namespace, key). Writes are
// last-write-wins; no transactional guarantees are provided.
type Store interface {
	Read(ctx context.Context, namespace, key string) ([]byte, error)
	Write(ctx context.Context, namespace, key string, data []byte) error
	Exists(ctx context.Context, namespace, key string) (bool, error)
}

// FSStore implements Store on the local filesystem, one directory per
// namespace under a configured root.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem-backed artifact store rooted at dir.
func NewFSStore(dir string) (*FSStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("artifact root directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &FSStore{root: dir}, nil
}

func (s *FSStore) Read(ctx context.Context, namespace, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.resolve(namespace, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, namespace, key)
		}
		return nil, fmt.Errorf("read artifact %s/%s: %w", namespace, key, err)
	}
	return data, nil
}

func (s *FSStore) Write(ctx context.Context, namespace, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.resolve(namespace, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write artifact %s/%s: %w", namespace, key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publish artifact %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (s *FSStore) Exists(ctx context.Context, namespace, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path, err := s.resolve(namespace, key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat artifact %s/%s: %w", namespace, key, err)
	}
	return !info.IsDir(), nil
}

func (s *FSStore) resolve(namespace, key string) (string, error) {
	namespace = strings.TrimSpace(namespace)
	key = strings.TrimSpace(key)
	if namespace == "" {
		return "", errors.New("artifact namespace is required")
	}
	if key == "" {
		return "", errors.New("artifact key is required")
	}
	path := filepath.Join(s.root, filepath.Clean(namespace), filepath.Clean(key))
	rel, err := filepath.Rel(s.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("artifact key escapes store root: %s/%s", namespace, key)
	}
	return path, nil
}
