// Package filesystem stores entries as files under
// <base>/<project>/<index>.entry.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/MeKo-Tech/pixelstack/internal/durable"
)

// Store keeps one file per history entry under a base directory.
type Store struct {
	basePath string
}

var _ durable.Backend = (*Store)(nil)

// NewStore creates the base directory if needed.
func NewStore(basePath string) (*Store, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &Store{basePath: basePath}, nil
}

// pathFor maps an id (a durable.Key) to its file.
func (s *Store) pathFor(id string) (string, error) {
	projectID, index, err := durable.ParseKey(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, projectID, fmt.Sprintf("%020d.entry", index)), nil
}

func (s *Store) Put(ctx context.Context, projectID string, index uint64, data []byte) (string, error) {
	if err := durable.ValidateProjectID(projectID); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := durable.Key(projectID, index)
	path, err := s.pathFor(id)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create project directory: %w", err)
	}

	// write then rename so readers never see a partial entry
	tmp, err := os.CreateTemp(filepath.Dir(path), ".entry-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) // nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write entry %s: %w", id, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to sync entry %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close entry %s: %w", id, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to commit entry %s: %w", id, err)
	}
	return id, nil
}

func (s *Store) Get(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.pathFor(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", durable.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read entry %s: %w", id, err)
	}
	return data, nil
}

func (s *Store) GetByIndex(ctx context.Context, projectID string, index uint64) ([]byte, error) {
	if err := durable.ValidateProjectID(projectID); err != nil {
		return nil, err
	}
	return s.Get(ctx, durable.Key(projectID, index))
}

func (s *Store) Delete(ctx context.Context, id string) error {
	path, err := s.pathFor(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete entry %s: %w", id, err)
	}
	return nil
}

func (s *Store) Close() error { return nil }
