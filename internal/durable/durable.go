// Package durable defines the key-value store that receives spilled
// history entries. Backends live in the subpackages; storage.Open picks one
// from configuration.
package durable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
)

// ErrNotFound is returned when no entry exists for an id or index.
var ErrNotFound = errors.New("durable entry not found")

// Store persists encoded history entries. Put returns an opaque id that
// Get accepts; GetByIndex addresses the same entry by project and
// timeline index.
type Store interface {
	Put(ctx context.Context, projectID string, index uint64, data []byte) (string, error)
	Get(ctx context.Context, id string) ([]byte, error)
	GetByIndex(ctx context.Context, projectID string, index uint64) ([]byte, error)
}

// Deleter is implemented by stores that can drop discarded entries.
type Deleter interface {
	Delete(ctx context.Context, id string) error
}

// Backend is what every bundled store implements.
type Backend interface {
	Store
	Deleter
	io.Closer
}

// ValidateProjectID rejects ids that are empty or could escape a key prefix.
func ValidateProjectID(projectID string) error {
	if projectID == "" || projectID == "." || projectID == ".." {
		return fmt.Errorf("invalid project id %q: must not be empty or a dot directory", projectID)
	}
	if path.Base(projectID) != projectID || strings.ContainsAny(projectID, `/\`) {
		return fmt.Errorf("invalid project id %q: must not be a path", projectID)
	}
	return nil
}

// Key returns the canonical "<project>/<index>" key. The index is zero
// padded so keys sort in timeline order.
func Key(projectID string, index uint64) string {
	return fmt.Sprintf("%s/%020d", projectID, index)
}

// ParseKey splits a key built by Key.
func ParseKey(key string) (projectID string, index uint64, err error) {
	projectID, idx, ok := strings.Cut(key, "/")
	if !ok {
		return "", 0, fmt.Errorf("malformed key %q", key)
	}
	if err := ValidateProjectID(projectID); err != nil {
		return "", 0, err
	}
	index, err = strconv.ParseUint(idx, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed key %q: %w", key, err)
	}
	return projectID, index, nil
}
