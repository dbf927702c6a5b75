// Package memory is an in-process durable store, used by default and in tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/MeKo-Tech/pixelstack/internal/durable"
	"github.com/oklog/ulid/v2"
)

// Store keeps history entries in process memory.
type Store struct {
	mu      sync.RWMutex
	data    map[string][]byte
	byIndex map[string]string
	keyOf   map[string]string
}

var _ durable.Backend = (*Store)(nil)

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		data:    make(map[string][]byte),
		byIndex: make(map[string]string),
		keyOf:   make(map[string]string),
	}
}

func (s *Store) Put(ctx context.Context, projectID string, index uint64, data []byte) (string, error) {
	if err := durable.ValidateProjectID(projectID); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := ulid.Make().String()
	key := durable.Key(projectID, index)

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byIndex[key]; ok {
		delete(s.data, old)
		delete(s.keyOf, old)
	}
	s.data[id] = append([]byte(nil), data...)
	s.byIndex[key] = id
	s.keyOf[id] = key
	return id, nil
}

func (s *Store) Get(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.data[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %s", durable.ErrNotFound, id)
	}
	return append([]byte(nil), data...), nil
}

func (s *Store) GetByIndex(ctx context.Context, projectID string, index uint64) ([]byte, error) {
	s.mu.RLock()
	id, ok := s.byIndex[durable.Key(projectID, index)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", durable.ErrNotFound, durable.Key(projectID, index))
	}
	return s.Get(ctx, id)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.keyOf[id]; ok {
		delete(s.byIndex, key)
	}
	delete(s.keyOf, id)
	delete(s.data, id)
	return nil
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *Store) Close() error { return nil }
