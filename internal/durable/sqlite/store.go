// Package sqlite keeps spilled entries in a single SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/MeKo-Tech/pixelstack/internal/durable"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite" // SQLite driver
)

// Store keeps history entries in a SQLite table.
type Store struct {
	db   *sql.DB
	path string
}

var _ durable.Backend = (*Store)(nil)

// NewStore opens (or creates) the database at path and initialises the schema.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS history_entries (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			data BLOB NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS history_entry_index ON history_entries (project_id, idx);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, projectID string, index uint64, data []byte) (string, error) {
	if err := durable.ValidateProjectID(projectID); err != nil {
		return "", err
	}
	id := ulid.Make().String()

	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO history_entries (id, project_id, idx, data, created_at) VALUES (?, ?, ?, ?, ?)",
		id, projectID, int64(index), data, time.Now().Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert entry %s: %w", durable.Key(projectID, index), err)
	}
	return id, nil
}

func (s *Store) Get(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM history_entries WHERE id=?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %s", durable.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query entry %s: %w", id, err)
	}
	return data, nil
}

func (s *Store) GetByIndex(ctx context.Context, projectID string, index uint64) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM history_entries WHERE project_id=? AND idx=?",
		projectID, int64(index),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", durable.ErrNotFound, durable.Key(projectID, index))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query entry %s: %w", durable.Key(projectID, index), err)
	}
	return data, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM history_entries WHERE id=?", id); err != nil {
		return fmt.Errorf("failed to delete entry %s: %w", id, err)
	}
	return nil
}

// Count returns the number of entries stored for a project.
func (s *Store) Count(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM history_entries WHERE project_id=?", projectID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return n, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
