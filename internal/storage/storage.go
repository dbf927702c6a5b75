// Package storage selects and opens the durable backend for history spill.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/MeKo-Tech/pixelstack/internal/durable"
	"github.com/MeKo-Tech/pixelstack/internal/durable/aws"
	"github.com/MeKo-Tech/pixelstack/internal/durable/filesystem"
	"github.com/MeKo-Tech/pixelstack/internal/durable/memory"
	"github.com/MeKo-Tech/pixelstack/internal/durable/sqlite"
)

// Backend types accepted by Config.Type.
const (
	TypeMemory     = "memory"
	TypeFilesystem = "filesystem"
	TypeSQLite     = "sqlite"
	TypeS3         = "s3"
)

// Config selects a backend.
type Config struct {
	// Type is one of memory, filesystem, sqlite or s3 (default memory).
	Type string
	// Path is the base directory (filesystem) or database file (sqlite).
	Path string
	// Bucket and Prefix address the S3 location.
	Bucket string
	Prefix string
	Logger *slog.Logger
}

// DefaultConfig returns an in-memory configuration.
func DefaultConfig() Config {
	return Config{Type: TypeMemory}
}

// Open creates the configured backend.
func Open(ctx context.Context, cfg Config) (durable.Backend, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		store durable.Backend
		err   error
		attrs = []any{"type", cfg.Type}
	)
	switch strings.ToLower(cfg.Type) {
	case TypeFilesystem:
		path := cfg.Path
		if path == "" {
			path = "./data/history"
		}
		attrs = append(attrs, "path", path)
		store, err = filesystem.NewStore(path)
	case TypeSQLite:
		path := cfg.Path
		if path == "" {
			path = "pixelstack.db"
		}
		if filepath.Ext(path) == "" {
			path += ".db"
		}
		attrs = append(attrs, "path", path)
		store, err = sqlite.NewStore(path)
	case TypeS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("a bucket name is required for the s3 backend")
		}
		attrs = append(attrs, "bucket", cfg.Bucket, "prefix", cfg.Prefix)
		store, err = aws.NewStore(ctx, cfg.Bucket, cfg.Prefix)
	case TypeMemory, "":
		attrs = []any{"type", TypeMemory}
		store = memory.NewStore()
	default:
		return nil, fmt.Errorf("unknown durable store type %q", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Type, err)
	}

	logger.Info("using durable store", attrs...)
	return store, nil
}
