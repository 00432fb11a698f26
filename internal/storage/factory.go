package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
)

// New opens the backend selected by cfg.Type and initializes it.
func New(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (Storage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "storage", "backend", cfg.Type)

	var (
		store Storage
		err   error
	)
	switch cfg.Type {
	case "memory":
		store = NewMemoryStorage()
	case "duckdb", "":
		path := cfg.DatabaseURL
		if path != "" && path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		store, err = NewDuckDBStorage(path, logger)
	case "postgres":
		store, err = NewPostgresStorage(ctx, cfg.DatabaseURL, cfg.MaxConns, logger)
	default:
		return nil, fmt.Errorf("unsupported storage type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if err := store.Initialize(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}
