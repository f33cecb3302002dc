package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"triptrack/internal/config"
	"triptrack/internal/history"
	"triptrack/internal/session"
	"triptrack/internal/storage"
	"triptrack/internal/storage/postgres"
)

func main() {
	Execute()
}

// tripStore is what both backends offer to the controller and history.
type tripStore interface {
	session.Store
	history.Store
}

// openStorage opens the configured backend and applies its schema. The
// returned func releases it.
func openStorage(ctx context.Context, cfg config.StorageConfig) (tripStore, func(), error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := postgres.Connect(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		store := postgres.New(pool)
		if err := store.InitSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	default:
		store, err := storage.Open(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open db: %w", err)
		}
		if err := store.InitSchema(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("init schema: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	}
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}
