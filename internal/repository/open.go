package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"testforge/backend/internal/config"
	"testforge/backend/internal/logging"
)

// Open connects the store selected by storage.driver and applies its schema.
func Open(ctx context.Context, cfg *config.Config, logger *logging.Logger) (Repository, error) {
	switch cfg.Storage.Driver {
	case "memory":
		logger.Warn("Using in-memory storage; executions and custom workflows are lost on restart")
		return NewMemoryStore(), nil
	case "sqlite":
		logger.Info("Opening SQLite storage", "path", cfg.Storage.SQLitePath)
		return NewSQLiteStore(ctx, cfg.Storage.SQLitePath)
	case "postgres":
		pool, err := initPool(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		store := NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
}

func initPool(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection", "host", cfg.DB.Host, "db", cfg.DB.Name)

	poolConfig, err := pgxpool.ParseConfig(cfg.PostgresDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.DB.MaxConns > 0 {
		poolConfig.MaxConns = cfg.DB.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}
