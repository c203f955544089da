package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"flow-studio/backend/internal/config"
	"flow-studio/backend/internal/logging"
)

// Open returns the FlowStore selected by cfg.Store.Driver.
func Open(ctx context.Context, cfg *config.Config, logger *logging.Logger) (FlowStore, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		logger.Info("using in-memory flow store")
		return NewMemoryFlowStore(), nil
	case "sqlite":
		logger.Info("opening sqlite flow store", "path", cfg.Store.Path)
		return OpenSQLiteFlowStore(ctx, cfg.Store.Path)
	case "postgres":
		pool, err := initDatabase(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		store := NewPostgresFlowStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("initializing database connection", "host", cfg.Store.DB.Host, "db", cfg.Store.DB.Name)

	db := cfg.Store.DB
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		db.Host, db.Port, db.User, db.Password, db.Name, db.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
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
