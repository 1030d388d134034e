// Package store provides database access for the MovementBrand dashboard.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/movementbrand/mbdash/config"
)

//go:embed schema.sql
var schemaFS embed.FS

// SchemaVersion is the version written by schema.sql.
const SchemaVersion = 1

// ErrNotFound is returned by writes that target a missing row. Reads
// return nil, nil instead.
var ErrNotFound = errors.New("store: not found")

// DB holds the database connection pool.
type DB struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// New creates a new database connection pool.
func New(ctx context.Context, cfg *config.DatabaseConfig) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{
		pool:    pool,
		timeout: cfg.QueryTimeout,
	}, nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Ping checks the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	return db.pool.Ping(ctx)
}

// withTimeout bounds ctx by the configured query timeout.
func (db *DB) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.timeout > 0 {
		return context.WithTimeout(ctx, db.timeout)
	}
	return ctx, func() {}
}

// InitSchema creates the schema if it doesn't exist.
func (db *DB) InitSchema(ctx context.Context) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var exists bool
	err := db.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_name = 'schema_version'
		)
	`).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check schema: %w", err)
	}
	if exists {
		return nil
	}

	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}
	if _, err := db.pool.Exec(ctx, string(schema)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the current schema version.
func (db *DB) GetSchemaVersion(ctx context.Context) (int, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var version int
	err := db.pool.QueryRow(ctx, `SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`).Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}
