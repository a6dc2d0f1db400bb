package db

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vonshlovens/drivemirror/internal/config"
	"github.com/vonshlovens/drivemirror/internal/db/migrations"
)

// DB wraps the database connection pool
type DB struct {
	Pool    *pgxpool.Pool
	connStr string
	Schema  string
}

// New creates a new database connection pool
func New(ctx context.Context, cfg *config.DatabaseConfig) (*DB, error) {
	db, err := Connect(ctx, cfg.ConnectionString(), cfg.Schema)
	if err != nil {
		return nil, err
	}

	slog.Info("connected to database",
		"host", cfg.Host,
		"database", cfg.Database,
		"schema", cfg.Schema)

	return db, nil
}

// Connect opens a pool for a raw connection string.
func Connect(ctx context.Context, connStr, schema string) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Configure pool settings
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{
		Pool:    pool,
		connStr: connStr,
		Schema:  schema,
	}, nil
}

// Close closes the database connection pool
func (db *DB) Close() error {
	if db.Pool != nil {
		db.Pool.Close()
		slog.Info("database connection closed")
	}
	return nil
}

// Ping checks if the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// EnsureSchema creates the schema if it doesn't exist
func (db *DB) EnsureSchema(ctx context.Context) error {
	if db.Schema == "" {
		return nil
	}

	_, err := db.Pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{db.Schema}.Sanitize())
	if err != nil {
		return fmt.Errorf("failed to create schema %s: %w", db.Schema, err)
	}

	slog.Info("schema ready", "schema", db.Schema)
	return nil
}

// RunMigrations executes all pending database migrations. The goose
// version table lands in the mirror's schema through search_path.
func (db *DB) RunMigrations(ctx context.Context) error {
	// Ensure schema exists first
	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}

	provider, stdDB, err := db.provider()
	if err != nil {
		return err
	}
	defer stdDB.Close()

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("migrations completed successfully", "schema", db.Schema, "applied", len(results))
	return nil
}

// MigrationStatus returns the state of every known migration
func (db *DB) MigrationStatus(ctx context.Context) ([]MigrationState, error) {
	provider, stdDB, err := db.provider()
	if err != nil {
		return nil, err
	}
	defer stdDB.Close()

	return migrationStates(ctx, provider)
}

func (db *DB) provider() (*goose.Provider, *sql.DB, error) {
	stdDB, err := sql.Open("pgx", db.connStr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open stdlib connection: %w", err)
	}

	fsys, err := fs.Sub(migrations.FS, "postgres")
	if err != nil {
		stdDB.Close()
		return nil, nil, fmt.Errorf("failed to load migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, stdDB, fsys)
	if err != nil {
		stdDB.Close()
		return nil, nil, fmt.Errorf("failed to create migration provider: %w", err)
	}
	return provider, stdDB, nil
}

func migrationStates(ctx context.Context, provider *goose.Provider) ([]MigrationState, error) {
	statuses, err := provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read migration status: %w", err)
	}

	states := make([]MigrationState, 0, len(statuses))
	for _, s := range statuses {
		state := MigrationState{
			Version: s.Source.Version,
			Source:  s.Source.Path,
			Applied: s.State == goose.StateApplied,
		}
		if !s.AppliedAt.IsZero() {
			appliedAt := s.AppliedAt
			state.AppliedAt = &appliedAt
		}
		states = append(states, state)
	}
	return states, nil
}
