// Package database provides the relational store client and migration utilities.
//
// The SQL dialect is a parameter: SQLite for development and tests,
// PostgreSQL for production. Queries are written with `?` placeholders and
// rebound per dialect via sqlx.
package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql
	_ "github.com/mattn/go-sqlite3"    // Register sqlite3 driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// Dialect selects the SQL flavor the client speaks.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Client wraps the sqlx handle together with its dialect.
type Client struct {
	db      *sqlx.DB
	dialect Dialect
}

// DB returns the underlying sqlx handle for queries and health checks.
func (c *Client) DB() *sqlx.DB {
	return c.db
}

// Dialect returns the SQL flavor this client was opened with.
func (c *Client) Dialect() Dialect {
	return c.dialect
}

// SupportsRowLocking reports whether SELECT ... FOR UPDATE SKIP LOCKED is
// available. SQLite serializes writers instead; callers fall back to a
// compare-and-set guard that holds on both dialects.
func (c *Client) SupportsRowLocking() bool {
	return c.dialect == DialectPostgres
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// NewClientFromDB wraps an existing sqlx handle (useful for testing).
func NewClientFromDB(db *sqlx.DB, dialect Dialect) *Client {
	return &Client{db: db, dialect: dialect}
}

// NewClient opens the database for cfg, configures pooling, verifies
// connectivity, and applies pending migrations.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	driverName, dsn, err := cfg.DSN()
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	client := &Client{db: db, dialect: cfg.Type}
	if err := client.runMigrations(cfg); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return client, nil
}

// RunMigrations applies pending migrations on an already-open client. Test
// fixtures use this after opening in-memory databases directly.
func (c *Client) RunMigrations() error {
	return c.runMigrations(Config{Type: c.dialect, Database: "fabric"})
}

// runMigrations applies embedded migration files through golang-migrate.
// Each dialect has its own directory under migrations/; files are embedded
// at compile time so production binaries carry their schema.
func (c *Client) runMigrations(cfg Config) error {
	dir := "migrations/" + string(c.dialect)

	hasMigrations, err := hasEmbeddedMigrations(dir)
	if err != nil {
		return fmt.Errorf("failed to check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return fmt.Errorf("no embedded migration files found for dialect %q", c.dialect)
	}

	sourceDriver, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	var m *migrate.Migrate
	switch c.dialect {
	case DialectPostgres:
		drv, err := postgres.WithInstance(c.db.DB, &postgres.Config{})
		if err != nil {
			return fmt.Errorf("failed to create postgres migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", sourceDriver, cfg.Database, drv)
		if err != nil {
			return fmt.Errorf("failed to create migrate instance: %w", err)
		}
	case DialectSQLite:
		drv, err := sqlite3.WithInstance(c.db.DB, &sqlite3.Config{})
		if err != nil {
			return fmt.Errorf("failed to create sqlite migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", sourceDriver, cfg.Database, drv)
		if err != nil {
			return fmt.Errorf("failed to create migrate instance: %w", err)
		}
	default:
		return fmt.Errorf("unsupported database dialect %q", c.dialect)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the migration source driver. We must NOT call m.Close()
	// because that also closes the database driver, which closes the shared
	// *sql.DB passed via WithInstance.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}

	return nil
}

// hasEmbeddedMigrations checks whether the embedded FS contains any .sql
// migration files for the dialect directory.
func hasEmbeddedMigrations(dir string) (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && len(entry.Name()) > 4 && entry.Name()[len(entry.Name())-4:] == ".sql" {
			return true, nil
		}
	}
	return false, nil
}
