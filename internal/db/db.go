// Package db opens the audit database and applies its migrations.
package db

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds database connection settings
type Config struct {
	Driver string

	// PostgreSQL
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	Schema   string
	SSLMode  string

	// SQLite; ":memory:" keeps the audit trail in process
	Path string
}

var schemaName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Open connects to the configured database and runs migrations
func Open(cfg Config) (*sql.DB, error) {
	switch cfg.Driver {
	case DriverPostgres:
		return connectPostgres(cfg)
	case DriverSQLite:
		return connectSQLite(cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func connectPostgres(cfg Config) (*sql.DB, error) {
	if !schemaName.MatchString(cfg.Schema) {
		return nil, fmt.Errorf("invalid schema name %q", cfg.Schema)
	}

	// search_path in the DSN applies to every pooled connection
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s search_path=%s,public",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.Name,
		cfg.SSLMode,
		cfg.Schema,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Create schema if it doesn't exist
	if _, err := db.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", cfg.Schema)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	slog.Info("postgres connection established", "database", cfg.Name, "schema", cfg.Schema)
	return db, nil
}

func connectSQLite(cfg Config) (*sql.DB, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dsn += "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("sqlite database opened", "path", path)
	return db, nil
}

func runMigrations(db *sql.DB) error {
	migrations := []string{
		// Timestamps are RFC 3339 text so both drivers share the schema.
		`CREATE TABLE IF NOT EXISTS session_audit (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			source TEXT,
			total_frames INTEGER NOT NULL DEFAULT 0,
			objects_count INTEGER NOT NULL DEFAULT 0,
			frames_processed INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			closed_at TEXT
		)`,

		`CREATE INDEX IF NOT EXISTS idx_session_audit_created_at ON session_audit(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_session_audit_status ON session_audit(status)`,
	}

	for i, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	slog.Debug("migrations completed", "count", len(migrations))
	return nil
}
