// Package database stores update checks and install attempts in SQLite.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/ontree-co/treemon/internal/logging"
	"github.com/ontree-co/treemon/internal/migrations"
)

var db *sql.DB

// GetDB returns the database opened by Initialize.
func GetDB() *sql.DB {
	return db
}

// Initialize opens the database at dbPath in WAL mode and applies
// migrations.
func Initialize(dbPath string) error {
	conn, err := Open(context.Background(), dbPath)
	if err != nil {
		return err
	}
	db = conn
	logging.Infof("Database initialized successfully at %s", dbPath)
	return nil
}

// Open opens and migrates a database without touching the package-level
// handle.
func Open(ctx context.Context, dbPath string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", dbPath)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close() //nolint:errcheck,gosec // Already failing
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrations.Run(ctx, conn); err != nil {
		conn.Close() //nolint:errcheck,gosec // Already failing
		return nil, err
	}
	return conn, nil
}

// Checkpoint flushes the WAL into the main database file. It runs before a
// restart so the new binary starts from a consistent file.
func Checkpoint() {
	if db == nil {
		return
	}
	if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		logging.Warnf("Failed to checkpoint WAL: %v", err)
	}
}

// Close closes the database opened by Initialize.
func Close() error {
	if db != nil {
		err := db.Close()
		db = nil
		return err
	}
	return nil
}
