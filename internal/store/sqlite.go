// Package store implements the storage tiers on SQLite: working memory
// (tier 1), the knowledge graph (tier 2), development context (tier 3)
// and the append-only event log. Each tier owns one database file and
// one exclusive writer connection; degraded tiers fail their own
// operations without taking the others down.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"cortex/internal/logging"
	"cortex/internal/types"
)

const schemaVersion = 1

// open opens a SQLite database with the engine's standard pragmas and a
// single writer connection. The parent directory is created on demand.
func open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, types.NewError(types.KindStorageUnavailable, "create database directory", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, types.NewError(types.KindStorageUnavailable, "open database", err)
	}

	// Single connection: SQLite handles one writer, and one shared
	// connection keeps transactions and pragmas coherent.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, types.NewError(types.KindStorageUnavailable, pragma, err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, types.NewError(types.KindStorageUnavailable, "ping database", err)
	}

	logging.StoreDebug("Opened database %s", path)
	return db, nil
}

// ensureSchemaVersion creates the version marker table and verifies a
// stored version matches what this build expects.
func ensureSchemaVersion(db *sql.DB, name string) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_info (
		version INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_info: %w", err)
	}

	var stored int
	err := db.QueryRow("SELECT version FROM schema_info LIMIT 1").Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := db.Exec("INSERT INTO schema_info (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("stamp schema version: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case stored != schemaVersion:
		return types.Errorf(types.KindStorageUnavailable,
			"%s schema version %d, this build expects %d", name, stored, schemaVersion)
	default:
		return nil
	}
}

// applySchema runs each statement in order. Statements are written with
// IF NOT EXISTS so reapplication is harmless.
func applySchema(db *sql.DB, statements []string) error {
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w\nstatement: %s", err, strings.TrimSpace(stmt))
		}
	}
	return nil
}

// withRetry retries transient SQLite failures (locked/busy) with a short
// backoff ladder. Logical errors pass through untouched.
func withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := []time.Duration{50 * time.Millisecond, 250 * time.Millisecond, time.Second}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !isTransient(err) || attempt >= len(backoff) {
			return err
		}
		logging.StoreDebug("%s transient failure (attempt %d): %v", op, attempt+1, err)
		select {
		case <-ctx.Done():
			return types.NewError(types.KindCancelled, op, ctx.Err())
		case <-time.After(backoff[attempt]):
		}
	}
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// inTx runs fn inside a transaction, rolling back on error.
func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logging.Get(logging.CategoryStore).Error("rollback failed: %v (after %v)", rbErr, err)
		}
		return err
	}
	return tx.Commit()
}

// nowMillis is the storage clock, swappable in tests.
var nowMillis = func() int64 { return time.Now().UnixMilli() }

func millisToTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
