package archive

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// schemaVersion is bumped whenever the archive.db DDL changes.
const schemaVersion = 1

// openDB opens path with WAL, foreign-key enforcement, and a busy
// timeout.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate archive schema: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER NOT NULL,
			applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	err = tx.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read schema_version: %w", err)
	}
	if current >= schemaVersion {
		return tx.Commit()
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS events (
			event_hash   TEXT PRIMARY KEY,
			parent_hash  TEXT,
			sequence     INTEGER NOT NULL,
			timestamp    TEXT NOT NULL,
			session_key  TEXT NOT NULL,
			event_type   TEXT NOT NULL,
			agent_id     TEXT NOT NULL,
			model        TEXT,
			channel      TEXT,
			peer         TEXT,
			payload_file TEXT NOT NULL,
			payload_line INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := tx.Exec(ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_key, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_events_time ON events(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_events_agent ON events(agent_id, timestamp)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_sequence ON events(sequence)`,
	}
	for _, ddl := range indexes {
		if _, err := tx.Exec(ddl); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	// FTS5 mirror over the only interpreted payload field (`text`):
	// archive payloads stay opaque JSON except for mirroring selected
	// fields into full-text search.
	if _, err := tx.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS events_fts USING fts5(
			event_hash UNINDEXED,
			text
		)
	`); err != nil {
		return fmt.Errorf("create events_fts: %w", err)
	}

	if current == 0 {
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
	} else {
		if _, err := tx.Exec("UPDATE schema_version SET version = ?", schemaVersion); err != nil {
			return fmt.Errorf("bump schema version: %w", err)
		}
	}

	return tx.Commit()
}
