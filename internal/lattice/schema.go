package lattice

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const schemaVersion = 1

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open soul db: %w", err)
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
		return nil, fmt.Errorf("migrate soul schema: %w", err)
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
		`CREATE TABLE IF NOT EXISTS nodes (
			node_id        TEXT PRIMARY KEY,
			node_type      TEXT NOT NULL,
			premise        TEXT NOT NULL,
			status         TEXT NOT NULL,
			created_by     TEXT NOT NULL,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,
			salience       REAL NOT NULL DEFAULT 0,
			valence        REAL NOT NULL DEFAULT 0,
			arousal        REAL NOT NULL DEFAULT 0,
			commitment     REAL NOT NULL DEFAULT 0,
			uncertainty    REAL NOT NULL DEFAULT 0,
			resonance      REAL NOT NULL DEFAULT 0,
			spatial_name   TEXT,
			spatial_lat    REAL,
			spatial_lng    REAL,
			temporal_start TEXT,
			temporal_end   TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS edges (
			edge_id    TEXT PRIMARY KEY,
			source_id  TEXT NOT NULL REFERENCES nodes(node_id),
			target_id  TEXT NOT NULL REFERENCES nodes(node_id),
			relation   TEXT NOT NULL,
			strength   REAL NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS evidence (
			node_id    TEXT NOT NULL REFERENCES nodes(node_id),
			event_hash TEXT NOT NULL,
			link_type  TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (node_id, event_hash, link_type)
		)`,
	}
	for _, ddl := range tables {
		if _, err := tx.Exec(ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_nodes_salience ON nodes(salience DESC, updated_at DESC, node_id ASC)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_status ON nodes(status)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_id)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_id)`,
		`CREATE INDEX IF NOT EXISTS idx_evidence_node ON evidence(node_id)`,
	}
	for _, ddl := range indexes {
		if _, err := tx.Exec(ddl); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	if _, err := tx.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS nodes_fts USING fts5(
			node_id UNINDEXED,
			premise
		)
	`); err != nil {
		return fmt.Errorf("create nodes_fts: %w", err)
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
