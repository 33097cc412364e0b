// Package attrstore applies operations to entity attributes on the server and
// answers fetch queries. One database holds every entity of a project.
package attrstore

import (
	"database/sql"
	"fmt"
)

// Init creates the attribute tables and indexes if they don't exist.
func Init(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS applied_ops (
			entity_id   TEXT NOT NULL,
			attempt_id  TEXT NOT NULL,
			version     INTEGER NOT NULL,
			kind        TEXT NOT NULL,
			path        TEXT NOT NULL,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (entity_id, attempt_id, version)
		);
		CREATE TABLE IF NOT EXISTS attributes (
			entity_id   TEXT NOT NULL,
			path        TEXT NOT NULL,
			type        TEXT NOT NULL,
			value       TEXT,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (entity_id, path)
		);
		CREATE TABLE IF NOT EXISTS series_points (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_id   TEXT NOT NULL,
			path        TEXT NOT NULL,
			step        REAL NOT NULL,
			ts          INTEGER NOT NULL,
			value       TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS set_members (
			entity_id   TEXT NOT NULL,
			path        TEXT NOT NULL,
			member      TEXT NOT NULL,
			PRIMARY KEY (entity_id, path, member)
		);
		CREATE TABLE IF NOT EXISTS file_blobs (
			entity_id   TEXT NOT NULL,
			path        TEXT NOT NULL,
			name        TEXT NOT NULL,
			ext         TEXT NOT NULL DEFAULT '',
			data        BLOB NOT NULL,
			PRIMARY KEY (entity_id, path, name)
		);
		CREATE INDEX IF NOT EXISTS idx_series_points_path ON series_points(entity_id, path, seq);
	`)
	if err != nil {
		return fmt.Errorf("init attribute store: %w", err)
	}
	return nil
}
