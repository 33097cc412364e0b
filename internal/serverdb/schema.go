package serverdb

// ServerSchemaVersion is the current server database schema version
const ServerSchemaVersion = 2

const serverSchema = `
-- Projects table
CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY,
    workspace TEXT NOT NULL,
    name TEXT UNIQUE NOT NULL,
    key TEXT UNIQUE NOT NULL,
    run_counter INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Entities table: runs and the per-project entity
CREATE TABLE IF NOT EXISTS entities (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    kind TEXT NOT NULL CHECK(kind IN ('run', 'project')),
    short_id TEXT UNIQUE NOT NULL,
    custom_run_id TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);

-- Schema info table
CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_entities_project ON entities(project_id, kind);
`

// Migration defines a server database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations is the list of all server database migrations in order
var Migrations = []Migration{
	// Version 1 is the initial schema - no migration needed
	{
		Version:     2,
		Description: "Make custom run ids unique per project",
		SQL: `CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_custom_run
			ON entities(project_id, custom_run_id) WHERE custom_run_id IS NOT NULL;`,
	},
}
