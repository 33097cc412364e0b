// Package serverdb is the entity registry of runlog-server: projects, their
// runs and the short ids clients print after a sync.
package serverdb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a project or entity does not exist.
var ErrNotFound = errors.New("not found")

// registry pragmas; the first two must succeed.
var pragmas = []struct {
	stmt     string
	required bool
}{
	{"PRAGMA journal_mode=WAL", true},
	{"PRAGMA busy_timeout=5000", true},
	{"PRAGMA synchronous=NORMAL", false},
	{"PRAGMA foreign_keys=ON", false},
}

// ServerDB is the registry database. All writes go through one connection.
type ServerDB struct {
	conn *sql.DB
	path string
}

// Open opens (creating if needed) the registry at dbPath and brings its
// schema up to ServerSchemaVersion. ":memory:" is accepted for tests.
func Open(dbPath string) (*ServerDB, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create registry dir: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	conn.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil && p.required {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", p.stmt, err)
		}
	}

	if _, err := conn.Exec(serverSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	db := &ServerDB{conn: conn, path: dbPath}
	if _, err := db.RunMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// Ping checks the database connection is alive.
func (db *ServerDB) Ping() error {
	return db.conn.Ping()
}

// Close checkpoints the WAL and closes the database connection.
func (db *ServerDB) Close() error {
	db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return db.conn.Close()
}

// RunMigrations applies the migrations newer than the stored schema version,
// each with its version bump in one transaction. It returns how many ran.
func (db *ServerDB) RunMigrations() (int, error) {
	current := db.schemaVersion()
	if current >= ServerSchemaVersion {
		return 0, nil
	}

	ran := 0
	for _, m := range Migrations {
		if m.Version <= current {
			continue
		}
		err := db.withTx(func(tx *sql.Tx) error {
			if _, err := tx.Exec(m.SQL); err != nil {
				return err
			}
			return setSchemaVersion(tx, m.Version)
		})
		if err != nil {
			return ran, fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		ran++
	}

	// fresh registries created by serverSchema have no migrations to record
	if current == 0 && ran == 0 {
		return 0, db.withTx(func(tx *sql.Tx) error {
			return setSchemaVersion(tx, ServerSchemaVersion)
		})
	}
	return ran, nil
}

func (db *ServerDB) schemaVersion() int {
	var s string
	if err := db.conn.QueryRow(`SELECT value FROM schema_info WHERE key = 'version'`).Scan(&s); err != nil {
		return 0
	}
	v, _ := strconv.Atoi(s)
	return v
}

func setSchemaVersion(tx *sql.Tx, version int) error {
	_, err := tx.Exec(`INSERT OR REPLACE INTO schema_info (key, value) VALUES ('version', ?)`,
		strconv.Itoa(version))
	return err
}

// generateID returns prefix followed by 16 hex chars of a random uuid.
func generateID(prefix string) (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return prefix + strings.ReplaceAll(u.String(), "-", "")[:16], nil
}

// withTx runs fn in a transaction, committing when it returns nil.
func (db *ServerDB) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
