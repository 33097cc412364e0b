package serverdb

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entity kinds.
const (
	KindRun     = "run"
	KindProject = "project"
)

// Entity is a run or a project-level entity. Operations are applied to
// entities; ShortID is the human-readable handle (KEY-N for runs).
type Entity struct {
	ID          string
	ProjectID   string
	Kind        string
	ShortID     string
	CustomRunID string
	CreatedAt   time.Time
}

const entityColumns = `id, project_id, kind, short_id, COALESCE(custom_run_id, ''), created_at`

func scanEntity(row interface{ Scan(...any) error }) (*Entity, error) {
	e := &Entity{}
	if err := row.Scan(&e.ID, &e.ProjectID, &e.Kind, &e.ShortID, &e.CustomRunID, &e.CreatedAt); err != nil {
		return nil, err
	}
	return e, nil
}

// CreateRun allocates the next short id of the project and creates a run.
// With a non-empty customRunID the call is idempotent: an existing run with
// that custom id is returned with created=false.
func (db *ServerDB) CreateRun(projectID, customRunID string) (e *Entity, created bool, err error) {
	err = db.withTx(func(tx *sql.Tx) error {
		if customRunID != "" {
			existing, err := scanEntity(tx.QueryRow(
				`SELECT `+entityColumns+` FROM entities WHERE project_id = ? AND custom_run_id = ?`,
				projectID, customRunID,
			))
			if err == nil {
				e = existing
				return nil
			}
			if err != sql.ErrNoRows {
				return fmt.Errorf("lookup custom run id: %w", err)
			}
		}

		var key string
		var counter int64
		err := tx.QueryRow(`UPDATE projects SET run_counter = run_counter + 1 WHERE id = ? RETURNING key, run_counter`, projectID).
			Scan(&key, &counter)
		if err == sql.ErrNoRows {
			return fmt.Errorf("project %q: %w", projectID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("allocate run number: %w", err)
		}

		now := time.Now().UTC()
		e = &Entity{
			ID:          uuid.NewString(),
			ProjectID:   projectID,
			Kind:        KindRun,
			ShortID:     fmt.Sprintf("%s-%d", key, counter),
			CustomRunID: customRunID,
			CreatedAt:   now,
		}
		var custom any
		if customRunID != "" {
			custom = customRunID
		}
		if _, err := tx.Exec(
			`INSERT INTO entities (id, project_id, kind, short_id, custom_run_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, e.ProjectID, e.Kind, e.ShortID, custom, now,
		); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return e, created, nil
}

// GetEntity returns an entity by id, or ErrNotFound.
func (db *ServerDB) GetEntity(id string) (*Entity, error) {
	e, err := scanEntity(db.conn.QueryRow(`SELECT `+entityColumns+` FROM entities WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("entity %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return e, nil
}

// ResolveRun finds a run of the project by id, short id or custom run id.
func (db *ServerDB) ResolveRun(projectID, ref string) (*Entity, error) {
	e, err := scanEntity(db.conn.QueryRow(
		`SELECT `+entityColumns+` FROM entities
		 WHERE project_id = ? AND kind = 'run' AND (id = ? OR short_id = ? OR custom_run_id = ?)
		 LIMIT 1`,
		projectID, ref, ref, ref,
	))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %q: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve run: %w", err)
	}
	return e, nil
}

// ProjectEntity returns the project-level entity of a project.
func (db *ServerDB) ProjectEntity(projectID string) (*Entity, error) {
	e, err := scanEntity(db.conn.QueryRow(
		`SELECT `+entityColumns+` FROM entities WHERE project_id = ? AND kind = 'project'`, projectID,
	))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project entity %q: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get project entity: %w", err)
	}
	return e, nil
}

// ListRuns returns the runs of a project in creation order.
func (db *ServerDB) ListRuns(projectID string) ([]*Entity, error) {
	rows, err := db.conn.Query(
		`SELECT `+entityColumns+` FROM entities WHERE project_id = ? AND kind = 'run' ORDER BY created_at, short_id`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: iterate: %w", err)
	}
	return runs, nil
}
