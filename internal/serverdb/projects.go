package serverdb

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Project represents a tracking project. Key prefixes the short ids of its runs.
type Project struct {
	ID         string
	Workspace  string
	Name       string
	Key        string
	RunCounter int64
	CreatedAt  time.Time
}

const projectColumns = `id, workspace, name, key, run_counter, created_at`

func scanProject(row interface{ Scan(...any) error }) (*Project, error) {
	p := &Project{}
	if err := row.Scan(&p.ID, &p.Workspace, &p.Name, &p.Key, &p.RunCounter, &p.CreatedAt); err != nil {
		return nil, err
	}
	return p, nil
}

// CreateProject creates a project and its project-level entity in a single
// transaction. Creating a name that already exists returns the existing
// project with created=false.
func (db *ServerDB) CreateProject(workspace, name string) (p *Project, created bool, err error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false, fmt.Errorf("project name is required")
	}
	if workspace == "" {
		workspace = "default"
	}

	err = db.withTx(func(tx *sql.Tx) error {
		existing, err := scanProject(tx.QueryRow(`SELECT `+projectColumns+` FROM projects WHERE name = ?`, name))
		if err == nil {
			p = existing
			return nil
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("lookup project: %w", err)
		}

		id, err := generateID("p_")
		if err != nil {
			return fmt.Errorf("generate project id: %w", err)
		}
		key, err := uniqueKey(tx, projectKey(name))
		if err != nil {
			return err
		}
		now := time.Now().UTC()

		if _, err := tx.Exec(
			`INSERT INTO projects (id, workspace, name, key, run_counter, created_at) VALUES (?, ?, ?, ?, 0, ?)`,
			id, workspace, name, key, now,
		); err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO entities (id, project_id, kind, short_id, created_at) VALUES (?, ?, ?, ?, ?)`,
			uuid.NewString(), id, KindProject, key, now,
		); err != nil {
			return fmt.Errorf("insert project entity: %w", err)
		}
		p = &Project{ID: id, Workspace: workspace, Name: name, Key: key, CreatedAt: now}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return p, created, nil
}

// GetProject returns a project by id or name, or ErrNotFound.
func (db *ServerDB) GetProject(ref string) (*Project, error) {
	p, err := scanProject(db.conn.QueryRow(`SELECT `+projectColumns+` FROM projects WHERE id = ? OR name = ?`, ref, ref))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project %q: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// ListProjects returns all projects ordered by creation time.
func (db *ServerDB) ListProjects() ([]*Project, error) {
	rows, err := db.conn.Query(`SELECT ` + projectColumns + ` FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list projects: iterate: %w", err)
	}
	return projects, nil
}

// projectKey derives an upper-case key from the first letters and digits of name.
func projectKey(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
		if b.Len() == 6 {
			break
		}
	}
	if b.Len() == 0 {
		return "RUN"
	}
	return b.String()
}

// uniqueKey appends a counter to base until no project uses it.
func uniqueKey(tx *sql.Tx, base string) (string, error) {
	key := base
	for n := 2; ; n++ {
		var exists int
		err := tx.QueryRow(`SELECT COUNT(*) FROM projects WHERE key = ?`, key).Scan(&exists)
		if err != nil {
			return "", fmt.Errorf("check project key: %w", err)
		}
		if exists == 0 {
			return key, nil
		}
		key = base + strconv.Itoa(n)
	}
}
