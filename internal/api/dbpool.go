package api

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/marcus/runlog/internal/attrstore"
)

const attrDBName = "attributes.db"

// ProjectDBPool holds one attribute store per project, opened on first use
// and kept until CloseAll.
type ProjectDBPool struct {
	dataDir string

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// NewProjectDBPool creates a pool that keeps project stores under dataDir.
func NewProjectDBPool(dataDir string) *ProjectDBPool {
	return &ProjectDBPool{dataDir: dataDir, dbs: make(map[string]*sql.DB)}
}

// Open returns the attribute store of projectID, creating it (and the
// project directory) when it does not exist yet.
func (p *ProjectDBPool) Open(projectID string) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if db, ok := p.dbs[projectID]; ok {
		return db, nil
	}
	dir := filepath.Join(p.dataDir, projectID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create project dir: %w", err)
	}
	db, err := openAttrDB(filepath.Join(dir, attrDBName))
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", projectID, err)
	}
	p.dbs[projectID] = db
	openProjectStores.Set(float64(len(p.dbs)))
	return db, nil
}

// CloseAll checkpoints and closes every open store.
func (p *ProjectDBPool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, db := range p.dbs {
		db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		db.Close()
		delete(p.dbs, id)
	}
	openProjectStores.Set(0)
}

func openAttrDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer: arrival order per entity is apply order
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA synchronous=NORMAL"} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", stmt, err)
		}
	}
	if err := attrstore.Init(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init attribute store: %w", err)
	}
	return db, nil
}
