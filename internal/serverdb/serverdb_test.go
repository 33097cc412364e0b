package serverdb

import (
	"errors"
	"strings"
	"testing"
)

func newTestDB(t *testing.T) *ServerDB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// --- Project tests ---

func TestCreateProject(t *testing.T) {
	db := newTestDB(t)
	p, created, err := db.CreateProject("team", "sandbox")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if !created {
		t.Error("expected created=true")
	}
	if !strings.HasPrefix(p.ID, "p_") {
		t.Errorf("unexpected id prefix: %s", p.ID)
	}
	if p.Key != "SANDBO" {
		t.Errorf("key: got %s", p.Key)
	}

	ent, err := db.ProjectEntity(p.ID)
	if err != nil {
		t.Fatalf("project entity: %v", err)
	}
	if ent.Kind != KindProject || ent.ShortID != p.Key {
		t.Errorf("project entity: %+v", ent)
	}
}

func TestCreateProjectIdempotent(t *testing.T) {
	db := newTestDB(t)
	a, _, err := db.CreateProject("team", "exp")
	if err != nil {
		t.Fatal(err)
	}
	b, created, err := db.CreateProject("team", "exp")
	if err != nil {
		t.Fatal(err)
	}
	if created || a.ID != b.ID {
		t.Fatalf("second create: created=%v id %s vs %s", created, b.ID, a.ID)
	}
}

func TestCreateProjectEmptyName(t *testing.T) {
	db := newTestDB(t)
	if _, _, err := db.CreateProject("team", "  "); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestProjectKeyCollision(t *testing.T) {
	db := newTestDB(t)
	a, _, _ := db.CreateProject("w", "mnist")
	b, _, err := db.CreateProject("w", "MNIST!")
	if err != nil {
		t.Fatal(err)
	}
	if a.Key != "MNIST" || b.Key != "MNIST2" {
		t.Fatalf("keys: %s %s", a.Key, b.Key)
	}
}

func TestProjectKey(t *testing.T) {
	tests := []struct {
		name, want string
	}{
		{"sandbox", "SANDBO"},
		{"my-exp 2", "MYEXP2"},
		{"ab", "AB"},
		{"---", "RUN"},
		{"über", "BER"},
	}
	for _, tt := range tests {
		if got := projectKey(tt.name); got != tt.want {
			t.Errorf("projectKey(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestGetProjectByNameOrID(t *testing.T) {
	db := newTestDB(t)
	p, _, _ := db.CreateProject("w", "lookup")

	for _, ref := range []string{p.ID, "lookup"} {
		got, err := db.GetProject(ref)
		if err != nil {
			t.Fatalf("get %s: %v", ref, err)
		}
		if got.ID != p.ID || got.Workspace != "w" {
			t.Errorf("get %s: %+v", ref, got)
		}
	}

	_, err := db.GetProject("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListProjects(t *testing.T) {
	db := newTestDB(t)
	db.CreateProject("w", "one")
	db.CreateProject("w", "two")
	ps, err := db.ListProjects()
	if err != nil {
		t.Fatal(err)
	}
	if len(ps) != 2 {
		t.Fatalf("expected 2 projects, got %d", len(ps))
	}
}

// --- Run tests ---

func TestCreateRunShortIDs(t *testing.T) {
	db := newTestDB(t)
	p, _, _ := db.CreateProject("w", "sand")

	for i, want := range []string{"SAND-1", "SAND-2", "SAND-3"} {
		e, created, err := db.CreateRun(p.ID, "")
		if err != nil {
			t.Fatalf("create run %d: %v", i, err)
		}
		if !created || e.ShortID != want || e.Kind != KindRun {
			t.Errorf("run %d: %+v created=%v", i, e, created)
		}
	}

	runs, err := db.ListRuns(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
}

func TestCreateRunCustomIDIdempotent(t *testing.T) {
	db := newTestDB(t)
	p, _, _ := db.CreateProject("w", "sand")

	a, created, err := db.CreateRun(p.ID, "job-42")
	if err != nil || !created {
		t.Fatalf("first: %v created=%v", err, created)
	}
	b, created, err := db.CreateRun(p.ID, "job-42")
	if err != nil {
		t.Fatal(err)
	}
	if created || b.ID != a.ID || b.ShortID != a.ShortID {
		t.Fatalf("second: %+v created=%v", b, created)
	}

	c, _, _ := db.CreateRun(p.ID, "")
	if c.ShortID != "SAND-2" {
		t.Errorf("counter advanced on idempotent create: %s", c.ShortID)
	}
}

func TestCreateRunUnknownProject(t *testing.T) {
	db := newTestDB(t)
	_, _, err := db.CreateRun("p_missing", "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveRun(t *testing.T) {
	db := newTestDB(t)
	p, _, _ := db.CreateProject("w", "sand")
	e, _, _ := db.CreateRun(p.ID, "custom")

	for _, ref := range []string{e.ID, e.ShortID, "custom"} {
		got, err := db.ResolveRun(p.ID, ref)
		if err != nil {
			t.Fatalf("resolve %s: %v", ref, err)
		}
		if got.ID != e.ID || got.CustomRunID != "custom" {
			t.Errorf("resolve %s: %+v", ref, got)
		}
	}

	// The project entity is not a run.
	if _, err := db.ResolveRun(p.ID, p.Key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for project key, got %v", err)
	}
}

func TestGetEntity(t *testing.T) {
	db := newTestDB(t)
	p, _, _ := db.CreateProject("w", "sand")
	e, _, _ := db.CreateRun(p.ID, "")

	got, err := db.GetEntity(e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ProjectID != p.ID || got.CustomRunID != "" {
		t.Errorf("entity: %+v", got)
	}
	if _, err := db.GetEntity("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMigrationsRecorded(t *testing.T) {
	db := newTestDB(t)
	if v := db.schemaVersion(); v != ServerSchemaVersion {
		t.Fatalf("schema version: got %d want %d", v, ServerSchemaVersion)
	}
	n, err := db.RunMigrations()
	if err != nil || n != 0 {
		t.Fatalf("rerun migrations: n=%d err=%v", n, err)
	}
}
