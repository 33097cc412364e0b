package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/marcus/runlog/internal/config"
	"github.com/marcus/runlog/internal/models"
	"github.com/marcus/runlog/internal/oplog"
	"github.com/marcus/runlog/internal/workdir"
	"github.com/marcus/runlog/pkg/runlog"
)

// seedRoot writes one container with an attempt holding n unacknowledged
// operations.
func seedRoot(t *testing.T, n int) string {
	t.Helper()
	root := t.TempDir()
	dir := workdir.OfflineContainer(root, "local-1")
	if _, err := config.Ensure(dir, &config.Container{Kind: config.KindRun, Project: "vision", LocalID: "local-1", Mode: config.ModeOffline}); err != nil {
		t.Fatal(err)
	}
	s, err := oplog.Open(filepath.Join(dir, oplog.NewAttemptID(time.Now())), oplog.Options{})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		ops, _ := models.EncodeValue(models.MustPath("x"), i)
		if _, err := s.Append(ops[0]); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestFetchDataAndRows(t *testing.T) {
	root := seedRoot(t, 3)
	msg := FetchData(root)
	if msg.Err != nil {
		t.Fatalf("fetch: %v", msg.Err)
	}
	rows := buildRows(msg.Containers)
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	r := rows[0]
	if r.Entity != "offline/local-1" || r.State != "pending" || r.Put != 3 || r.Acked != 0 {
		t.Fatalf("row: %+v", r)
	}
	if pending, _ := totals(rows); pending != 3 {
		t.Fatalf("pending = %d", pending)
	}
}

func TestBuildRowsLiveFirst(t *testing.T) {
	now := time.Now()
	containers := []runlog.ContainerStatus{
		{QualifiedID: "w/p/P-1", Attempts: []runlog.AttemptStatus{
			{Name: "exec-old", Started: now.Add(-time.Hour), Pending: 1, Stats: oplog.Stats{LastPut: 1}},
		}},
		{QualifiedID: "w/p/P-2", Attempts: []runlog.AttemptStatus{
			{Name: "exec-live", Started: now.Add(-2 * time.Hour), Stats: oplog.Stats{Locked: true}},
		}},
		{Dir: "/broken", Error: "bad container.json"},
	}
	rows := buildRows(containers)
	if len(rows) != 3 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[0].Entity != "w/p/P-2" || rows[0].State != "caught-up" {
		t.Fatalf("first row should be the live attempt: %+v", rows[0])
	}
	if rows[2].State != "error" || rows[2].Entity != "/broken" {
		t.Fatalf("error row: %+v", rows[2])
	}
}

func TestModelUpdateAndView(t *testing.T) {
	root := seedRoot(t, 2)
	m := NewModel(root, time.Second, "v1.2.3", nil)

	updated, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 30})
	m = updated.(Model)
	updated, _ = m.Update(FetchData(root))
	m = updated.(Model)

	view := m.View()
	for _, want := range []string{"runlog monitor", "v1.2.3", "offline/local-1", "2 operations pending", "Attempts (1)"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
	if strings.Contains(view, "sync now") {
		t.Error("sync key shown without a sync function")
	}

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("q should quit")
	}
}

func TestModelEmptyRoot(t *testing.T) {
	m := NewModel(t.TempDir(), time.Second, "", nil)
	updated, _ := m.Update(FetchData(m.Root))
	view := updated.(Model).View()
	if !strings.Contains(view, "Everything is synchronised") {
		t.Fatalf("view:\n%s", view)
	}
}

func TestModelSync(t *testing.T) {
	calls := 0
	fn := func(ctx context.Context) (string, error) {
		calls++
		if calls > 1 {
			return "", errors.New("server unreachable")
		}
		return "Synchronised 1 container", nil
	}
	m := NewModel(t.TempDir(), time.Second, "", fn)

	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("s")})
	m = updated.(Model)
	if !m.syncing || cmd == nil {
		t.Fatal("s should start a sync")
	}
	if !strings.Contains(m.View(), "syncing") {
		t.Fatal("view should show the spinner line")
	}
	// A second press while syncing is ignored.
	if _, again := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("s")}); again != nil {
		t.Fatal("second sync started")
	}

	updated, _ = m.Update(cmd())
	m = updated.(Model)
	if m.syncing || !strings.Contains(m.View(), "Synchronised 1 container") {
		t.Fatalf("after sync:\n%s", m.View())
	}

	updated, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("s")})
	updated, _ = updated.(Model).Update(cmd())
	if !strings.Contains(updated.(Model).View(), "server unreachable") {
		t.Fatal("sync error not shown")
	}
}
