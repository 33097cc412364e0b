package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/marcus/runlog/internal/api"
	"github.com/marcus/runlog/internal/config"
	"github.com/marcus/runlog/internal/serverdb"
	"github.com/marcus/runlog/internal/syncconfig"
	"github.com/marcus/runlog/pkg/runlog"
)

// isolate points the config file at a temp home and clears RUNLOG_* overrides.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	for _, kv := range os.Environ() {
		if k, _, _ := strings.Cut(kv, "="); strings.HasPrefix(k, "RUNLOG_") {
			t.Setenv(k, "")
			os.Unsetenv(k)
		}
	}
}

// execute runs the root command with args and returns what it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		resetFlags(rootCmd)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if f.Changed {
			f.Value.Set(f.DefValue)
			f.Changed = false
		}
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func startServer(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	store, err := serverdb.Open(filepath.Join(dir, "server.db"))
	if err != nil {
		t.Fatalf("open server db: %v", err)
	}
	srv, err := api.NewServer(api.Config{ProjectDataDir: filepath.Join(dir, "projects")}, store)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Shutdown(context.Background())
		store.Close()
	})
	return ts.URL
}

// writeOfflineRun leaves an offline run with n pending operations under dir.
func writeOfflineRun(t *testing.T, dir string, n int) {
	t.Helper()
	c, err := runlog.NewClient(runlog.Config{BaseDir: dir, Workspace: "team", Mode: config.ModeOffline})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ctx := context.Background()
	s, err := c.InitRun(ctx, runlog.RunOptions{Project: "vision"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		if err := s.Attr("train/loss").Log(float64(i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{" warn ", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", 0, true},
	}
	for _, tt := range tests {
		got, err := parseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseLevel(%q) err = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestInvalidLogLevelFails(t *testing.T) {
	isolate(t)
	if _, err := execute(t, "status", "--path", t.TempDir(), "--log-level", "loud"); err == nil {
		t.Fatal("expected error for bad log level")
	}
}

func TestLogFileIsWritten(t *testing.T) {
	isolate(t)
	logFile := filepath.Join(t.TempDir(), "runlog.log")
	if _, err := execute(t, "status", "--path", t.TempDir(), "--log-level", "debug", "--log-file", logFile); err != nil {
		t.Fatal(err)
	}
	slog.Debug("probe", "k", "v")
	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("log file: %v", err)
	}
	if !strings.Contains(string(data), "msg=probe") {
		t.Errorf("log file missing record: %q", data)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func TestStatusEmpty(t *testing.T) {
	isolate(t)
	out, err := execute(t, "status", "--path", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Everything is synchronised") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestStatusJSON(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	writeOfflineRun(t, dir, 3)

	out, err := execute(t, "status", "--path", dir, "--format", "json")
	if err != nil {
		t.Fatal(err)
	}
	var got []runlog.ContainerStatus
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(got) != 1 || got[0].Registered || len(got[0].Attempts) != 1 {
		t.Fatalf("unexpected status: %+v", got)
	}
	if a := got[0].Attempts[0]; a.Pending != 3 || a.LastPut != 3 || a.State() != "pending" {
		t.Errorf("attempt: %+v", a)
	}
}

func TestStatusRejectsUnknownFormat(t *testing.T) {
	isolate(t)
	if _, err := execute(t, "status", "--path", t.TempDir(), "--format", "xml"); err == nil {
		t.Fatal("expected error for xml format")
	}
}

func TestSyncCommandRegistersOfflineRun(t *testing.T) {
	isolate(t)
	t.Setenv("RUNLOG_WORKSPACE", "team")
	url := startServer(t)
	dir := t.TempDir()
	writeOfflineRun(t, dir, 5)

	out, err := execute(t, "sync", "--path", dir, "--server", url)
	if err != nil {
		t.Fatalf("sync: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Synchronising ") || !strings.Contains(out, "Synchronised team/vision/VISION-1") {
		t.Errorf("unexpected output: %q", out)
	}

	status, err := runlog.LocalStatus(filepath.Join(dir, ".runlog"))
	if err != nil {
		t.Fatal(err)
	}
	if len(status) != 0 {
		t.Errorf("expected data root to be drained, got %+v", status)
	}
}

func TestSyncCommandFailsWhenServerUnreachable(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	writeOfflineRun(t, dir, 1)

	// Nothing listens on the closed server's address.
	ts := httptest.NewServer(nil)
	dead := ts.URL
	ts.Close()

	out, err := execute(t, "sync", "--path", dir, "--server", dead)
	if err == nil {
		t.Fatalf("expected failure, got output %q", out)
	}
	if !strings.Contains(out, "Failed ") {
		t.Errorf("missing failure line: %q", out)
	}
}

func TestWarnSkipped(t *testing.T) {
	var buf bytes.Buffer
	warnSkipped(&buf, &runlog.PassReport{Containers: []runlog.ContainerResult{{
		Attempts: []runlog.AttemptResult{{Dir: "/x/exec-1", Skipped: true}, {Dir: "/x/exec-2"}},
	}}})
	if got := buf.String(); got != "Skipped /x/exec-1: held by a live session\n" {
		t.Errorf("got %q", got)
	}
	warnSkipped(&buf, nil)
}

func TestFormatValue(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 6000000, time.UTC)
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"plain", "plain"},
		{0.5, "0.5"},
		{true, "true"},
		{ts, "2024-01-02T03:04:05.006Z"},
		{[]string{"a", "b"}, `["a","b"]`},
	}
	for _, tt := range tests {
		if got := formatValue(tt.in); got != tt.want {
			t.Errorf("formatValue(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidateInit(t *testing.T) {
	tests := []struct {
		cfg     syncconfig.Config
		wantErr bool
	}{
		{syncconfig.Config{ServerURL: "http://localhost:8080/", Mode: "async"}, false},
		{syncconfig.Config{ServerURL: "", Mode: "offline"}, false},
		{syncconfig.Config{ServerURL: "localhost:8080", Mode: "async"}, true},
		{syncconfig.Config{ServerURL: "https://x.example", Mode: "eventually"}, true},
		{syncconfig.Config{ServerURL: "https://x.example", Mode: "sync", PollInterval: "soon"}, true},
	}
	for _, tt := range tests {
		cfg := tt.cfg
		err := validateInit(&cfg)
		if (err != nil) != tt.wantErr {
			t.Errorf("validateInit(%+v) err = %v", tt.cfg, err)
		}
	}
}

func TestInitNonInteractive(t *testing.T) {
	isolate(t)
	out, err := execute(t, "init", "--yes", "--path", t.TempDir(),
		"--server", "http://runlog.example:9000/", "--workspace", "team", "--project", "vision", "--mode", "sync")
	if err != nil {
		t.Fatalf("init: %v\n%s", err, out)
	}

	cfg, err := syncconfig.LoadFile()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerURL != "http://runlog.example:9000" || cfg.Workspace != "team" || cfg.Project != "vision" || cfg.Mode != "sync" {
		t.Errorf("saved config: %+v", cfg)
	}
}

func TestVersionShort(t *testing.T) {
	SetVersion("v1.2.3")
	out, err := execute(t, "version", "--short")
	if err != nil || out != "v1.2.3" {
		t.Errorf("version = %q, %v", out, err)
	}
}

func TestUnknownFlagSuggestions(t *testing.T) {
	isolate(t)
	_, err := execute(t, "status", "--json")
	if err == nil || !strings.Contains(err.Error(), "--format json") {
		t.Errorf("expected hint, got %v", err)
	}
	_, err = execute(t, "sync", "--projct", "vision")
	if err == nil || !strings.Contains(err.Error(), "did you mean --project") {
		t.Errorf("expected suggestion, got %v", err)
	}
}
