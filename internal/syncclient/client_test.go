package syncclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/marcus/runlog/internal/api"
	"github.com/marcus/runlog/internal/models"
	"github.com/marcus/runlog/internal/oplog"
	"github.com/marcus/runlog/internal/queue"
	"github.com/marcus/runlog/internal/serverdb"
	logsync "github.com/marcus/runlog/internal/sync"
)

func startServer(t *testing.T) *Client {
	t.Helper()
	return startServerWith(t, api.Config{})
}

func startServerWith(t *testing.T, cfg api.Config) *Client {
	t.Helper()
	dir := t.TempDir()
	store, err := serverdb.Open(filepath.Join(dir, "server.db"))
	if err != nil {
		t.Fatalf("open server db: %v", err)
	}
	cfg.ProjectDataDir = filepath.Join(dir, "projects")
	srv, err := api.NewServer(cfg, store)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Shutdown(context.Background())
		store.Close()
	})
	return New(ts.URL)
}

func newRun(t *testing.T, c *Client) *EntityResponse {
	t.Helper()
	ctx := context.Background()
	if _, err := c.CreateProject(ctx, "team", "vision"); err != nil {
		t.Fatalf("create project: %v", err)
	}
	run, err := c.CreateRun(ctx, "vision", "")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func rec(t *testing.T, v uint64, path string, val any) oplog.Record {
	t.Helper()
	ops, err := models.EncodeValue(models.MustPath(path), val)
	if err != nil {
		t.Fatal(err)
	}
	return oplog.Record{Version: v, Op: ops[0]}
}

func TestRegistryRoundTrip(t *testing.T) {
	c := startServer(t)
	ctx := context.Background()

	if h, err := c.HealthCheck(ctx); err != nil || h.Status != "ok" {
		t.Fatalf("health: %v %+v", err, h)
	}

	run := newRun(t, c)
	if got := run.QualifiedID(); got != "team/vision/VISION-1" {
		t.Fatalf("qualified id: %q", got)
	}

	again, err := c.GetRun(ctx, "vision", "VISION-1")
	if err != nil || again.ID != run.ID {
		t.Fatalf("get run: %v", err)
	}

	pe, err := c.GetProjectEntity(ctx, "vision")
	if err != nil || pe.Kind != "project" {
		t.Fatalf("project entity: %v %+v", err, pe)
	}

	_, err = c.GetProject(ctx, "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound || apiErr.Code != "not_found" {
		t.Fatalf("api error: %+v", apiErr)
	}
}

func TestApplyAndFetch(t *testing.T) {
	c := startServer(t)
	ctx := context.Background()
	run := newRun(t, c)
	target := logsync.Target{EntityID: run.ID, AttemptID: "exec-a"}

	// A set assignment encodes as ClearStringSet followed by AddStrings.
	setOps, err := models.EncodeValue(models.MustPath("sys/tags"), []string{"b", "a"})
	if err != nil {
		t.Fatal(err)
	}
	recs := []oplog.Record{
		rec(t, 1, "params/lr", 0.01),
		{Version: 2, Op: setOps[0]},
		{Version: 3, Op: setOps[1]},
	}

	acked, err := c.Apply(ctx, target, recs)
	if err != nil || acked != 3 {
		t.Fatalf("apply: %d %v", acked, err)
	}
	// Redelivery is a no-op that still acks.
	acked, err = c.Apply(ctx, target, recs)
	if err != nil || acked != 3 {
		t.Fatalf("reapply: %d %v", acked, err)
	}

	v, err := c.GetAttribute(ctx, run.ID, models.MustPath("params/lr"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := models.DecodeAtom(v.Type, v.Value)
	if err != nil || got != 0.01 {
		t.Fatalf("lr: %v %v", got, err)
	}

	tags, err := c.GetAttribute(ctx, run.ID, models.MustPath("sys/tags"))
	if err != nil || string(tags.Value) != `["a","b"]` {
		t.Fatalf("tags: %v %s", err, tags.Value)
	}

	attrs, err := c.ListAttributes(ctx, run.ID)
	if err != nil || len(attrs) != 2 {
		t.Fatalf("list: %v %+v", err, attrs)
	}

	_, err = c.GetAttribute(ctx, run.ID, models.MustPath("params/missing"))
	var mf *models.MissingFieldError
	if !errors.As(err, &mf) || mf.Path.String() != "params/missing" {
		t.Fatalf("expected MissingFieldError, got %v", err)
	}
}

func TestApplyRejection(t *testing.T) {
	c := startServer(t)
	ctx := context.Background()
	run := newRun(t, c)
	target := logsync.Target{EntityID: run.ID, AttemptID: "exec-a"}

	acked, err := c.Apply(ctx, target, []oplog.Record{
		rec(t, 1, "score", 1.5),
		rec(t, 2, "score", "high"),
	})
	if acked != 1 {
		t.Fatalf("acked = %d, want 1", acked)
	}
	var opErr *models.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %v", err)
	}
	if opErr.Version != 2 || opErr.Code != models.CodeTypeConflict || opErr.Path.String() != "score" {
		t.Fatalf("op error: %+v", opErr)
	}
	if models.IsRetryable(err) {
		t.Fatal("rejection must not be retryable")
	}
}

func TestApplyUnknownEntityIsPermanent(t *testing.T) {
	c := startServer(t)
	_, err := c.Apply(context.Background(), logsync.Target{EntityID: "gone", AttemptID: "x"}, []oplog.Record{rec(t, 7, "a", 1)})
	var opErr *models.OperationError
	if !errors.As(err, &opErr) || opErr.Version != 7 || opErr.Code != "not_found" {
		t.Fatalf("expected OperationError on first version, got %v", err)
	}
}

func TestEngineSplitsBatchesOverBodyLimit(t *testing.T) {
	c := startServerWith(t, api.Config{MaxBodyBytes: 8 << 10, MaxBatchOps: 1000})
	ctx := context.Background()
	run := newRun(t, c)

	q, err := queue.Open(t.TempDir(), oplog.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	for i := 0; i < 100; i++ {
		r := rec(t, 0, fmt.Sprintf("params/p%03d", i), strings.Repeat("v", 150))
		if _, err := q.Enqueue(r.Op); err != nil {
			t.Fatal(err)
		}
	}

	e := logsync.New(q, c, logsync.Target{EntityID: run.ID, AttemptID: "exec-big"}, logsync.Options{
		BatchSize:     100,
		MaxBatchBytes: 1 << 20,
	})
	if err := e.DrainOnce(ctx, 1); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if q.LastAcked() != 100 || e.Status().Skipped != 0 {
		t.Fatalf("acked %d skipped %d", q.LastAcked(), e.Status().Skipped)
	}
	attrs, err := c.ListAttributes(ctx, run.ID)
	if err != nil || len(attrs) != 100 {
		t.Fatalf("attributes: %d, %v", len(attrs), err)
	}

	// One operation larger than the limit is rejected on its own.
	huge := rec(t, 0, "notes", strings.Repeat("n", 16<<10))
	q.Enqueue(huge.Op)
	err = e.DrainOnce(ctx, 1)
	var opErr *models.OperationError
	if !errors.As(err, &opErr) || opErr.Version != 101 || opErr.Code != models.CodeTooLarge {
		t.Fatalf("oversized op: %v", err)
	}
	if q.LastAcked() != 100 {
		t.Fatalf("acked after rejection: %d", q.LastAcked())
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status    int
		body      string
		retryable bool
		sentinel  error
	}{
		{http.StatusInternalServerError, `{"error":{"code":"internal_error","message":"boom"}}`, true, nil},
		{http.StatusBadGateway, `<html>bad gateway</html>`, true, nil},
		{http.StatusTooManyRequests, `{"error":{"code":"rate_limited","message":"slow down"}}`, true, nil},
		{http.StatusRequestTimeout, ``, true, nil},
		{http.StatusNotFound, `{"error":{"code":"not_found","message":"x"}}`, false, ErrNotFound},
		{http.StatusConflict, `{"error":{"code":"wrong_type","message":"x"}}`, false, ErrConflict},
		{http.StatusBadRequest, `{"error":{"code":"bad_request","message":"x"}}`, false, nil},
		{http.StatusRequestEntityTooLarge, `{"error":{"code":"batch_too_large","message":"x"}}`, false, models.ErrBatchTooLarge},
		{http.StatusRequestEntityTooLarge, `request entity too large`, false, models.ErrBatchTooLarge},
	}
	for _, tt := range tests {
		err := classify(tt.status, []byte(tt.body))
		if models.IsRetryable(err) != tt.retryable {
			t.Errorf("%d: retryable = %v", tt.status, !tt.retryable)
		}
		if tt.sentinel != nil && !errors.Is(err, tt.sentinel) {
			t.Errorf("%d: want %v, got %v", tt.status, tt.sentinel, err)
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != tt.status {
			t.Errorf("%d: missing APIError in %v", tt.status, err)
		}
	}
}

func TestNetworkErrorIsRetryable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c := New(url)
	_, err := c.Apply(context.Background(), logsync.Target{EntityID: "e", AttemptID: "a"}, []oplog.Record{rec(t, 1, "a", 1)})
	if !models.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestDownloadFile(t *testing.T) {
	c := startServer(t)
	ctx := context.Background()
	run := newRun(t, c)

	op := models.Operation{Kind: models.OpUploadFile, Path: models.MustPath("report"),
		Files: []models.FileBlob{{Name: "report.json", Ext: "json", Data: []byte(`{"ok":true}`)}}}
	if _, err := c.Apply(ctx, logsync.Target{EntityID: run.ID, AttemptID: "a"}, []oplog.Record{{Version: 1, Op: op}}); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	ct, err := c.DownloadFile(ctx, run.ID, models.MustPath("report"), &buf)
	if err != nil {
		t.Fatal(err)
	}
	if ct != "application/json" || buf.String() != `{"ok":true}` {
		t.Fatalf("download: %q %q", ct, buf.String())
	}

	_, err = c.DownloadFile(ctx, run.ID, models.MustPath("nothing"), &buf)
	var mf *models.MissingFieldError
	if !errors.As(err, &mf) {
		t.Fatalf("expected MissingFieldError, got %v", err)
	}
}
