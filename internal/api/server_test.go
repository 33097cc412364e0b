package api

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/marcus/runlog/internal/models"
	"github.com/marcus/runlog/internal/oplog"
	"github.com/marcus/runlog/internal/serverdb"
	_ "modernc.org/sqlite"
)

// newTestServer creates a Server backed by temp directories for testing.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestServerWithConfig(t, nil)
}

// newTestServerWithConfig creates a test server with a custom config modifier.
func newTestServerWithConfig(t *testing.T, modCfg func(*Config)) *Server {
	t.Helper()
	tmpDir := t.TempDir()

	dbPath := filepath.Join(tmpDir, "server.db")
	store, err := serverdb.Open(dbPath)
	if err != nil {
		t.Fatalf("open server db: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	projectDir := filepath.Join(tmpDir, "projects")
	if err := os.MkdirAll(projectDir, 0755); err != nil {
		t.Fatalf("create project dir: %v", err)
	}

	cfg := Config{
		ListenAddr:     ":0",
		ServerDBPath:   dbPath,
		ProjectDataDir: projectDir,
		MaxBatchOps:    1000,
	}
	if modCfg != nil {
		modCfg(&cfg)
	}

	srv, err := NewServer(cfg, store)
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	t.Cleanup(func() {
		srv.cancel()
		srv.dbPool.CloseAll()
	})
	return srv
}

func doRequest(srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

// createRun creates a project and a run, returning the run.
func createRun(t *testing.T, srv *Server, project string) EntityResponse {
	t.Helper()
	w := doRequest(srv, "POST", "/v1/projects", CreateProjectRequest{Workspace: "team", Name: project})
	if w.Code != http.StatusCreated && w.Code != http.StatusOK {
		t.Fatalf("create project: %d %s", w.Code, w.Body.String())
	}
	w = doRequest(srv, "POST", "/v1/projects/"+project+"/runs", CreateRunRequest{})
	if w.Code != http.StatusCreated {
		t.Fatalf("create run: %d %s", w.Code, w.Body.String())
	}
	return decode[EntityResponse](t, w)
}

func assignRec(t *testing.T, v uint64, path string, val any) oplog.Record {
	t.Helper()
	ops, err := models.EncodeValue(models.MustPath(path), val)
	if err != nil {
		t.Fatal(err)
	}
	return oplog.Record{Version: v, Op: ops[0]}
}

func push(t *testing.T, srv *Server, entity, attempt string, recs ...oplog.Record) (*httptest.ResponseRecorder, PushResponse) {
	t.Helper()
	w := doRequest(srv, "POST", "/v1/entities/"+entity+"/ops", PushRequest{AttemptID: attempt, Ops: recs})
	var resp PushResponse
	if w.Code == http.StatusOK {
		json.Unmarshal(w.Body.Bytes(), &resp)
	}
	return w, resp
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	w := doRequest(srv, "GET", "/healthz", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Fatalf("healthz: %d %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing request id header")
	}
}

func TestMetricsEndpoints(t *testing.T) {
	srv := newTestServer(t)
	doRequest(srv, "GET", "/healthz", nil)

	w := doRequest(srv, "GET", "/metricz", nil)
	snap := decode[MetricsSnapshot](t, w)
	if snap.Requests < 1 {
		t.Fatalf("requests not counted: %+v", snap)
	}

	w = doRequest(srv, "GET", "/metrics", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "runlog_http_requests_total") {
		t.Fatalf("prometheus metrics missing: %d", w.Code)
	}
}

func TestProjectLifecycle(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(srv, "POST", "/v1/projects", CreateProjectRequest{Workspace: "team", Name: "sandbox"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	p := decode[ProjectResponse](t, w)
	if p.Key != "SANDBO" || p.Workspace != "team" {
		t.Fatalf("project: %+v", p)
	}

	w = doRequest(srv, "POST", "/v1/projects", CreateProjectRequest{Workspace: "team", Name: "sandbox"})
	if w.Code != http.StatusOK {
		t.Fatalf("re-create should return 200, got %d", w.Code)
	}

	for _, ref := range []string{p.ID, "sandbox"} {
		w = doRequest(srv, "GET", "/v1/projects/"+ref, nil)
		if w.Code != http.StatusOK || decode[ProjectResponse](t, w).ID != p.ID {
			t.Fatalf("get %s: %d", ref, w.Code)
		}
	}

	w = doRequest(srv, "GET", "/v1/projects/sandbox/entity", nil)
	ent := decode[EntityResponse](t, w)
	if ent.Kind != serverdb.KindProject || ent.ShortID != "SANDBO" {
		t.Fatalf("project entity: %+v", ent)
	}

	w = doRequest(srv, "GET", "/v1/projects/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing project: %d", w.Code)
	}

	w = doRequest(srv, "POST", "/v1/projects", CreateProjectRequest{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty name: %d", w.Code)
	}
}

func TestRunLifecycle(t *testing.T) {
	srv := newTestServer(t)
	run := createRun(t, srv, "mnist")
	if run.ShortID != "MNIST-1" || run.Project != "mnist" || run.Workspace != "team" {
		t.Fatalf("run: %+v", run)
	}

	w := doRequest(srv, "POST", "/v1/projects/mnist/runs", CreateRunRequest{CustomRunID: "job-7"})
	if w.Code != http.StatusCreated {
		t.Fatalf("custom run: %d", w.Code)
	}
	custom := decode[EntityResponse](t, w)
	w = doRequest(srv, "POST", "/v1/projects/mnist/runs", CreateRunRequest{CustomRunID: "job-7"})
	if w.Code != http.StatusOK || decode[EntityResponse](t, w).ID != custom.ID {
		t.Fatalf("custom run id must be idempotent: %d", w.Code)
	}

	for _, ref := range []string{run.ID, "MNIST-1"} {
		w = doRequest(srv, "GET", "/v1/projects/mnist/runs/"+ref, nil)
		if w.Code != http.StatusOK || decode[EntityResponse](t, w).ID != run.ID {
			t.Fatalf("get run %s: %d", ref, w.Code)
		}
	}
	w = doRequest(srv, "GET", "/v1/projects/mnist/runs/MNIST-99", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing run: %d", w.Code)
	}

	w = doRequest(srv, "GET", "/v1/projects/mnist/runs", nil)
	if runs := decode[[]EntityResponse](t, w); len(runs) != 2 {
		t.Fatalf("list runs: %d", len(runs))
	}
}

func TestPushOpsAndFetch(t *testing.T) {
	srv := newTestServer(t)
	run := createRun(t, srv, "exp")

	w, resp := push(t, srv, run.ID, "exec-1",
		assignRec(t, 1, "params/lr", 0.1),
		assignRec(t, 2, "params/name", "adam"),
		oplog.Record{Version: 3, Op: models.Operation{Kind: models.OpLogFloats, Path: models.MustPath("train/loss"),
			Floats: []models.FloatPoint{{Value: 1.0, Step: 0}, {Value: 0.5, Step: 1}, {Value: 0.25, Step: 2}}}},
	)
	if w.Code != http.StatusOK || resp.Acked != 3 || resp.Applied != 3 || resp.Error != nil {
		t.Fatalf("push: %d %+v", w.Code, resp)
	}

	w = doRequest(srv, "GET", "/v1/entities/"+run.ID+"/attributes", nil)
	attrs := decode[[]AttributeInfo](t, w)
	if len(attrs) != 3 {
		t.Fatalf("attributes: %+v", attrs)
	}

	w = doRequest(srv, "GET", "/v1/entities/"+run.ID+"/attributes/value?path=params/lr", nil)
	v := decode[AttributeValue](t, w)
	if v.Type != models.TypeFloat || string(v.Value) != "0.1" {
		t.Fatalf("value: %+v", v)
	}

	w = doRequest(srv, "GET", "/v1/entities/"+run.ID+"/series?path=train/loss&offset=1&limit=1", nil)
	if w.Header().Get("X-Total-Count") != "3" {
		t.Fatalf("total header: %q", w.Header().Get("X-Total-Count"))
	}
	page := decode[SeriesResponse](t, w)
	if len(page.Floats) != 1 || page.Floats[0].Value != 0.5 {
		t.Fatalf("series page: %+v", page)
	}

	w = doRequest(srv, "GET", "/v1/entities/"+run.ID+"/attributes/value?path=nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing attribute: %d", w.Code)
	}
	w = doRequest(srv, "GET", "/v1/entities/"+run.ID+"/attributes/value", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing path param: %d", w.Code)
	}
	w = doRequest(srv, "GET", "/v1/entities/"+run.ID+"/series?path=params/lr", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("series of an atom: %d", w.Code)
	}
	w = doRequest(srv, "GET", "/v1/entities/"+run.ID+"/series?path=train/loss&limit=abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", w.Code)
	}
}

func TestPushOpsIdempotentRedelivery(t *testing.T) {
	srv := newTestServer(t)
	run := createRun(t, srv, "exp")

	recs := []oplog.Record{assignRec(t, 1, "a", 1), assignRec(t, 2, "b", 2)}
	push(t, srv, run.ID, "exec-1", recs...)
	_, resp := push(t, srv, run.ID, "exec-1", append(recs, assignRec(t, 3, "c", 3))...)
	if resp.Acked != 3 || resp.Applied != 1 || resp.Duplicates != 2 {
		t.Fatalf("redelivery: %+v", resp)
	}

	snap := srv.metrics.Snapshot()
	if snap.OpsApplied != 3 || snap.OpsDuplicate != 2 {
		t.Fatalf("metrics: %+v", snap)
	}
}

func TestPushOpsTypeConflict(t *testing.T) {
	srv := newTestServer(t)
	run := createRun(t, srv, "exp")

	_, resp := push(t, srv, run.ID, "exec-1", assignRec(t, 1, "a/b", 42), assignRec(t, 2, "a/b", "x"), assignRec(t, 3, "c", 1))
	if resp.Acked != 1 || resp.Error == nil {
		t.Fatalf("expected rejection: %+v", resp)
	}
	if resp.Error.Version != 2 || resp.Error.Code != models.CodeTypeConflict {
		t.Fatalf("rejection: %+v", resp.Error)
	}

	// A second attempt on the same entity is locked too.
	_, resp = push(t, srv, run.ID, "exec-2", assignRec(t, 1, "a/b", "x"))
	if resp.Error == nil || resp.Acked != 0 {
		t.Fatalf("type lock must hold across attempts: %+v", resp)
	}
}

func TestPushOpsValidation(t *testing.T) {
	srv := newTestServerWithConfig(t, func(c *Config) {
		c.MaxBatchOps = 2
		c.MaxBodyBytes = 2048
	})
	run := createRun(t, srv, "exp")
	big := assignRec(t, 1, "a", strings.Repeat("x", 4096))

	tests := []struct {
		name string
		body any
		want int
	}{
		{"no attempt", PushRequest{Ops: []oplog.Record{assignRec(t, 1, "a", 1)}}, http.StatusBadRequest},
		{"no ops", PushRequest{AttemptID: "x"}, http.StatusBadRequest},
		{"too many", PushRequest{AttemptID: "x", Ops: []oplog.Record{assignRec(t, 1, "a", 1), assignRec(t, 2, "b", 1), assignRec(t, 3, "c", 1)}}, http.StatusRequestEntityTooLarge},
		{"body over limit", PushRequest{AttemptID: "x", Ops: []oplog.Record{big}}, http.StatusRequestEntityTooLarge},
		{"not increasing", PushRequest{AttemptID: "x", Ops: []oplog.Record{assignRec(t, 2, "a", 1), assignRec(t, 2, "b", 1)}}, http.StatusBadRequest},
		{"bad json", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(srv, "POST", "/v1/entities/"+run.ID+"/ops", tt.body)
			if w.Code != tt.want {
				t.Fatalf("got %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}

	w := doRequest(srv, "POST", "/v1/entities/unknown/ops", PushRequest{AttemptID: "x", Ops: []oplog.Record{assignRec(t, 1, "a", 1)}})
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown entity: %d", w.Code)
	}
}

func TestGetFiles(t *testing.T) {
	srv := newTestServer(t)
	run := createRun(t, srv, "exp")

	push(t, srv, run.ID, "exec-1",
		oplog.Record{Version: 1, Op: models.Operation{Kind: models.OpUploadFile, Path: models.MustPath("model"),
			Files: []models.FileBlob{{Name: "weights.txt", Ext: "txt", Data: []byte("w=1")}}}},
		oplog.Record{Version: 2, Op: models.Operation{Kind: models.OpUploadFileSet, Path: models.MustPath("samples"),
			Files: []models.FileBlob{{Name: "a.txt", Data: []byte("A")}, {Name: "b.txt", Data: []byte("B")}}}},
	)

	w := doRequest(srv, "GET", "/v1/entities/"+run.ID+"/files?path=model", nil)
	if w.Code != http.StatusOK || w.Body.String() != "w=1" {
		t.Fatalf("file: %d %q", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Header().Get("Content-Disposition"), "weights.txt") {
		t.Fatalf("disposition: %q", w.Header().Get("Content-Disposition"))
	}

	w = doRequest(srv, "GET", "/v1/entities/"+run.ID+"/files?path=samples", nil)
	if w.Header().Get("Content-Type") != "application/zip" {
		t.Fatalf("content type: %q", w.Header().Get("Content-Type"))
	}
	zr, err := zip.NewReader(bytes.NewReader(w.Body.Bytes()), int64(w.Body.Len()))
	if err != nil {
		t.Fatalf("read zip: %v", err)
	}
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	if fmt.Sprint(names) != "[a.txt b.txt]" {
		t.Fatalf("zip entries: %v", names)
	}
}

func TestCORSOnEntityRoutes(t *testing.T) {
	srv := newTestServerWithConfig(t, func(c *Config) { c.CORSAllowedOrigins = []string{"https://dash.example.com"} })
	run := createRun(t, srv, "exp")

	req := httptest.NewRequest("OPTIONS", "/v1/entities/"+run.ID+"/attributes", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight: %d", w.Code)
	}
}

func TestRateLimitedPushIsRetryableStatus(t *testing.T) {
	srv := newTestServerWithConfig(t, func(c *Config) { c.RateLimitOps = 1 })
	run := createRun(t, srv, "exp")

	push(t, srv, run.ID, "exec-1", assignRec(t, 1, "a", 1))
	w, _ := push(t, srv, run.ID, "exec-1", assignRec(t, 2, "b", 1))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
}
