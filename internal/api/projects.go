package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/marcus/runlog/internal/serverdb"
)

// CreateProjectRequest is the JSON body for POST /v1/projects.
type CreateProjectRequest struct {
	Workspace string `json:"workspace"`
	Name      string `json:"name"`
}

// ProjectResponse is the JSON representation of a project.
type ProjectResponse struct {
	ID        string `json:"id"`
	Workspace string `json:"workspace"`
	Name      string `json:"name"`
	Key       string `json:"key"`
	CreatedAt string `json:"created_at"`
}

// CreateRunRequest is the JSON body for POST /v1/projects/{project}/runs.
type CreateRunRequest struct {
	CustomRunID string `json:"custom_run_id"`
}

// EntityResponse is the JSON representation of a run or project entity.
type EntityResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	ShortID     string `json:"short_id"`
	CustomRunID string `json:"custom_run_id,omitempty"`
	ProjectID   string `json:"project_id"`
	Project     string `json:"project"`
	Workspace   string `json:"workspace"`
	CreatedAt   string `json:"created_at"`
}

type projectKey struct{}

func projectFrom(ctx context.Context) *serverdb.Project {
	p, _ := ctx.Value(projectKey{}).(*serverdb.Project)
	return p
}

// projectCtx resolves the {project} path value (id or name).
func (s *Server) projectCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ref := chi.URLParam(r, "project")
		p, err := s.store.GetProject(ref)
		if errors.Is(err, serverdb.ErrNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "project not found")
			return
		}
		if err != nil {
			logFor(r.Context()).Error("get project", "project", ref, "err", err)
			writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to get project")
			return
		}
		r = withLogAttrs(r, "pid", p.ID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), projectKey{}, p)))
	})
}

// handleCreateProject handles POST /v1/projects. Creating an existing name
// returns the existing project with 200.
func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid json body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "name is required")
		return
	}

	project, created, err := s.store.CreateProject(req.Workspace, req.Name)
	if err != nil {
		logFor(r.Context()).Error("create project", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to create project")
		return
	}
	if _, err := s.dbPool.Open(project.ID); err != nil {
		logFor(r.Context()).Error("create project db", "project", project.ID, "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to initialize project database")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		logFor(r.Context()).Info("project created", "pid", project.ID, "key", project.Key)
	}
	writeJSON(w, status, projectToResponse(project))
}

// handleListProjects handles GET /v1/projects.
func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects()
	if err != nil {
		logFor(r.Context()).Error("list projects", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to list projects")
		return
	}

	resp := make([]ProjectResponse, 0, len(projects))
	for _, p := range projects {
		resp = append(resp, projectToResponse(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetProject handles GET /v1/projects/{project}.
func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, projectToResponse(projectFrom(r.Context())))
}

// handleGetProjectEntity handles GET /v1/projects/{project}/entity.
func (s *Server) handleGetProjectEntity(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())
	e, err := s.store.ProjectEntity(p.ID)
	if err != nil {
		logFor(r.Context()).Error("get project entity", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to get project entity")
		return
	}
	writeJSON(w, http.StatusOK, entityToResponse(e, p))
}

// handleCreateRun handles POST /v1/projects/{project}/runs.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())

	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid json body")
		return
	}

	e, created, err := s.store.CreateRun(p.ID, req.CustomRunID)
	if err != nil {
		logFor(r.Context()).Error("create run", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to create run")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		logFor(r.Context()).Info("run created", "short_id", e.ShortID)
	}
	writeJSON(w, status, entityToResponse(e, p))
}

// handleListRuns handles GET /v1/projects/{project}/runs.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())
	runs, err := s.store.ListRuns(p.ID)
	if err != nil {
		logFor(r.Context()).Error("list runs", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to list runs")
		return
	}
	resp := make([]EntityResponse, 0, len(runs))
	for _, e := range runs {
		resp = append(resp, entityToResponse(e, p))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetRun handles GET /v1/projects/{project}/runs/{run}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())
	e, err := s.store.ResolveRun(p.ID, chi.URLParam(r, "run"))
	if errors.Is(err, serverdb.ErrNotFound) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "run not found")
		return
	}
	if err != nil {
		logFor(r.Context()).Error("resolve run", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to get run")
		return
	}
	writeJSON(w, http.StatusOK, entityToResponse(e, p))
}

func projectToResponse(p *serverdb.Project) ProjectResponse {
	return ProjectResponse{
		ID:        p.ID,
		Workspace: p.Workspace,
		Name:      p.Name,
		Key:       p.Key,
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
	}
}

func entityToResponse(e *serverdb.Entity, p *serverdb.Project) EntityResponse {
	return EntityResponse{
		ID:          e.ID,
		Kind:        e.Kind,
		ShortID:     e.ShortID,
		CustomRunID: e.CustomRunID,
		ProjectID:   p.ID,
		Project:     p.Name,
		Workspace:   p.Workspace,
		CreatedAt:   e.CreatedAt.Format(time.RFC3339),
	}
}
