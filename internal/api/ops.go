package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/marcus/runlog/internal/attrstore"
	"github.com/marcus/runlog/internal/oplog"
	"github.com/marcus/runlog/internal/serverdb"
)

// PushRequest is the JSON body for POST /v1/entities/{entity}/ops.
type PushRequest struct {
	AttemptID string         `json:"attempt_id"`
	Ops       []oplog.Record `json:"ops"`
}

// PushResponse reports the highest version applied (or already seen) for the
// attempt. When an operation is rejected, Error describes it and nothing after
// it was applied.
type PushResponse struct {
	Acked      uint64          `json:"acked"`
	Applied    int             `json:"applied"`
	Duplicates int             `json:"duplicates"`
	Error      *RejectResponse `json:"error,omitempty"`
}

// RejectResponse is a permanently rejected operation.
type RejectResponse struct {
	Version uint64 `json:"version"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type entityKey struct{}

// entityScope is what entity routes operate on.
type entityScope struct {
	entity *serverdb.Entity
	db     *sql.DB
}

func entityFrom(ctx context.Context) entityScope {
	sc, _ := ctx.Value(entityKey{}).(entityScope)
	return sc
}

// entityCtx resolves {entity} and opens its project's attribute store.
func (s *Server) entityCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "entity")
		e, err := s.store.GetEntity(id)
		if errors.Is(err, serverdb.ErrNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "entity not found")
			return
		}
		if err != nil {
			logFor(r.Context()).Error("get entity", "entity", id, "err", err)
			writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to get entity")
			return
		}

		db, err := s.dbPool.Open(e.ProjectID)
		if err != nil {
			logFor(r.Context()).Error("get project db", "project", e.ProjectID, "err", err)
			writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to open project database")
			return
		}

		r = withLogAttrs(r, "pid", e.ProjectID, "entity", e.ShortID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), entityKey{}, entityScope{entity: e, db: db})))
	})
}

// handlePushOps handles POST /v1/entities/{entity}/ops.
func (s *Server) handlePushOps(w http.ResponseWriter, r *http.Request) {
	sc := entityFrom(r.Context())

	var req PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooBig.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid json body")
		return
	}
	if req.AttemptID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "attempt_id is required")
		return
	}
	if len(req.Ops) == 0 {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "ops array is empty")
		return
	}
	if len(req.Ops) > s.config.MaxBatchOps {
		writeError(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, fmt.Sprintf("batch size %d exceeds max %d", len(req.Ops), s.config.MaxBatchOps))
		return
	}
	for i := 1; i < len(req.Ops); i++ {
		if req.Ops[i].Version <= req.Ops[i-1].Version {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("versions not increasing at %d", req.Ops[i].Version))
			return
		}
	}

	result, err := attrstore.ApplyOps(sc.db, sc.entity.ID, req.AttemptID, req.Ops)
	if err != nil {
		logFor(r.Context()).Error("apply ops", "attempt", req.AttemptID, "acked", result.Acked, "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to apply operations")
		return
	}

	s.metrics.RecordOps(result.Applied, result.Duplicates, result.Rejected != nil)

	resp := PushResponse{Acked: result.Acked, Applied: result.Applied, Duplicates: result.Duplicates}
	if rej := result.Rejected; rej != nil {
		resp.Error = &RejectResponse{Version: rej.Version, Code: rej.Code, Message: rej.Message}
		logFor(r.Context()).Warn("op rejected", "attempt", req.AttemptID, "version", rej.Version, "code", rej.Code)
	}
	writeJSON(w, http.StatusOK, resp)
}
