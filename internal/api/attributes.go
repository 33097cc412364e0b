package api

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"path"
	"strconv"

	"github.com/oapi-codegen/runtime"

	"github.com/marcus/runlog/internal/attrstore"
	"github.com/marcus/runlog/internal/models"
)

// AttributeInfo is one entry of GET /v1/entities/{entity}/attributes.
type AttributeInfo struct {
	Path string          `json:"path"`
	Type models.AttrType `json:"type"`
}

// AttributeValue is the response of GET /v1/entities/{entity}/attributes/value.
type AttributeValue struct {
	Path  string          `json:"path"`
	Type  models.AttrType `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
	Files []string        `json:"files,omitempty"`
}

// SeriesResponse is the response of GET /v1/entities/{entity}/series.
type SeriesResponse struct {
	Type   models.AttrType      `json:"type"`
	Floats []models.FloatPoint  `json:"floats,omitempty"`
	Lines  []models.StringPoint `json:"lines,omitempty"`
	Total  int                  `json:"total"`
}

// seriesParams are the query parameters of the series endpoint.
type seriesParams struct {
	Path   string
	Offset *int
	Limit  *int
}

func bindPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	var p string
	if err := runtime.BindQueryParameter("form", true, true, "path", r.URL.Query(), &p); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return "", false
	}
	parsed, err := models.ParsePath(p)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return "", false
	}
	return parsed.String(), true
}

// writeFetchError maps attribute store errors to responses.
func writeFetchError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, attrstore.ErrNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, models.ErrTypeConflict):
		writeError(w, http.StatusConflict, ErrCodeWrongType, err.Error())
	default:
		logFor(r.Context()).Error("fetch", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to read attributes")
	}
}

// handleListAttributes handles GET /v1/entities/{entity}/attributes.
func (s *Server) handleListAttributes(w http.ResponseWriter, r *http.Request) {
	sc := entityFrom(r.Context())
	s.metrics.RecordFetch()

	attrs, err := attrstore.ListAttributes(sc.db, sc.entity.ID)
	if err != nil {
		writeFetchError(w, r, err)
		return
	}
	resp := make([]AttributeInfo, 0, len(attrs))
	for _, a := range attrs {
		resp = append(resp, AttributeInfo{Path: a.Path, Type: a.Type})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetAttribute handles GET /v1/entities/{entity}/attributes/value?path=.
func (s *Server) handleGetAttribute(w http.ResponseWriter, r *http.Request) {
	sc := entityFrom(r.Context())
	s.metrics.RecordFetch()

	p, ok := bindPath(w, r)
	if !ok {
		return
	}
	a, err := attrstore.GetAttribute(sc.db, sc.entity.ID, p)
	if err != nil {
		writeFetchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AttributeValue{Path: a.Path, Type: a.Type, Value: a.Value, Files: a.Files})
}

// handleGetSeries handles GET /v1/entities/{entity}/series?path=&offset=&limit=.
func (s *Server) handleGetSeries(w http.ResponseWriter, r *http.Request) {
	sc := entityFrom(r.Context())
	s.metrics.RecordFetch()

	var params seriesParams
	var ok bool
	if params.Path, ok = bindPath(w, r); !ok {
		return
	}
	q := r.URL.Query()
	if err := runtime.BindQueryParameter("form", true, false, "offset", q, &params.Offset); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "limit", q, &params.Limit); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	offset, limit := 0, 0
	if params.Offset != nil {
		offset = *params.Offset
	}
	if params.Limit != nil {
		limit = *params.Limit
	}

	page, err := attrstore.GetSeries(sc.db, sc.entity.ID, params.Path, offset, limit)
	if err != nil {
		writeFetchError(w, r, err)
		return
	}
	w.Header().Set("X-Total-Count", strconv.Itoa(page.Total))
	writeJSON(w, http.StatusOK, SeriesResponse{Type: page.Type, Floats: page.Floats, Lines: page.Lines, Total: page.Total})
}

// handleGetFiles handles GET /v1/entities/{entity}/files?path=. A single file
// is served as is; a file set is streamed as a zip archive.
func (s *Server) handleGetFiles(w http.ResponseWriter, r *http.Request) {
	sc := entityFrom(r.Context())
	s.metrics.RecordFetch()

	p, ok := bindPath(w, r)
	if !ok {
		return
	}
	typ, blobs, err := attrstore.GetFiles(sc.db, sc.entity.ID, p)
	if err != nil {
		writeFetchError(w, r, err)
		return
	}

	if typ == models.TypeFile {
		if len(blobs) == 0 {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "file has no content")
			return
		}
		f := blobs[0]
		ct := mime.TypeByExtension(path.Ext(f.Name))
		if ct == "" {
			ct = "application/octet-stream"
		}
		w.Header().Set("Content-Type", ct)
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": f.Name}))
		w.Header().Set("Content-Length", strconv.Itoa(len(f.Data)))
		w.WriteHeader(http.StatusOK)
		w.Write(f.Data)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": path.Base(p) + ".zip"}))
	w.WriteHeader(http.StatusOK)
	zw := zip.NewWriter(w)
	for _, f := range blobs {
		fw, err := zw.Create(f.Name)
		if err != nil {
			logFor(r.Context()).Error("zip entry", "name", f.Name, "err", err)
			return
		}
		if _, err := fw.Write(f.Data); err != nil {
			logFor(r.Context()).Error("zip write", "name", f.Name, "err", err)
			return
		}
	}
	if err := zw.Close(); err != nil {
		logFor(r.Context()).Error("zip close", "err", err)
	}
}
