package runlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/marcus/runlog/internal/models"
	"github.com/marcus/runlog/internal/syncclient"
)

const seriesPageSize = 1000

// Fetch reads the current server value at the path. Atoms come back as
// float64, int64, bool, string, time.Time or Artifact; a series yields its
// last value, a string set its members, a file or file set its file names
// and a namespace a nested map[string]any of its leaves.
func (h Handle) Fetch(ctx context.Context) (any, error) {
	if err := h.fetchable(); err != nil {
		return nil, err
	}
	if h.Kind() == KindNamespace {
		return h.fetchNamespace(ctx)
	}
	v, err := h.s.client.api.GetAttribute(ctx, h.s.container.ID, h.path)
	if err != nil {
		return nil, err
	}
	return decodeValue(v)
}

// FetchLast returns the last value of a series.
func (h Handle) FetchLast(ctx context.Context) (any, error) {
	if err := h.fetchable(); err != nil {
		return nil, err
	}
	if t := h.Type(); !t.IsSeries() {
		return nil, &models.TypeConflictError{Path: h.path, Existing: t, Attempted: models.TypeFloatSeries}
	}
	v, err := h.s.client.api.GetAttribute(ctx, h.s.container.ID, h.path)
	if err != nil {
		return nil, err
	}
	if len(v.Value) == 0 {
		return nil, &models.MissingFieldError{Path: h.path}
	}
	return decodeValue(v)
}

// FetchValues returns a whole series as models.FloatSeries or
// models.StringSeries. The result can be assigned to another path or
// session to copy the series.
func (h Handle) FetchValues(ctx context.Context) (any, error) {
	if err := h.fetchable(); err != nil {
		return nil, err
	}
	t := h.Type()
	if !t.IsSeries() {
		return nil, &models.TypeConflictError{Path: h.path, Existing: t, Attempted: models.TypeFloatSeries}
	}

	var floats models.FloatSeries
	var lines models.StringSeries
	for offset := 0; ; {
		page, err := h.s.client.api.GetSeries(ctx, h.s.container.ID, h.path, offset, seriesPageSize)
		if err != nil {
			return nil, err
		}
		floats = append(floats, page.Floats...)
		lines = append(lines, page.Lines...)
		n := len(page.Floats) + len(page.Lines)
		offset += n
		if n == 0 || offset >= page.Total {
			break
		}
	}
	if t == models.TypeStringSeries {
		if lines == nil {
			lines = models.StringSeries{}
		}
		return lines, nil
	}
	if floats == nil {
		floats = models.FloatSeries{}
	}
	return floats, nil
}

// Download writes a file attribute to dest/<name>, or a file set to
// dest/<last path segment>.zip. It returns the written path.
func (h Handle) Download(ctx context.Context, dest string) (string, error) {
	if err := h.fetchable(); err != nil {
		return "", err
	}
	var name string
	switch t := h.Type(); t {
	case models.TypeFile:
		v, err := h.s.client.api.GetAttribute(ctx, h.s.container.ID, h.path)
		if err != nil {
			return "", err
		}
		if len(v.Files) == 0 {
			return "", &models.MissingFieldError{Path: h.path}
		}
		name = v.Files[0]
	case models.TypeFileSet:
		name = h.path[len(h.path)-1] + ".zip"
	default:
		return "", &models.TypeConflictError{Path: h.path, Existing: t, Attempted: models.TypeFile}
	}

	if err := os.MkdirAll(dest, 0755); err != nil {
		return "", err
	}
	target := filepath.Join(dest, name)
	tmp, err := os.CreateTemp(dest, "."+name+"-*.tmp")
	if err != nil {
		return "", err
	}
	if err := h.download(ctx, tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return target, nil
}

func (h Handle) download(ctx context.Context, w io.Writer) error {
	_, err := h.s.client.api.DownloadFile(ctx, h.s.container.ID, h.path, w)
	return err
}

// fetchable checks that the handle can read from the server.
func (h Handle) fetchable() error {
	if h.err != nil {
		return h.err
	}
	if h.s.engine == nil {
		return models.ErrOfflineFetch
	}
	if !h.Exists() {
		return &models.MissingFieldError{Path: h.path}
	}
	return nil
}

func (h Handle) fetchNamespace(ctx context.Context) (map[string]any, error) {
	attrs, err := h.s.client.api.ListAttributes(ctx, h.s.container.ID)
	if err != nil {
		return nil, err
	}
	prefix := h.path.String() + "/"
	out := make(map[string]any)
	found := false
	for _, a := range attrs {
		if !strings.HasPrefix(a.Path, prefix) {
			continue
		}
		p, err := models.ParsePath(a.Path)
		if err != nil {
			return nil, err
		}
		v, err := h.s.client.api.GetAttribute(ctx, h.s.container.ID, p)
		var mf *models.MissingFieldError
		if errors.As(err, &mf) {
			continue
		}
		if err != nil {
			return nil, err
		}
		val, err := decodeValue(v)
		if err != nil {
			return nil, err
		}
		if err := setNested(out, p[len(h.path):], val); err != nil {
			return nil, err
		}
		found = true
	}
	if !found {
		return nil, &models.MissingFieldError{Path: h.path}
	}
	return out, nil
}

func setNested(m map[string]any, rel models.Path, v any) error {
	for _, seg := range rel[:len(rel)-1] {
		next, ok := m[seg].(map[string]any)
		if !ok {
			if _, taken := m[seg]; taken {
				return fmt.Errorf("%w: %s is both a value and a namespace", models.ErrTypeConflict, seg)
			}
			next = make(map[string]any)
			m[seg] = next
		}
		m = next
	}
	m[rel[len(rel)-1]] = v
	return nil
}

// decodeValue converts a fetched attribute to its Go value.
func decodeValue(v *syncclient.AttributeValue) (any, error) {
	switch {
	case v.Type.IsAtom():
		return models.DecodeAtom(v.Type, v.Value)
	case v.Type == models.TypeFloatSeries:
		if len(v.Value) == 0 {
			return nil, nil
		}
		var f float64
		if err := json.Unmarshal(v.Value, &f); err != nil {
			return nil, fmt.Errorf("decode %s: %w", v.Path, err)
		}
		return f, nil
	case v.Type == models.TypeStringSeries:
		if len(v.Value) == 0 {
			return nil, nil
		}
		var s string
		if err := json.Unmarshal(v.Value, &s); err != nil {
			return nil, fmt.Errorf("decode %s: %w", v.Path, err)
		}
		return s, nil
	case v.Type == models.TypeStringSet:
		set := models.StringSet{}
		if len(v.Value) > 0 {
			if err := json.Unmarshal(v.Value, &set); err != nil {
				return nil, fmt.Errorf("decode %s: %w", v.Path, err)
			}
		}
		return set, nil
	case v.Type == models.TypeFile || v.Type == models.TypeFileSet:
		files := v.Files
		if files == nil {
			files = []string{}
		}
		return files, nil
	}
	return nil, fmt.Errorf("%w: %s at %s", models.ErrUnsupportedValue, v.Type, v.Path)
}
