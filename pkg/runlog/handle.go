package runlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marcus/runlog/internal/models"
)

// Kind is what a handle currently points at.
type Kind int

const (
	KindUntyped Kind = iota
	KindAtom
	KindNamespace
	KindSeries
	KindStringSet
	KindFile
	KindFileSet
	KindArtifact
)

func (k Kind) String() string {
	switch k {
	case KindUntyped:
		return "untyped"
	case KindAtom:
		return "atom"
	case KindNamespace:
		return "namespace"
	case KindSeries:
		return "series"
	case KindStringSet:
		return "stringSet"
	case KindFile:
		return "file"
	case KindFileSet:
		return "fileSet"
	case KindArtifact:
		return "artifact"
	}
	return "unknown"
}

func kindOf(t models.AttrType) Kind {
	switch {
	case t == "":
		return KindUntyped
	case t == models.TypeNamespace:
		return KindNamespace
	case t == models.TypeArtifact:
		return KindArtifact
	case t.IsAtom():
		return KindAtom
	case t.IsSeries():
		return KindSeries
	case t == models.TypeStringSet:
		return KindStringSet
	case t == models.TypeFile:
		return KindFile
	case t == models.TypeFileSet:
		return KindFileSet
	}
	return KindUntyped
}

// Handle addresses one path of a session. What it supports depends on the
// type held at the path; an untyped handle becomes typed by its first
// mutation.
type Handle struct {
	s    *Session
	path models.Path
	err  error
}

// Path returns the attribute path.
func (h Handle) Path() models.Path { return h.path }

// Child returns a handle below h.
func (h Handle) Child(names ...string) Handle {
	if h.err != nil {
		return h
	}
	c := Handle{s: h.s, path: h.path.Child(names...)}
	c.err = c.path.Validate()
	return c
}

// Type returns the attribute type at the path, "" when untyped.
func (h Handle) Type() models.AttrType {
	if h.err != nil {
		return ""
	}
	return h.s.structure.typeOf(h.path)
}

// Kind resolves what the path holds from the session's structure.
func (h Handle) Kind() Kind {
	return kindOf(h.Type())
}

// Exists reports whether the path holds an attribute or a namespace.
func (h Handle) Exists() bool {
	return h.Kind() != KindUntyped
}

// Assign sets the path to v: an atom, an Artifact, a whole FloatSeries,
// StringSeries or StringSet, or a map[string]any namespace.
func (h Handle) Assign(v any) error {
	if h.err != nil {
		return h.err
	}
	ops, err := flatten(h.path, v)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	if err := h.s.record(ops); err != nil {
		return err
	}
	h.s.resetSteps(h.path)
	return nil
}

// Log appends values to a series with automatic steps. Numbers make a float
// series, strings a string series.
func (h Handle) Log(values ...any) error {
	return h.log(nil, values)
}

// LogAt appends one value at an explicit step. Steps must increase.
func (h Handle) LogAt(step float64, v any) error {
	return h.log(&step, []any{v})
}

func (h Handle) log(step *float64, values []any) error {
	if h.err != nil {
		return h.err
	}
	if len(values) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	op := models.Operation{Path: h.path}
	for _, v := range values {
		if s, ok := v.(string); ok {
			if len(op.Floats) > 0 {
				return fmt.Errorf("%w: mixing strings and numbers in %s", models.ErrUnsupportedValue, h.path)
			}
			op.Kind = models.OpLogStrings
			op.Lines = append(op.Lines, models.StringPoint{Value: s, TS: now})
			continue
		}
		f, ok := toFloat(v)
		if !ok {
			return fmt.Errorf("%w: cannot log %T to %s", models.ErrUnsupportedValue, v, h.path)
		}
		if len(op.Lines) > 0 {
			return fmt.Errorf("%w: mixing strings and numbers in %s", models.ErrUnsupportedValue, h.path)
		}
		op.Kind = models.OpLogFloats
		op.Floats = append(op.Floats, models.FloatPoint{Value: f, TS: now})
	}

	ops := []models.Operation{op}
	return h.s.recordWith(ops, func() (func(), error) {
		steps, commit, err := h.s.planSteps(h.path, step, len(values))
		if err != nil {
			return nil, err
		}
		for i := range ops[0].Floats {
			ops[0].Floats[i].Step = steps[i]
		}
		for i := range ops[0].Lines {
			ops[0].Lines[i].Step = steps[i]
		}
		return commit, nil
	})
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	}
	return 0, false
}

// Add adds tags to a string set.
func (h Handle) Add(values ...string) error {
	if h.err != nil {
		return h.err
	}
	if len(values) == 0 {
		return nil
	}
	return h.s.record([]models.Operation{{Kind: models.OpAddStrings, Path: h.path, Items: values}})
}

// Remove removes tags from a string set.
func (h Handle) Remove(values ...string) error {
	if h.err != nil {
		return h.err
	}
	if len(values) == 0 {
		return nil
	}
	return h.s.record([]models.Operation{{Kind: models.OpRemoveStrings, Path: h.path, Items: values}})
}

// Clear empties a series or string set, keeping its type.
func (h Handle) Clear() error {
	if h.err != nil {
		return h.err
	}
	var kind models.OpKind
	switch t := h.Type(); t {
	case models.TypeFloatSeries:
		kind = models.OpClearFloatLog
	case models.TypeStringSeries:
		kind = models.OpClearStringLog
	case models.TypeStringSet:
		kind = models.OpClearStringSet
	case "":
		return &models.MissingFieldError{Path: h.path}
	default:
		return fmt.Errorf("%w: cannot clear %s at %s", models.ErrUnsupportedValue, t, h.path)
	}
	if err := h.s.record([]models.Operation{{Kind: kind, Path: h.path}}); err != nil {
		return err
	}
	h.s.resetSteps(h.path)
	return nil
}

// Upload stores the file at localPath as a single file attribute, replacing
// any previous content.
func (h Handle) Upload(localPath string) error {
	if h.err != nil {
		return h.err
	}
	blob, err := readBlob(localPath)
	if err != nil {
		return err
	}
	return h.s.record([]models.Operation{{Kind: models.OpUploadFile, Path: h.path, Files: []models.FileBlob{blob}}})
}

// UploadFiles adds files to a file set. Patterns are expanded with
// filepath.Glob; a pattern matching nothing is an error.
func (h Handle) UploadFiles(patterns ...string) error {
	if h.err != nil {
		return h.err
	}
	var blobs []models.FileBlob
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("expand %s: %w", pattern, err)
		}
		if len(matches) == 0 {
			return fmt.Errorf("no files match %s", pattern)
		}
		for _, m := range matches {
			blob, err := readBlob(m)
			if err != nil {
				return err
			}
			blobs = append(blobs, blob)
		}
	}
	if len(blobs) == 0 {
		return nil
	}
	return h.s.record([]models.Operation{{Kind: models.OpUploadFileSet, Path: h.path, Files: blobs}})
}

// DeleteFiles removes files from a file set by name.
func (h Handle) DeleteFiles(names ...string) error {
	if h.err != nil {
		return h.err
	}
	if len(names) == 0 {
		return nil
	}
	return h.s.record([]models.Operation{{Kind: models.OpDeleteFiles, Path: h.path, Items: names}})
}

// Delete removes the attribute, or every attribute below a namespace.
func (h Handle) Delete() error {
	if h.err != nil {
		return h.err
	}
	if !h.Exists() {
		return &models.MissingFieldError{Path: h.path}
	}
	if err := h.s.record([]models.Operation{{Kind: models.OpDeleteAttribute, Path: h.path}}); err != nil {
		return err
	}
	h.s.resetSteps(h.path)
	return nil
}

func readBlob(localPath string) (models.FileBlob, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return models.FileBlob{}, fmt.Errorf("read %s: %w", localPath, err)
	}
	name := filepath.Base(localPath)
	return models.FileBlob{
		Name: name,
		Ext:  strings.TrimPrefix(filepath.Ext(name), "."),
		Data: data,
	}, nil
}
