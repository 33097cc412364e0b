package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Path is an attribute path, one element per namespace level.
type Path []string

// ParsePath splits a "/"-separated attribute path.
func ParsePath(s string) (Path, error) {
	s = strings.Trim(s, "/")
	if s == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	parts := strings.Split(s, "/")
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, s)
		}
	}
	return Path(parts), nil
}

// MustPath is ParsePath for literals known to be valid.
func MustPath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Path) String() string {
	return strings.Join(p, "/")
}

// Child returns a copy of p extended by the given segments.
func (p Path) Child(names ...string) Path {
	out := make(Path, 0, len(p)+len(names))
	out = append(out, p...)
	return append(out, names...)
}

// HasPrefix reports whether q is a (non-strict) prefix of p.
func (p Path) HasPrefix(q Path) bool {
	if len(q) > len(p) {
		return false
	}
	for i := range q {
		if p[i] != q[i] {
			return false
		}
	}
	return true
}

// Equal reports whether p and q name the same attribute.
func (p Path) Equal(q Path) bool {
	return len(p) == len(q) && p.HasPrefix(q)
}

// Validate checks that every segment is non-empty and free of separators.
func (p Path) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	for _, s := range p {
		if s == "" || strings.Contains(s, "/") {
			return fmt.Errorf("%w: bad segment %q", ErrInvalidPath, s)
		}
	}
	return nil
}

// OpKind is the discriminator written as "type" in the operation log.
type OpKind string

const (
	OpAssignFloat    OpKind = "AssignFloat"
	OpAssignInt      OpKind = "AssignInt"
	OpAssignBool     OpKind = "AssignBool"
	OpAssignString   OpKind = "AssignString"
	OpAssignDatetime OpKind = "AssignDatetime"
	OpAssignArtifact OpKind = "AssignArtifact"

	OpLogFloats      OpKind = "LogFloats"
	OpLogStrings     OpKind = "LogStrings"
	OpClearFloatLog  OpKind = "ClearFloatLog"
	OpClearStringLog OpKind = "ClearStringLog"

	OpAddStrings     OpKind = "AddStrings"
	OpRemoveStrings  OpKind = "RemoveStrings"
	OpClearStringSet OpKind = "ClearStringSet"

	OpUploadFile    OpKind = "UploadFile"
	OpUploadFileSet OpKind = "UploadFileSet"
	OpDeleteFiles   OpKind = "DeleteFiles"

	OpDeleteAttribute OpKind = "DeleteAttribute"
)

// AttrType is the type an attribute path is locked to.
type AttrType string

const (
	TypeFloat        AttrType = "float"
	TypeInt          AttrType = "int"
	TypeBool         AttrType = "bool"
	TypeString       AttrType = "string"
	TypeDatetime     AttrType = "datetime"
	TypeArtifact     AttrType = "artifact"
	TypeFloatSeries  AttrType = "floatSeries"
	TypeStringSeries AttrType = "stringSeries"
	TypeStringSet    AttrType = "stringSet"
	TypeFile         AttrType = "file"
	TypeFileSet      AttrType = "fileSet"

	// TypeNamespace marks a path that has attributes below it. It is never
	// stored and never assigned directly.
	TypeNamespace AttrType = "namespace"
)

var kindTypes = map[OpKind]AttrType{
	OpAssignFloat:    TypeFloat,
	OpAssignInt:      TypeInt,
	OpAssignBool:     TypeBool,
	OpAssignString:   TypeString,
	OpAssignDatetime: TypeDatetime,
	OpAssignArtifact: TypeArtifact,
	OpLogFloats:      TypeFloatSeries,
	OpClearFloatLog:  TypeFloatSeries,
	OpLogStrings:     TypeStringSeries,
	OpClearStringLog: TypeStringSeries,
	OpAddStrings:     TypeStringSet,
	OpRemoveStrings:  TypeStringSet,
	OpClearStringSet: TypeStringSet,
	OpUploadFile:     TypeFile,
	OpUploadFileSet:  TypeFileSet,
	OpDeleteFiles:    TypeFileSet,
}

// AttrType returns the attribute type an operation of kind k creates or
// requires. DeleteAttribute has no type and returns "".
func (k OpKind) AttrType() AttrType {
	return kindTypes[k]
}

// IsValid reports whether k is a known operation kind.
func (k OpKind) IsValid() bool {
	_, ok := kindTypes[k]
	return ok || k == OpDeleteAttribute
}

// IsAtom reports whether t holds a single scalar value.
func (t AttrType) IsAtom() bool {
	switch t {
	case TypeFloat, TypeInt, TypeBool, TypeString, TypeDatetime, TypeArtifact:
		return true
	}
	return false
}

// IsSeries reports whether t is a float or string series.
func (t AttrType) IsSeries() bool {
	return t == TypeFloatSeries || t == TypeStringSeries
}

// FloatPoint is a single float series entry. TS is unix milliseconds.
type FloatPoint struct {
	Value float64 `json:"value"`
	Step  float64 `json:"step"`
	TS    int64   `json:"ts"`
}

// StringPoint is a single string series entry.
type StringPoint struct {
	Value string  `json:"value"`
	Step  float64 `json:"step"`
	TS    int64   `json:"ts"`
}

// FileBlob is file content carried inline by upload operations.
type FileBlob struct {
	Name string `json:"name"`
	Ext  string `json:"ext,omitempty"`
	Data []byte `json:"data"`
}

// Operation is one attribute mutation. Which payload fields are set depends
// on Kind; Validate checks the combination.
type Operation struct {
	Kind   OpKind          `json:"type"`
	Path   Path            `json:"path"`
	Value  json.RawMessage `json:"value,omitempty"`
	Floats []FloatPoint    `json:"floats,omitempty"`
	Lines  []StringPoint   `json:"lines,omitempty"`
	Items  []string        `json:"items,omitempty"`
	Files  []FileBlob      `json:"files,omitempty"`
	Reset  bool            `json:"reset,omitempty"`
}

// Validate checks the path and that the payload fits the kind.
func (op Operation) Validate() error {
	if !op.Kind.IsValid() {
		return fmt.Errorf("unknown operation type %q", op.Kind)
	}
	if err := op.Path.Validate(); err != nil {
		return err
	}
	switch op.Kind {
	case OpAssignFloat, OpAssignInt, OpAssignBool, OpAssignString, OpAssignDatetime, OpAssignArtifact:
		if len(op.Value) == 0 {
			return fmt.Errorf("%s %s: missing value", op.Kind, op.Path)
		}
	case OpLogFloats:
		if len(op.Floats) == 0 {
			return fmt.Errorf("%s %s: no entries", op.Kind, op.Path)
		}
	case OpLogStrings:
		if len(op.Lines) == 0 {
			return fmt.Errorf("%s %s: no entries", op.Kind, op.Path)
		}
	case OpUploadFile:
		if len(op.Files) != 1 {
			return fmt.Errorf("%s %s: want exactly one file, got %d", op.Kind, op.Path, len(op.Files))
		}
	}
	return nil
}

// Summary returns a short human-readable description for logs and status output.
func (op Operation) Summary() string {
	return fmt.Sprintf("%s %s", op.Kind, op.Path)
}
