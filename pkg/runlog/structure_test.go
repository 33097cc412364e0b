package runlog

import (
	"errors"
	"testing"

	"github.com/marcus/runlog/internal/models"
)

func assignOp(t *testing.T, path string, v any) models.Operation {
	t.Helper()
	ops, err := models.EncodeValue(models.MustPath(path), v)
	if err != nil {
		t.Fatal(err)
	}
	return ops[len(ops)-1]
}

func mustCommit(t *testing.T, s *structure, ops ...models.Operation) {
	t.Helper()
	commit, err := s.plan(ops)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	commit()
}

func TestStructureTypeLock(t *testing.T) {
	s := newStructure()
	mustCommit(t, s, assignOp(t, "a/b", 42))

	tests := []struct {
		name     string
		op       models.Operation
		existing models.AttrType
	}{
		{"same path other type", assignOp(t, "a/b", "x"), models.TypeInt},
		{"below a leaf", assignOp(t, "a/b/c", 1), models.TypeInt},
		{"namespace as leaf", assignOp(t, "a", 1.5), models.TypeNamespace},
		{"series over atom", models.Operation{Kind: models.OpLogFloats, Path: models.MustPath("a/b"), Floats: []models.FloatPoint{{Value: 1}}}, models.TypeInt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.plan([]models.Operation{tt.op})
			var tc *models.TypeConflictError
			if !errors.As(err, &tc) {
				t.Fatalf("expected TypeConflictError, got %v", err)
			}
			if tc.Existing != tt.existing {
				t.Fatalf("existing = %s, want %s", tc.Existing, tt.existing)
			}
			if !errors.Is(err, models.ErrTypeConflict) {
				t.Fatal("expected errors.Is ErrTypeConflict")
			}
		})
	}

	// Same type is fine.
	mustCommit(t, s, assignOp(t, "a/b", 7))
	if got := s.typeOf(models.MustPath("a")); got != models.TypeNamespace {
		t.Fatalf("a = %q, want namespace", got)
	}
}

func TestStructureBatchIsAtomic(t *testing.T) {
	s := newStructure()
	_, err := s.plan([]models.Operation{
		assignOp(t, "p/x", 1),
		assignOp(t, "p/y", 2),
		assignOp(t, "p/x", "conflict"),
	})
	if !errors.Is(err, models.ErrTypeConflict) {
		t.Fatalf("expected conflict inside batch, got %v", err)
	}
	if s.typeOf(models.MustPath("p/x")) != "" || s.typeOf(models.MustPath("p")) != "" {
		t.Fatal("rejected batch must not change the structure")
	}
}

func TestStructureDelete(t *testing.T) {
	s := newStructure()
	mustCommit(t, s, assignOp(t, "ns/a", 1), assignOp(t, "ns/b/c", "s"))
	mustCommit(t, s, models.Operation{Kind: models.OpDeleteAttribute, Path: models.MustPath("ns")})

	if got := s.typeOf(models.MustPath("ns")); got != "" {
		t.Fatalf("ns after delete = %q", got)
	}
	// The path can take a new type after deletion.
	mustCommit(t, s, assignOp(t, "ns", 3.5))
	if got := s.typeOf(models.MustPath("ns")); got != models.TypeFloat {
		t.Fatalf("ns = %q, want float", got)
	}

	// Delete and re-create in one batch.
	mustCommit(t, s,
		models.Operation{Kind: models.OpDeleteAttribute, Path: models.MustPath("ns")},
		assignOp(t, "ns/z", true),
	)
	if got := s.typeOf(models.MustPath("ns/z")); got != models.TypeBool {
		t.Fatalf("ns/z = %q, want bool", got)
	}
}

func TestStructureMergeKeepsLocalTypes(t *testing.T) {
	s := newStructure()
	mustCommit(t, s, assignOp(t, "a", 1))
	s.merge(map[string]models.AttrType{
		"a":     models.TypeString,
		"a/b":   models.TypeInt,
		"other": models.TypeStringSet,
	})
	if got := s.typeOf(models.MustPath("a")); got != models.TypeInt {
		t.Fatalf("a = %q, want int", got)
	}
	if got := s.typeOf(models.MustPath("a/b")); got != "" {
		t.Fatalf("a/b = %q, want untyped", got)
	}
	if got := s.typeOf(models.MustPath("other")); got != models.TypeStringSet {
		t.Fatalf("other = %q", got)
	}
	if n := len(s.leavesUnder(models.MustPath("a"))); n != 1 {
		t.Fatalf("leaves under a = %d", n)
	}
}

func TestFlattenNamespace(t *testing.T) {
	ops, err := flatten(models.MustPath("params"), map[string]any{
		"lr":    0.1,
		"model": map[string]any{"depth": 4, "name": "resnet"},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"params/lr", "params/model/depth", "params/model/name"}
	if len(ops) != len(want) {
		t.Fatalf("got %d ops", len(ops))
	}
	for i, op := range ops {
		if op.Path.String() != want[i] {
			t.Errorf("op %d path = %s, want %s", i, op.Path, want[i])
		}
	}

	if _, err := flatten(models.MustPath("x"), map[string]any{"bad": struct{}{}}); !errors.Is(err, models.ErrUnsupportedValue) {
		t.Fatalf("expected ErrUnsupportedValue, got %v", err)
	}
}

func TestKindOf(t *testing.T) {
	tests := map[models.AttrType]Kind{
		"":                      KindUntyped,
		models.TypeNamespace:    KindNamespace,
		models.TypeFloat:        KindAtom,
		models.TypeDatetime:     KindAtom,
		models.TypeArtifact:     KindArtifact,
		models.TypeFloatSeries:  KindSeries,
		models.TypeStringSeries: KindSeries,
		models.TypeStringSet:    KindStringSet,
		models.TypeFile:         KindFile,
		models.TypeFileSet:      KindFileSet,
	}
	for in, want := range tests {
		if got := kindOf(in); got != want {
			t.Errorf("kindOf(%q) = %s, want %s", in, got, want)
		}
	}
}
