package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// DatetimeLayout is the wire form of datetime atoms: UTC, millisecond precision.
const DatetimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Artifact is a content hash assigned to an artifact attribute.
type Artifact string

// FloatSeries is a complete float series, e.g. the result of fetching one.
type FloatSeries []FloatPoint

// StringSeries is a complete string series.
type StringSeries []StringPoint

// StringSet is a set of tags. Order is not significant.
type StringSet []string

// TruncateTime normalises t to UTC at millisecond precision.
func TruncateTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// EncodeValue converts a Go value into the operations that assign it at path.
// Atoms and artifacts produce one operation; whole series and sets produce a
// clear followed by the new content.
func EncodeValue(path Path, v any) ([]Operation, error) {
	if err := path.Validate(); err != nil {
		return nil, err
	}
	atom := func(kind OpKind, val any) ([]Operation, error) {
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", path, err)
		}
		return []Operation{{Kind: kind, Path: path, Value: raw}}, nil
	}

	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("%w: non-finite float at %s", ErrUnsupportedValue, path)
		}
		return atom(OpAssignFloat, x)
	case float32:
		return EncodeValue(path, float64(x))
	case int:
		return atom(OpAssignInt, int64(x))
	case int8:
		return atom(OpAssignInt, int64(x))
	case int16:
		return atom(OpAssignInt, int64(x))
	case int32:
		return atom(OpAssignInt, int64(x))
	case int64:
		return atom(OpAssignInt, x)
	case uint8:
		return atom(OpAssignInt, int64(x))
	case uint16:
		return atom(OpAssignInt, int64(x))
	case uint32:
		return atom(OpAssignInt, int64(x))
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %d overflows int64", ErrUnsupportedValue, x)
		}
		return atom(OpAssignInt, int64(x))
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %d overflows int64", ErrUnsupportedValue, x)
		}
		return atom(OpAssignInt, int64(x))
	case bool:
		return atom(OpAssignBool, x)
	case string:
		return atom(OpAssignString, x)
	case time.Time:
		return atom(OpAssignDatetime, TruncateTime(x).Format(DatetimeLayout))
	case Artifact:
		return atom(OpAssignArtifact, string(x))
	case FloatSeries:
		ops := []Operation{{Kind: OpClearFloatLog, Path: path}}
		if len(x) > 0 {
			ops = append(ops, Operation{Kind: OpLogFloats, Path: path, Floats: append([]FloatPoint(nil), x...)})
		}
		return ops, nil
	case StringSeries:
		ops := []Operation{{Kind: OpClearStringLog, Path: path}}
		if len(x) > 0 {
			ops = append(ops, Operation{Kind: OpLogStrings, Path: path, Lines: append([]StringPoint(nil), x...)})
		}
		return ops, nil
	case StringSet:
		ops := []Operation{{Kind: OpClearStringSet, Path: path}}
		if len(x) > 0 {
			ops = append(ops, Operation{Kind: OpAddStrings, Path: path, Items: append([]string(nil), x...)})
		}
		return ops, nil
	case []string:
		return EncodeValue(path, StringSet(x))
	}
	return nil, fmt.Errorf("%w: %T at %s", ErrUnsupportedValue, v, path)
}

// DecodeAtom converts a stored atom value back into its Go form:
// float64, int64, bool, string, time.Time or Artifact.
func DecodeAtom(t AttrType, raw json.RawMessage) (any, error) {
	switch t {
	case TypeFloat:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("decode float: %w", err)
		}
		return f, nil
	case TypeInt:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("decode int: %w", err)
		}
		i, err := strconv.ParseInt(n.String(), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode int: %w", err)
		}
		return i, nil
	case TypeBool:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("decode bool: %w", err)
		}
		return b, nil
	case TypeString, TypeArtifact:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode %s: %w", t, err)
		}
		if t == TypeArtifact {
			return Artifact(s), nil
		}
		return s, nil
	case TypeDatetime:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode datetime: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("decode datetime: %w", err)
		}
		return ts.UTC(), nil
	}
	return nil, fmt.Errorf("%w: %s is not an atom", ErrUnsupportedValue, t)
}
