package attrstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/marcus/runlog/internal/models"
)

// ErrNotFound is returned when no attribute exists at a path.
var ErrNotFound = errors.New("attribute not found")

// Attribute is the stored state of one attribute path. Value holds the atom,
// the last series value, or the sorted set members as a JSON array. Files
// lists file names for file and file set attributes.
type Attribute struct {
	Path  string
	Type  models.AttrType
	Value json.RawMessage
	Files []string
}

// SeriesPage is a window of a series in insertion order.
type SeriesPage struct {
	Type   models.AttrType
	Floats []models.FloatPoint
	Lines  []models.StringPoint
	Total  int
}

// ListAttributes returns the path and type of every attribute of an entity,
// sorted by path.
func ListAttributes(db *sql.DB, entityID string) ([]Attribute, error) {
	rows, err := db.Query(`SELECT path, type FROM attributes WHERE entity_id = ? ORDER BY path`, entityID)
	if err != nil {
		return nil, fmt.Errorf("list attributes: %w", err)
	}
	defer rows.Close()

	var out []Attribute
	for rows.Next() {
		var a Attribute
		var t string
		if err := rows.Scan(&a.Path, &t); err != nil {
			return nil, fmt.Errorf("scan attribute: %w", err)
		}
		a.Type = models.AttrType(t)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list attributes: iterate: %w", err)
	}
	return out, nil
}

// GetAttribute returns one attribute with its current value.
func GetAttribute(db *sql.DB, entityID, path string) (*Attribute, error) {
	a := &Attribute{Path: path}
	var t string
	var value sql.NullString
	err := db.QueryRow(`SELECT type, value FROM attributes WHERE entity_id = ? AND path = ?`, entityID, path).Scan(&t, &value)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get attribute: %w", err)
	}
	a.Type = models.AttrType(t)
	if value.Valid {
		a.Value = json.RawMessage(value.String)
	}

	switch {
	case a.Type.IsSeries():
		var last sql.NullString
		err := db.QueryRow(
			`SELECT value FROM series_points WHERE entity_id = ? AND path = ? ORDER BY seq DESC LIMIT 1`,
			entityID, path,
		).Scan(&last)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("last series value: %w", err)
		}
		if last.Valid {
			a.Value = json.RawMessage(last.String)
		}
	case a.Type == models.TypeStringSet:
		members, err := queryStrings(db, `SELECT member FROM set_members WHERE entity_id = ? AND path = ? ORDER BY member`, entityID, path)
		if err != nil {
			return nil, fmt.Errorf("set members: %w", err)
		}
		if members == nil {
			members = []string{}
		}
		a.Value, _ = json.Marshal(members)
	case a.Type == models.TypeFile || a.Type == models.TypeFileSet:
		a.Files, err = queryStrings(db, `SELECT name FROM file_blobs WHERE entity_id = ? AND path = ? ORDER BY name`, entityID, path)
		if err != nil {
			return nil, fmt.Errorf("file names: %w", err)
		}
	}
	return a, nil
}

// GetSeries returns entries [offset, offset+limit) of a series. limit <= 0
// returns everything from offset.
func GetSeries(db *sql.DB, entityID, path string, offset, limit int) (*SeriesPage, error) {
	var t string
	err := db.QueryRow(`SELECT type FROM attributes WHERE entity_id = ? AND path = ?`, entityID, path).Scan(&t)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get series: %w", err)
	}
	page := &SeriesPage{Type: models.AttrType(t)}
	if !page.Type.IsSeries() {
		return nil, fmt.Errorf("%s is %s: %w", path, t, models.ErrTypeConflict)
	}

	if err := db.QueryRow(`SELECT COUNT(*) FROM series_points WHERE entity_id = ? AND path = ?`, entityID, path).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("count series: %w", err)
	}
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(
		`SELECT step, ts, value FROM series_points WHERE entity_id = ? AND path = ? ORDER BY seq LIMIT ? OFFSET ?`,
		entityID, path, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("read series: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var step float64
		var ts int64
		var raw string
		if err := rows.Scan(&step, &ts, &raw); err != nil {
			return nil, fmt.Errorf("scan point: %w", err)
		}
		if page.Type == models.TypeFloatSeries {
			p := models.FloatPoint{Step: step, TS: ts}
			if err := json.Unmarshal([]byte(raw), &p.Value); err != nil {
				return nil, fmt.Errorf("decode point: %w", err)
			}
			page.Floats = append(page.Floats, p)
		} else {
			p := models.StringPoint{Step: step, TS: ts}
			if err := json.Unmarshal([]byte(raw), &p.Value); err != nil {
				return nil, fmt.Errorf("decode point: %w", err)
			}
			page.Lines = append(page.Lines, p)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read series: iterate: %w", err)
	}
	return page, nil
}

// GetFiles returns the blobs of a file or file set attribute, sorted by name.
func GetFiles(db *sql.DB, entityID, path string) (models.AttrType, []models.FileBlob, error) {
	var t string
	err := db.QueryRow(`SELECT type FROM attributes WHERE entity_id = ? AND path = ?`, entityID, path).Scan(&t)
	if err == sql.ErrNoRows {
		return "", nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err != nil {
		return "", nil, fmt.Errorf("get files: %w", err)
	}
	typ := models.AttrType(t)
	if typ != models.TypeFile && typ != models.TypeFileSet {
		return typ, nil, fmt.Errorf("%s is %s: %w", path, t, models.ErrTypeConflict)
	}

	rows, err := db.Query(`SELECT name, ext, data FROM file_blobs WHERE entity_id = ? AND path = ? ORDER BY name`, entityID, path)
	if err != nil {
		return typ, nil, fmt.Errorf("read files: %w", err)
	}
	defer rows.Close()

	var blobs []models.FileBlob
	for rows.Next() {
		var f models.FileBlob
		if err := rows.Scan(&f.Name, &f.Ext, &f.Data); err != nil {
			return typ, nil, fmt.Errorf("scan file: %w", err)
		}
		blobs = append(blobs, f)
	}
	if err := rows.Err(); err != nil {
		return typ, nil, fmt.Errorf("read files: iterate: %w", err)
	}
	return typ, blobs, nil
}

// AppliedCount returns how many operations were applied for an attempt.
func AppliedCount(db *sql.DB, entityID, attemptID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM applied_ops WHERE entity_id = ? AND attempt_id = ?`, entityID, attemptID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count applied: %w", err)
	}
	return n, nil
}

func queryStrings(db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
