package attrstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/marcus/runlog/internal/models"
	"github.com/marcus/runlog/internal/oplog"
)

// ApplyResult reports the outcome of ApplyOps.
type ApplyResult struct {
	// Acked is the highest version applied or already seen; 0 if none.
	Acked uint64
	// Applied counts operations applied by this call (duplicates excluded).
	Applied int
	// Duplicates counts operations skipped because they were applied before.
	Duplicates int
	// Rejected is set when an operation failed permanently. Nothing after it
	// was applied.
	Rejected *models.OperationError
}

// ApplyOps applies recs for one attempt in order, each in its own
// transaction. Versions already recorded for (entity, attempt) are skipped,
// which makes redelivery harmless. Application stops at the first rejected
// operation; a database error is returned as err with Acked reporting the
// progress made before it.
func ApplyOps(db *sql.DB, entityID, attemptID string, recs []oplog.Record) (ApplyResult, error) {
	var result ApplyResult
	if entityID == "" || attemptID == "" {
		return result, fmt.Errorf("empty entity or attempt id")
	}

	for _, rec := range recs {
		dup, err := applyOne(db, entityID, attemptID, rec)
		if err != nil {
			var opErr *models.OperationError
			if errors.As(err, &opErr) {
				result.Rejected = opErr
				slog.Debug("op rejected", "entity", entityID, "version", rec.Version, "code", opErr.Code)
				return result, nil
			}
			return result, fmt.Errorf("apply version %d: %w", rec.Version, err)
		}
		if dup {
			result.Duplicates++
		} else {
			result.Applied++
		}
		if rec.Version > result.Acked {
			result.Acked = rec.Version
		}
	}
	return result, nil
}

func applyOne(db *sql.DB, entityID, attemptID string, rec oplog.Record) (dup bool, err error) {
	tx, err := db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT OR IGNORE INTO applied_ops (entity_id, attempt_id, version, kind, path) VALUES (?, ?, ?, ?, ?)`,
		entityID, attemptID, rec.Version, string(rec.Op.Kind), rec.Op.Path.String(),
	)
	if err != nil {
		return false, fmt.Errorf("record version: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return true, nil
	}

	if err := rec.Op.Validate(); err != nil {
		return false, reject(rec, models.CodeInvalidOp, err.Error())
	}
	if err := applyOp(tx, entityID, rec); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return false, nil
}

func reject(rec oplog.Record, code, msg string) *models.OperationError {
	return &models.OperationError{Version: rec.Version, Path: rec.Op.Path, Kind: rec.Op.Kind, Code: code, Message: msg}
}

func applyOp(tx *sql.Tx, entityID string, rec oplog.Record) error {
	op := rec.Op
	path := op.Path.String()

	if op.Kind == models.OpDeleteAttribute {
		return deleteTree(tx, entityID, path)
	}

	want := op.Kind.AttrType()
	if err := checkTypeLock(tx, entityID, op.Path, want); err != nil {
		var conflict *models.TypeConflictError
		if errors.As(err, &conflict) {
			return reject(rec, models.CodeTypeConflict, conflict.Error())
		}
		return err
	}

	switch op.Kind {
	case models.OpAssignFloat, models.OpAssignInt, models.OpAssignBool,
		models.OpAssignString, models.OpAssignDatetime, models.OpAssignArtifact:
		val, err := models.DecodeAtom(want, op.Value)
		if err != nil {
			return reject(rec, models.CodeInvalidOp, err.Error())
		}
		raw := []byte(op.Value)
		if t, ok := val.(time.Time); ok {
			raw, _ = json.Marshal(t.Format(models.DatetimeLayout))
		}
		return upsertAttr(tx, entityID, path, want, raw)

	case models.OpLogFloats:
		if err := upsertAttr(tx, entityID, path, want, nil); err != nil {
			return err
		}
		for _, p := range op.Floats {
			v, _ := json.Marshal(p.Value)
			if err := insertPoint(tx, entityID, path, p.Step, p.TS, v); err != nil {
				return err
			}
		}
		return nil

	case models.OpLogStrings:
		if err := upsertAttr(tx, entityID, path, want, nil); err != nil {
			return err
		}
		for _, p := range op.Lines {
			v, _ := json.Marshal(p.Value)
			if err := insertPoint(tx, entityID, path, p.Step, p.TS, v); err != nil {
				return err
			}
		}
		return nil

	case models.OpClearFloatLog, models.OpClearStringLog:
		if err := upsertAttr(tx, entityID, path, want, nil); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM series_points WHERE entity_id = ? AND path = ?`, entityID, path)
		return wrap("clear series", err)

	case models.OpAddStrings:
		if err := upsertAttr(tx, entityID, path, want, nil); err != nil {
			return err
		}
		for _, m := range op.Items {
			if _, err := tx.Exec(`INSERT OR IGNORE INTO set_members (entity_id, path, member) VALUES (?, ?, ?)`, entityID, path, m); err != nil {
				return wrap("add member", err)
			}
		}
		return nil

	case models.OpRemoveStrings:
		if err := upsertAttr(tx, entityID, path, want, nil); err != nil {
			return err
		}
		for _, m := range op.Items {
			if _, err := tx.Exec(`DELETE FROM set_members WHERE entity_id = ? AND path = ? AND member = ?`, entityID, path, m); err != nil {
				return wrap("remove member", err)
			}
		}
		return nil

	case models.OpClearStringSet:
		if err := upsertAttr(tx, entityID, path, want, nil); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM set_members WHERE entity_id = ? AND path = ?`, entityID, path)
		return wrap("clear set", err)

	case models.OpUploadFile, models.OpUploadFileSet:
		if err := upsertAttr(tx, entityID, path, want, nil); err != nil {
			return err
		}
		if op.Kind == models.OpUploadFile || op.Reset {
			if _, err := tx.Exec(`DELETE FROM file_blobs WHERE entity_id = ? AND path = ?`, entityID, path); err != nil {
				return wrap("reset files", err)
			}
		}
		for _, f := range op.Files {
			if f.Name == "" {
				return reject(rec, models.CodeInvalidOp, "file without name")
			}
			if _, err := tx.Exec(
				`INSERT OR REPLACE INTO file_blobs (entity_id, path, name, ext, data) VALUES (?, ?, ?, ?, ?)`,
				entityID, path, f.Name, f.Ext, f.Data,
			); err != nil {
				return wrap("store file", err)
			}
		}
		return nil

	case models.OpDeleteFiles:
		if err := upsertAttr(tx, entityID, path, want, nil); err != nil {
			return err
		}
		for _, name := range op.Items {
			if _, err := tx.Exec(`DELETE FROM file_blobs WHERE entity_id = ? AND path = ? AND name = ?`, entityID, path, name); err != nil {
				return wrap("delete file", err)
			}
		}
		return nil
	}
	return reject(rec, models.CodeInvalidOp, fmt.Sprintf("unsupported operation %q", op.Kind))
}

// checkTypeLock fails with a TypeConflictError when path already holds a
// different type, lies under an existing leaf, or is a namespace prefix.
func checkTypeLock(tx *sql.Tx, entityID string, path models.Path, want models.AttrType) error {
	var existing string
	err := tx.QueryRow(`SELECT type FROM attributes WHERE entity_id = ? AND path = ?`, entityID, path.String()).Scan(&existing)
	switch {
	case err == nil:
		if models.AttrType(existing) != want {
			return &models.TypeConflictError{Path: path, Existing: models.AttrType(existing), Attempted: want}
		}
		return nil
	case err != sql.ErrNoRows:
		return fmt.Errorf("lookup type: %w", err)
	}

	for i := 1; i < len(path); i++ {
		anc := path[:i]
		err := tx.QueryRow(`SELECT type FROM attributes WHERE entity_id = ? AND path = ?`, entityID, anc.String()).Scan(&existing)
		if err == nil {
			return &models.TypeConflictError{Path: anc, Existing: models.AttrType(existing), Attempted: want}
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("lookup ancestor: %w", err)
		}
	}

	lo, hi := childRange(path.String())
	var child string
	err = tx.QueryRow(
		`SELECT path FROM attributes WHERE entity_id = ? AND path >= ? AND path < ? LIMIT 1`,
		entityID, lo, hi,
	).Scan(&child)
	if err == nil {
		return &models.TypeConflictError{Path: path, Existing: models.TypeNamespace, Attempted: want}
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("lookup children: %w", err)
	}
	return nil
}

// upsertAttr creates the attribute or refreshes its value. A nil value keeps
// the stored one for container types.
func upsertAttr(tx *sql.Tx, entityID, path string, t models.AttrType, value []byte) error {
	var v any
	if value != nil {
		v = string(value)
	}
	_, err := tx.Exec(`
		INSERT INTO attributes (entity_id, path, type, value) VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_id, path) DO UPDATE SET
			value = COALESCE(excluded.value, attributes.value),
			updated_at = CURRENT_TIMESTAMP`,
		entityID, path, string(t), v,
	)
	return wrap("upsert attribute", err)
}

func insertPoint(tx *sql.Tx, entityID, path string, step float64, ts int64, value []byte) error {
	_, err := tx.Exec(
		`INSERT INTO series_points (entity_id, path, step, ts, value) VALUES (?, ?, ?, ?, ?)`,
		entityID, path, step, ts, string(value),
	)
	return wrap("insert point", err)
}

// deleteTree removes the attribute at path and everything below it, which
// also releases the type lock.
func deleteTree(tx *sql.Tx, entityID, path string) error {
	lo, hi := childRange(path)
	for _, table := range []string{"attributes", "series_points", "set_members", "file_blobs"} {
		q := `DELETE FROM ` + table + ` WHERE entity_id = ? AND (path = ? OR (path >= ? AND path < ?))`
		if _, err := tx.Exec(q, entityID, path, lo, hi); err != nil {
			return wrap("delete "+strings.TrimSuffix(table, "s"), err)
		}
	}
	return nil
}

// childRange bounds the paths strictly below path under SQLite's BINARY
// collation: "p/" <= child < "p0", '0' being the byte after '/'.
func childRange(path string) (lo, hi string) {
	return path + "/", path + "0"
}

func wrap(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", what, err)
}
