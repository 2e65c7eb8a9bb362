package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/tasknexus/backend/internal/errors"
	"github.com/kimhsiao/tasknexus/backend/internal/models"
	"github.com/kimhsiao/tasknexus/backend/internal/uuid"
)

// Tx is a store transaction scoped to a fixed set of tables.
type Tx struct {
	ctx    context.Context
	tx     *sql.Tx
	mode   Mode
	tables map[models.Table]bool
	now    func() time.Time
}

func (tx *Tx) check(table models.Table, write bool) error {
	if !tx.tables[table] {
		return apperrors.Database(apperrors.TypeTransaction, apperrors.ErrInvalid, "table outside transaction scope", nil).
			WithDetail("table", string(table))
	}
	if write && tx.mode != ReadWrite {
		return apperrors.Database(apperrors.TypeTransaction, apperrors.ErrInvalid, "write in readonly transaction", nil).
			WithDetail("table", string(table))
	}
	return nil
}

// Add inserts rec, assigning a temporary id when it has none.
func (tx *Tx) Add(table models.Table, rec models.Record) (string, error) {
	if err := tx.check(table, true); err != nil {
		return "", err
	}
	r := rec.Clone()
	if r == nil {
		r = models.Record{}
	}
	if r.ID() == "" {
		r[models.FieldID] = uuid.NewTemporary()
	}
	tx.stamp(r)

	if err := tx.write(table, r, false); err != nil {
		return "", err
	}
	return r.ID(), nil
}

// Put inserts or replaces rec.
func (tx *Tx) Put(table models.Table, rec models.Record) error {
	if err := tx.check(table, true); err != nil {
		return err
	}
	if rec.ID() == "" {
		return apperrors.Database(apperrors.TypeConstraint, apperrors.ErrInvalid, "record has no id", nil).
			WithDetail("table", string(table))
	}
	r := rec.Clone()
	tx.stamp(r)
	return tx.write(table, r, true)
}

// stamp fills missing timestamps and keeps the id a string.
func (tx *Tx) stamp(r models.Record) {
	r[models.FieldID] = r.ID()
	ms := tx.now().UnixMilli()
	if r.Int(models.FieldCreatedAt) == 0 {
		r[models.FieldCreatedAt] = ms
	}
	if r.Int(models.FieldUpdatedAt) == 0 {
		r[models.FieldUpdatedAt] = ms
	}
}

func (tx *Tx) write(table models.Table, r models.Record, upsert bool) error {
	data, err := json.Marshal(r)
	if err != nil {
		return apperrors.Database(apperrors.TypeQuery, apperrors.ErrInvalid, "encode record", err).
			WithDetail("table", string(table))
	}

	indexes := models.TableIndexes[table]
	cols := []string{"id", "data", "version", "created_at", "updated_at"}
	args := []interface{}{r.ID(), string(data), r.Version(), r.Int(models.FieldCreatedAt), r.UpdatedAt()}
	for _, idx := range indexes {
		cols = append(cols, idx.Column)
		args = append(args, indexValue(r, idx.Field))
	}

	verb := "INSERT"
	if upsert {
		verb = "INSERT OR REPLACE"
	}
	query := fmt.Sprintf("%s INTO %s (%s) VALUES (%s)", verb, table,
		strings.Join(cols, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))

	if _, err := tx.tx.ExecContext(tx.ctx, query, args...); err != nil {
		return normalize(err, "write record", map[string]interface{}{"table": string(table), "id": r.ID()})
	}
	return nil
}

func indexValue(r models.Record, field string) interface{} {
	if v, ok := r[field]; !ok || v == nil {
		return nil
	}
	if s := r.String(field); s != "" {
		return s
	}
	return nil
}

// Get returns the record with id.
func (tx *Tx) Get(table models.Table, id string) (models.Record, error) {
	if err := tx.check(table, false); err != nil {
		return nil, err
	}
	var data string
	err := tx.tx.QueryRowContext(tx.ctx, fmt.Sprintf("SELECT data FROM %s WHERE id = ?", table), id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, notFound(string(table), id)
	}
	if err != nil {
		return nil, normalize(err, "read record", map[string]interface{}{"table": string(table), "id": id})
	}
	return decode(table, data)
}

// Delete removes the record with id. Missing records are ignored.
func (tx *Tx) Delete(table models.Table, id string) error {
	if err := tx.check(table, true); err != nil {
		return err
	}
	if _, err := tx.tx.ExecContext(tx.ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), id); err != nil {
		return normalize(err, "delete record", map[string]interface{}{"table": string(table), "id": id})
	}
	return nil
}

func decode(table models.Table, data string) (models.Record, error) {
	r, err := models.DecodeRecord([]byte(data))
	if err != nil {
		return nil, apperrors.Database(apperrors.TypeQuery, apperrors.ErrDatabase, "decode record", err).
			WithDetail("table", string(table))
	}
	return r, nil
}

// remap re-keys the record oldID of table to newID and rewrites every
// reference to oldID held by records of the tables in scope. It returns the
// number of records touched.
func (tx *Tx) remap(table models.Table, oldID, newID string) (int, error) {
	touched := 0

	rec, err := tx.Get(table, oldID)
	switch {
	case err == nil:
		if _, err := tx.Get(table, newID); err == nil {
			// The authoritative record already landed under the new id.
			if err := tx.Delete(table, oldID); err != nil {
				return 0, err
			}
		} else if apperrors.Is(err, apperrors.ErrNotFound) {
			rec[models.FieldID] = newID
			if err := tx.Delete(table, oldID); err != nil {
				return 0, err
			}
			if err := tx.write(table, rec, false); err != nil {
				return 0, err
			}
		} else {
			return 0, err
		}
		touched++
	case apperrors.Is(err, apperrors.ErrNotFound):
	default:
		return 0, err
	}

	for t := range tx.tables {
		n, err := tx.rewriteReferences(t, oldID, newID)
		if err != nil {
			return 0, err
		}
		touched += n
	}
	return touched, nil
}

// rewriteReferences replaces oldID in top-level string fields and string
// arrays of every record of table that mentions it.
func (tx *Tx) rewriteReferences(table models.Table, oldID, newID string) (int, error) {
	rows, err := tx.tx.QueryContext(tx.ctx,
		fmt.Sprintf("SELECT data FROM %s WHERE instr(data, ?) > 0", table), `"`+oldID+`"`)
	if err != nil {
		return 0, normalize(err, "scan references", map[string]interface{}{"table": string(table)})
	}
	var matches []models.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			rows.Close()
			return 0, normalize(err, "scan references", map[string]interface{}{"table": string(table)})
		}
		r, err := decode(table, data)
		if err != nil {
			rows.Close()
			return 0, err
		}
		matches = append(matches, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, normalize(err, "scan references", map[string]interface{}{"table": string(table)})
	}

	n := 0
	for _, r := range matches {
		if !r.ReplaceReferences(oldID, newID) {
			continue
		}
		if err := tx.write(table, r, true); err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}
