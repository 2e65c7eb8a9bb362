// Package models provides data model definitions for TaskNexus.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"
)

// Table names one of the local store's keyed tables.
type Table string

const (
	TableUsers       Table = "users"
	TableProjects    Table = "projects"
	TableSections    Table = "sections"
	TableTasks       Table = "tasks"
	TableLabels      Table = "labels"
	TableFilters     Table = "filters"
	TableComments    Table = "comments"
	TableAttachments Table = "attachments"
)

// AllTables lists every entity table in schema order.
var AllTables = []Table{
	TableUsers,
	TableProjects,
	TableSections,
	TableTasks,
	TableLabels,
	TableFilters,
	TableComments,
	TableAttachments,
}

// Index maps a record field onto its indexed column.
type Index struct {
	Field  string
	Column string
}

// TableIndexes lists the secondary indexes of each table. Index columns hold
// foreign-key-like references and are rewritten when a temporary id resolves.
var TableIndexes = map[Table][]Index{
	TableUsers:       {{Field: "email", Column: "email"}},
	TableProjects:    {{Field: "ownerId", Column: "owner_id"}},
	TableSections:    {{Field: "projectId", Column: "project_id"}},
	TableTasks:       {{Field: "projectId", Column: "project_id"}, {Field: "sectionId", Column: "section_id"}, {Field: "parentTaskId", Column: "parent_task_id"}},
	TableLabels:      {{Field: "ownerId", Column: "owner_id"}},
	TableFilters:     {{Field: "ownerId", Column: "owner_id"}},
	TableComments:    {{Field: "taskId", Column: "task_id"}, {Field: "projectId", Column: "project_id"}},
	TableAttachments: {{Field: "commentId", Column: "comment_id"}, {Field: "taskId", Column: "task_id"}},
}

// Valid reports whether t is a known entity table.
func (t Table) Valid() bool {
	_, ok := TableIndexes[t]
	return ok
}

// ParseTable validates a table name from an external caller.
func ParseTable(s string) (Table, error) {
	t := Table(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown table %q", s)
	}
	return t, nil
}

// IndexColumn returns the column backing field, if field is indexed.
func (t Table) IndexColumn(field string) (string, bool) {
	for _, idx := range TableIndexes[t] {
		if idx.Field == field {
			return idx.Column, true
		}
	}
	return "", false
}

// Standard record fields.
const (
	FieldID        = "id"
	FieldVersion   = "version"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
)

// Record is one row of an entity table, as the JSON object the remote
// authority exchanges.
type Record map[string]interface{}

// ID returns the record identifier.
func (r Record) ID() string {
	return r.String(FieldID)
}

// Version returns the remote-assigned revision, 0 if never synced.
func (r Record) Version() int64 {
	return r.Int(FieldVersion)
}

// UpdatedAt returns the last modification time in unix milliseconds.
func (r Record) UpdatedAt() int64 {
	return r.Int(FieldUpdatedAt)
}

// String returns a string field, or "" when absent or not a string.
func (r Record) String(field string) string {
	switch v := r[field].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Int returns a numeric field as int64.
func (r Record) Int(field string) int64 {
	switch v := r[field].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	case float32:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

// Bool returns a boolean field.
func (r Record) Bool(field string) bool {
	b, _ := r[field].(bool)
	return b
}

// Clone returns a deep copy so callers can never alias another's state.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case Record:
		return t.Clone()
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}

// Touch stamps updatedAt (and createdAt when missing) with now.
func (r Record) Touch(now time.Time) {
	ms := now.UnixMilli()
	if _, ok := r[FieldCreatedAt]; !ok {
		r[FieldCreatedAt] = ms
	}
	r[FieldUpdatedAt] = ms
}

// ReplaceReferences rewrites oldID to newID in the top-level string fields
// and string arrays of r, skipping its own id. It reports whether anything
// changed.
func (r Record) ReplaceReferences(oldID, newID string) bool {
	changed := false
	for k, v := range r {
		if k == FieldID {
			continue
		}
		switch val := v.(type) {
		case string:
			if val == oldID {
				r[k] = newID
				changed = true
			}
		case []interface{}:
			for i, e := range val {
				if s, ok := e.(string); ok && s == oldID {
					val[i] = newID
					changed = true
				}
			}
		case []string:
			for i, s := range val {
				if s == oldID {
					val[i] = newID
					changed = true
				}
			}
		}
	}
	return changed
}

// References reports whether any top-level string field or string array
// element other than the id equals id.
func (r Record) References(id string) bool {
	for k, v := range r {
		if k == FieldID {
			continue
		}
		switch val := v.(type) {
		case string:
			if val == id {
				return true
			}
		case []interface{}:
			for _, e := range val {
				if s, ok := e.(string); ok && s == id {
					return true
				}
			}
		case []string:
			for _, s := range val {
				if s == id {
					return true
				}
			}
		}
	}
	return false
}

// DecodeRecord parses a JSON object into a Record. Whole numbers decode as
// int64 at any depth, so large ids and versions keep every digit.
func DecodeRecord(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var r Record
	if err := dec.Decode(&r); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected data after record")
	}
	for k, v := range r {
		r[k] = normalize(v)
	}
	return r, nil
}

// normalize replaces json.Number with int64, or float64 when the number
// has a fraction or does not fit.
func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
		f, _ := val.Float64()
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case map[string]interface{}:
		for k, e := range val {
			val[k] = normalize(e)
		}
	case []interface{}:
		for i, e := range val {
			val[i] = normalize(e)
		}
	}
	return v
}

// ToRecord converts any JSON-tagged struct into a Record.
func ToRecord(v interface{}) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return DecodeRecord(data)
}

// FromRecord decodes a Record into a typed model.
func FromRecord[T any](r Record) (*T, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
