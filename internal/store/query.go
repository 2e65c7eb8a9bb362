package store

import (
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/kimhsiao/tasknexus/backend/internal/errors"
	"github.com/kimhsiao/tasknexus/backend/internal/models"
)

// Query selects records of one table. Where matches on the id or on indexed
// fields only; Filter runs on the decoded records afterwards.
type Query struct {
	Where  map[string]interface{}
	Filter func(models.Record) bool
	SortBy string
	Desc   bool
	Limit  int
	Offset int
}

// Where is a shorthand for an equality query on one indexed field.
func Where(field string, value interface{}) Query {
	return Query{Where: map[string]interface{}{field: value}}
}

var baseColumns = map[string]string{
	models.FieldID:        "id",
	models.FieldVersion:   "version",
	models.FieldCreatedAt: "created_at",
	models.FieldUpdatedAt: "updated_at",
}

func column(table models.Table, field string) (string, bool) {
	if col, ok := baseColumns[field]; ok {
		return col, true
	}
	return table.IndexColumn(field)
}

func (q Query) where(table models.Table) (string, []interface{}, error) {
	if len(q.Where) == 0 {
		return "", nil, nil
	}
	fields := make([]string, 0, len(q.Where))
	for f := range q.Where {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var clauses []string
	var args []interface{}
	for _, f := range fields {
		col, ok := column(table, f)
		if !ok || col == "data" {
			return "", nil, apperrors.Database(apperrors.TypeQuery, apperrors.ErrInvalid, "field is not indexed", nil).
				WithDetail("table", string(table)).
				WithDetail("field", f)
		}
		v := q.Where[f]
		if v == nil {
			clauses = append(clauses, col+" IS NULL")
			continue
		}
		clauses = append(clauses, col+" = ?")
		args = append(args, fmt.Sprint(v))
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

// Query returns the records of table matching q.
func (tx *Tx) Query(table models.Table, q Query) ([]models.Record, error) {
	if err := tx.check(table, false); err != nil {
		return nil, err
	}
	where, args, err := q.where(table)
	if err != nil {
		return nil, err
	}

	sortCol, sortInSQL := column(table, q.SortBy)
	if q.SortBy == "" {
		sortCol, sortInSQL = "created_at", true
	}
	pushdown := q.Filter == nil && sortInSQL

	query := fmt.Sprintf("SELECT data FROM %s%s", table, where)
	if pushdown {
		dir := "ASC"
		if q.Desc {
			dir = "DESC"
		}
		query += fmt.Sprintf(" ORDER BY %s %s, id %s", sortCol, dir, dir)
		if q.Limit > 0 || q.Offset > 0 {
			limit := q.Limit
			if limit <= 0 {
				limit = -1
			}
			query += " LIMIT ? OFFSET ?"
			args = append(args, limit, q.Offset)
		}
	}

	records, err := tx.scan(table, query, args...)
	if err != nil || pushdown {
		return records, err
	}

	if q.Filter != nil {
		kept := records[:0]
		for _, r := range records {
			if q.Filter(r) {
				kept = append(kept, r)
			}
		}
		records = kept
	}
	sortField := q.SortBy
	if sortField == "" {
		sortField = models.FieldCreatedAt
	}
	sort.SliceStable(records, func(i, j int) bool {
		c := compareValues(records[i][sortField], records[j][sortField])
		if c == 0 {
			c = strings.Compare(records[i].ID(), records[j].ID())
		}
		if q.Desc {
			return c > 0
		}
		return c < 0
	})
	return paginate(records, q.Offset, q.Limit), nil
}

// Count returns how many records of table match q, ignoring pagination.
func (tx *Tx) Count(table models.Table, q Query) (int, error) {
	if err := tx.check(table, false); err != nil {
		return 0, err
	}
	if q.Filter != nil {
		q.Limit, q.Offset = 0, 0
		records, err := tx.Query(table, q)
		return len(records), err
	}
	where, args, err := q.where(table)
	if err != nil {
		return 0, err
	}
	var n int
	if err := tx.tx.QueryRowContext(tx.ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s%s", table, where), args...).Scan(&n); err != nil {
		return 0, normalize(err, "count records", map[string]interface{}{"table": string(table)})
	}
	return n, nil
}

func (tx *Tx) scan(table models.Table, query string, args ...interface{}) ([]models.Record, error) {
	rows, err := tx.tx.QueryContext(tx.ctx, query, args...)
	if err != nil {
		return nil, normalize(err, "query records", map[string]interface{}{"table": string(table)})
	}
	defer rows.Close()

	var records []models.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, normalize(err, "query records", map[string]interface{}{"table": string(table)})
		}
		r, err := decode(table, data)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, normalize(err, "query records", map[string]interface{}{"table": string(table)})
	}
	return records, nil
}

func paginate(records []models.Record, offset, limit int) []models.Record {
	if offset > 0 {
		if offset >= len(records) {
			return []models.Record{}
		}
		records = records[offset:]
	}
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records
}

// compareValues orders nil first, then numbers, then strings by value.
func compareValues(a, b interface{}) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch ra {
	case 1:
		fa, fb := number(a), number(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case 2:
		ba, bb := a.(bool), b.(bool)
		switch {
		case ba == bb:
			return 0
		case !ba:
			return -1
		}
		return 1
	case 3:
		return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
	}
	return 0
}

func rank(v interface{}) int {
	switch v.(type) {
	case nil:
		return 0
	case int, int32, int64, float32, float64:
		return 1
	case bool:
		return 2
	}
	return 3
}

func number(v interface{}) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case float64:
		return n
	}
	return 0
}
