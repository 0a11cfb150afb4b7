package query

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// selectBuilder appends numbered Postgres placeholders as filters are added.
type selectBuilder struct {
	sql   strings.Builder
	args  []any
	where bool
}

func newSelect(base string) *selectBuilder {
	b := &selectBuilder{}
	b.sql.WriteString(base)
	return b
}

// arg registers v and returns its placeholder.
func (b *selectBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

// filter adds a condition. Every %s in cond is replaced by the placeholder
// for v.
func (b *selectBuilder) filter(cond string, v any) {
	if b.where {
		b.sql.WriteString(" AND ")
	} else {
		b.sql.WriteString(" WHERE ")
		b.where = true
	}
	b.sql.WriteString(strings.ReplaceAll(cond, "%s", b.arg(v)))
}

func (b *selectBuilder) orderLimit(order string, limit int) {
	b.sql.WriteString(" ORDER BY " + order)
	if limit > 0 {
		b.sql.WriteString(" LIMIT " + b.arg(limit))
	}
}

func (b *selectBuilder) String() string { return b.sql.String() }

// scanner matches *sql.Rows for one row's worth of Scan.
type scanner interface {
	Scan(dest ...any) error
}

// collect runs q and maps every row through scan.
func collect[T any](ctx context.Context, db *sql.DB, q string, args []any, scan func(scanner) (T, error)) ([]T, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
