package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrTableNotFound is returned by Profile when the table has not been loaded.
var ErrTableNotFound = errors.New("table not found")

// ColumnProfile summarizes one column of a loaded table.
type ColumnProfile struct {
	Name  string   `json:"name"`
	Nulls int64    `json:"nulls"`
	Mean  *float64 `json:"mean,omitempty"` // nil when no value is numeric
}

// TableProfile summarizes a loaded table.
type TableProfile struct {
	Table   string          `json:"table"`
	Rows    int64           `json:"rows"`
	Columns []ColumnProfile `json:"columns"`
}

// Column returns the profile of name, matched case-insensitively.
func (p *TableProfile) Column(name string) (ColumnProfile, bool) {
	for _, c := range p.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return ColumnProfile{}, false
}

// Profile computes row, null and mean statistics for every column of table.
func (l *Loader) Profile(ctx context.Context, table string) (*TableProfile, error) {
	if !identifierRE.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	cols, err := l.columns(ctx, table)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}

	exprs := []string{"COUNT(*)"}
	for _, c := range cols {
		q := quoteIdent(c)
		exprs = append(exprs,
			fmt.Sprintf("SUM(CASE WHEN %s IS NULL THEN 1 ELSE 0 END)", q),
			fmt.Sprintf("AVG(CASE WHEN typeof(%s) IN ('integer','real') THEN %s END)", q, q),
		)
	}

	dest := make([]any, 0, len(exprs))
	var rows int64
	dest = append(dest, &rows)
	nulls := make([]sql.NullInt64, len(cols))
	means := make([]sql.NullFloat64, len(cols))
	for i := range cols {
		dest = append(dest, &nulls[i], &means[i])
	}

	query := "SELECT " + strings.Join(exprs, ", ") + " FROM " + quoteIdent(table)
	if err := l.db.QueryRowContext(ctx, query).Scan(dest...); err != nil {
		return nil, fmt.Errorf("profile %s: %w", table, err)
	}

	p := &TableProfile{Table: table, Rows: rows}
	for i, c := range cols {
		cp := ColumnProfile{Name: c, Nulls: nulls[i].Int64}
		if means[i].Valid {
			m := means[i].Float64
			cp.Mean = &m
		}
		p.Columns = append(p.Columns, cp)
	}
	return p, nil
}

func (l *Loader) columns(ctx context.Context, table string) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}
