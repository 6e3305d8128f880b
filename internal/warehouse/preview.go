package warehouse

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// PreviewRows is how many rows Load renders into ingest.Result.Preview.
const PreviewRows = 5

// Preview renders the first n rows of table, in load order, as a markdown
// table.
func (l *Loader) Preview(ctx context.Context, table string, n int) (string, error) {
	if !identifierRE.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}

	rows, err := l.db.QueryContext(ctx, "SELECT * FROM "+quoteIdent(table)+" ORDER BY rowid LIMIT ?", n)
	if err != nil {
		return "", fmt.Errorf("preview %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", fmt.Errorf("preview %s: %w", table, err)
	}

	var buf strings.Builder
	writeMarkdownRow(&buf, cols)
	sep := make([]string, len(cols))
	for i := range sep {
		sep[i] = "---"
	}
	writeMarkdownRow(&buf, sep)

	vals := make([]any, len(cols))
	dest := make([]any, len(cols))
	for i := range vals {
		dest[i] = &vals[i]
	}
	cells := make([]string, len(cols))
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return "", fmt.Errorf("preview %s: %w", table, err)
		}
		for i, v := range vals {
			cells[i] = formatCell(v)
		}
		writeMarkdownRow(&buf, cells)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("preview %s: %w", table, err)
	}
	return buf.String(), nil
}

func writeMarkdownRow(buf *strings.Builder, cells []string) {
	buf.WriteString("|")
	for _, c := range cells {
		buf.WriteString(" ")
		buf.WriteString(strings.ReplaceAll(c, "|", `\|`))
		buf.WriteString(" |")
	}
	buf.WriteString("\n")
}

func formatCell(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case []byte:
		return string(v)
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
