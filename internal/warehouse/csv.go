package warehouse

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

type columnType int

const (
	typeInteger columnType = iota
	typeReal
	typeText
)

func (t columnType) sql() string {
	switch t {
	case typeInteger:
		return "INTEGER"
	case typeReal:
		return "REAL"
	default:
		return "TEXT"
	}
}

type column struct {
	name string
	typ  columnType
}

// convert maps a CSV field to a driver value. Empty fields become NULL.
func (c column) convert(s string) any {
	if s == "" {
		return nil
	}
	switch c.typ {
	case typeInteger:
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			return v
		}
	case typeReal:
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return v
		}
	}
	return s
}

// inferSchema reads the file once and narrows every column to the most
// specific type all of its non-empty values parse as.
func inferSchema(path string) ([]column, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s: empty file, no header", path)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: read header: %w", path, err)
	}

	cols := make([]column, len(header))
	seen := make(map[string]bool, len(header))
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		if seen[strings.ToLower(name)] {
			return nil, fmt.Errorf("%s: duplicate column %q", path, name)
		}
		seen[strings.ToLower(name)] = true
		cols[i] = column{name: name, typ: typeInteger}
	}

	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		for i, v := range record {
			if v == "" || cols[i].typ == typeText {
				continue
			}
			if cols[i].typ == typeInteger {
				if _, err := strconv.ParseInt(v, 10, 64); err == nil {
					continue
				}
				cols[i].typ = typeReal
			}
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				cols[i].typ = typeText
			}
		}
	}
	return cols, nil
}

// eachRecord calls fn for every data record of the file, skipping the header.
func eachRecord(path string, fn func([]string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.ReuseRecord = true
	if _, err := r.Read(); err != nil {
		return fmt.Errorf("%s: read header: %w", path, err)
	}
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := fn(record); err != nil {
			return err
		}
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func createTableSQL(table string, cols []column) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = quoteIdent(c.name) + " " + c.typ.sql()
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(defs, ", "))
}

func insertSQL(table string, cols []column) string {
	names := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		names[i] = quoteIdent(c.name)
		marks[i] = "?"
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(names, ", "), strings.Join(marks, ", "))
}
