// Package warehouse is a SQLite-backed ingest.Loader. It loads a CSV file
// into a table with write-truncate semantics: the table is dropped and
// recreated from the file inside one transaction, so a reader sees either the
// old content or the new content, never a mix, and repeated loads of the same
// file leave the same table.
package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/ingest"
)

var identifierRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Loader loads CSV files into a SQLite database.
//
// Thread-safety: safe for concurrent use; loads are serialized by the single
// database connection.
type Loader struct {
	db      *sql.DB
	project string
	dataset string
	logger  *slog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithProject sets the project component of reported table IDs.
func WithProject(project string) Option {
	return func(l *Loader) {
		l.project = project
	}
}

// WithDataset sets the dataset component of reported table IDs.
func WithDataset(dataset string) Option {
	return func(l *Loader) {
		l.dataset = dataset
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// Open creates or opens the warehouse database at path.
func Open(path string, opts ...Option) (*Loader, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create warehouse directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open warehouse: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	l := &Loader{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Close closes the database.
func (l *Loader) Close() error {
	return l.db.Close()
}

// TableID returns the fully qualified identifier reported for table:
// project.dataset.table, omitting empty components.
func (l *Loader) TableID(table string) string {
	id := table
	if l.dataset != "" {
		id = l.dataset + "." + id
	}
	if l.project != "" {
		id = l.project + "." + id
	}
	return id
}

// Load replaces spec.Table with the content of spec.SourcePath.
func (l *Loader) Load(ctx context.Context, spec ingest.Spec) (ingest.Result, error) {
	info, err := os.Stat(spec.SourcePath)
	if errors.Is(err, fs.ErrNotExist) {
		return ingest.Result{}, &ingest.SourceNotFoundError{Path: spec.SourcePath}
	}
	if err != nil {
		return ingest.Result{}, &ingest.LoadError{Table: spec.Table, Err: err}
	}
	if !identifierRE.MatchString(spec.Table) {
		return ingest.Result{}, &ingest.LoadError{Table: spec.Table, Err: fmt.Errorf("invalid table name %q", spec.Table)}
	}

	schema, err := inferSchema(spec.SourcePath)
	if err != nil {
		return ingest.Result{}, &ingest.LoadError{Table: spec.Table, Err: err}
	}

	l.logger.Info("loading csv", "source", spec.SourcePath, "table", l.TableID(spec.Table), "columns", len(schema))
	rows, err := l.replace(ctx, spec, schema)
	if err != nil {
		return ingest.Result{}, &ingest.LoadError{Table: spec.Table, Err: err}
	}

	// Verify against the table rather than trusting the insert count.
	count, err := l.RowCount(ctx, spec.Table)
	if err != nil {
		return ingest.Result{}, &ingest.LoadError{Table: spec.Table, Err: err}
	}
	if count != rows {
		return ingest.Result{}, &ingest.LoadError{Table: spec.Table, Err: fmt.Errorf("inserted %d rows but table holds %d", rows, count)}
	}

	preview, err := l.Preview(ctx, spec.Table, PreviewRows)
	if err != nil {
		// The load itself succeeded.
		l.logger.Warn("preview failed", "table", spec.Table, "error", err)
	}

	return ingest.Result{
		RowCount: count,
		ByteSize: info.Size(),
		TableID:  l.TableID(spec.Table),
		Preview:  preview,
	}, nil
}

// RowCount returns the number of rows in table.
func (l *Loader) RowCount(ctx context.Context, table string) (int64, error) {
	if !identifierRE.MatchString(table) {
		return 0, fmt.Errorf("invalid table name %q", table)
	}
	var n int64
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM "`+table+`"`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rows of %s: %w", table, err)
	}
	return n, nil
}

func (l *Loader) replace(ctx context.Context, spec ingest.Spec, schema []column) (int64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	table := quoteIdent(spec.Table)
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
		return 0, fmt.Errorf("drop table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, createTableSQL(table, schema)); err != nil {
		return 0, fmt.Errorf("create table: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, insertSQL(table, schema))
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	var n int64
	err = eachRecord(spec.SourcePath, func(record []string) error {
		args := make([]any, len(schema))
		for i, col := range schema {
			args[i] = col.convert(record[i])
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert row %d: %w", n+1, err)
		}
		n++
		return nil
	})
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}
