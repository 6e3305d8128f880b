// Package ingest defines the contract of the ingestion loader: a full-refresh
// load of one source file into one destination table.
//
// Full refresh means the destination's content after a successful Load equals
// the source content at call time, whatever the destination held before.
// Loading the same unchanged source twice therefore leaves the table in the
// same observable state; the row count is never additive.
package ingest

import (
	"context"
	"errors"
	"fmt"
)

// Spec names what to load and where.
type Spec struct {
	SourcePath string `json:"source_path" yaml:"source_path"`
	Table      string `json:"table" yaml:"table"`
}

// Result is what a loader reports after a successful load.
type Result struct {
	RowCount int64  `json:"row_count"`
	ByteSize int64  `json:"byte_size"`
	TableID  string `json:"table_id"`

	// Preview is a markdown table of the first loaded rows. Loaders that
	// cannot read back what they wrote leave it empty.
	Preview string `json:"preview,omitempty"`
}

// Loader performs full-refresh loads.
type Loader interface {
	Load(ctx context.Context, spec Spec) (Result, error)
}

// SourceNotFoundError is returned when the source file does not exist.
type SourceNotFoundError struct {
	Path string
}

func (e *SourceNotFoundError) Error() string {
	return fmt.Sprintf("source not found: %s", e.Path)
}

// LoadError wraps any transport or schema failure during a load.
type LoadError struct {
	Table string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load into %s failed: %v", e.Table, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// IsSourceNotFound reports whether err is a *SourceNotFoundError.
func IsSourceNotFound(err error) bool {
	var snf *SourceNotFoundError
	return errors.As(err, &snf)
}
