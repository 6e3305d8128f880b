package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/assets"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/models"
)

// NewRun holds the fields of a run at submission time.
type NewRun struct {
	ID              string
	RunKey          string
	JobName         string
	Tags            map[string]string
	DefinitionsHash string
	CreatedAt       time.Time
}

// CreateRun inserts a QUEUED run. If nr.RunKey is set and a run with that key
// exists that is not FAILED and was created at or after dedupSince, no row is
// written and the existing run is returned with created=false.
//
// Pass the zero time as dedupSince for an unbounded retention window.
func (s *Store) CreateRun(ctx context.Context, nr NewRun, dedupSince time.Time) (run *models.Run, created bool, err error) {
	tagsJSON, err := marshalTags(nr.Tags)
	if err != nil {
		return nil, false, fmt.Errorf("create run: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("create run: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if nr.RunKey != "" {
		var since int64
		if !dedupSince.IsZero() {
			since = toNanos(dedupSince)
		}
		var existingID string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM runs
			WHERE run_key = ? AND status != ? AND created_at >= ?
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		`, nr.RunKey, models.RunStatusFailed, since).Scan(&existingID)
		switch {
		case err == nil:
			if err := tx.Commit(); err != nil {
				return nil, false, fmt.Errorf("create run: commit: %w", err)
			}
			existing, err := s.GetRun(ctx, existingID)
			if err != nil {
				return nil, false, err
			}
			return existing, false, nil
		case !errors.Is(err, sql.ErrNoRows):
			return nil, false, fmt.Errorf("create run: dedup lookup: %w", err)
		}
	}

	var runKey sql.NullString
	if nr.RunKey != "" {
		runKey = sql.NullString{String: nr.RunKey, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, run_key, job_name, status, tags, definitions_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, nr.ID, runKey, nr.JobName, models.RunStatusQueued, tagsJSON, nr.DefinitionsHash, toNanos(nr.CreatedAt))
	if err != nil {
		return nil, false, fmt.Errorf("create run: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("create run: commit: %w", err)
	}

	return &models.Run{
		ID:              nr.ID,
		RunKey:          nr.RunKey,
		JobName:         nr.JobName,
		Tags:            nr.Tags,
		Status:          models.RunStatusQueued,
		DefinitionsHash: nr.DefinitionsHash,
		CreatedAt:       nr.CreatedAt.UTC(),
	}, true, nil
}

// TransitionRun moves a run from one status to another. The update only
// applies if the run is currently in from, so a terminal run can never be
// reopened. STARTED stamps started_at; terminal statuses stamp ended_at.
func (s *Store) TransitionRun(ctx context.Context, id string, from, to models.RunStatus, at time.Time) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	column := "started_at"
	if to.IsTerminal() {
		column = "ended_at"
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, `+column+` = ? WHERE id = ? AND status = ?`,
		to, toNanos(at), id, from,
	)
	if err != nil {
		return fmt.Errorf("transition run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition run: rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	current, err := s.runStatus(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: run %s is %s, not %s", ErrInvalidTransition, id, current, from)
}

// AppendAssetResult records one asset outcome for a run. A second result for
// the same asset in the same run is silently ignored.
func (s *Store) AppendAssetResult(ctx context.Context, runID string, result models.AssetResult, at time.Time) error {
	mdJSON, err := marshalMetadata(result.Metadata)
	if err != nil {
		return fmt.Errorf("append asset result: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO asset_results (run_id, seq, asset_key, status, metadata, recorded_at)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?
		FROM asset_results WHERE run_id = ?
		ON CONFLICT(run_id, asset_key) DO NOTHING
	`, runID, result.Key.String(), result.Status, mdJSON, toNanos(at), runID)
	if err != nil {
		return fmt.Errorf("append asset result: %w", err)
	}
	return nil
}

// GetRun loads a run and its asset results. Returns ErrRunNotFound if absent.
func (s *Store) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_key, job_name, status, tags, definitions_hash, created_at, started_at, ended_at
		FROM runs WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	events, err := s.assetResults(ctx, id)
	if err != nil {
		return nil, err
	}
	run.Events = events
	return run, nil
}

// RunFilter narrows ListRuns. Zero fields do not filter.
type RunFilter struct {
	JobName string
	Status  models.RunStatus
	RunKey  string
	Limit   int
}

// ListRuns returns runs newest first, without asset results.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]models.Run, error) {
	query := `SELECT id, run_key, job_name, status, tags, definitions_hash, created_at, started_at, ended_at FROM runs`
	var (
		where []string
		args  []any
	)
	if f.JobName != "" {
		where = append(where, "job_name = ?")
		args = append(args, f.JobName)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.RunKey != "" {
		where = append(where, "run_key = ?")
		args = append(args, f.RunKey)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: scan: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ListRunIDsByStatus returns the IDs of runs in status, oldest first. Used to
// pick up queued runs after a restart.
func (s *Store) ListRunIDsByStatus(ctx context.Context, status models.RunStatus) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM runs WHERE status = ? ORDER BY created_at ASC, id ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("list run ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list run ids: scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) runStatus(ctx context.Context, id string) (models.RunStatus, error) {
	var status models.RunStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("run status: %w", err)
	}
	return status, nil
}

func (s *Store) assetResults(ctx context.Context, runID string) ([]models.AssetResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT asset_key, status, metadata FROM asset_results
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("asset results: %w", err)
	}
	defer rows.Close()

	events := []models.AssetResult{}
	for rows.Next() {
		var keyStr, status, mdJSON string
		if err := rows.Scan(&keyStr, &status, &mdJSON); err != nil {
			return nil, fmt.Errorf("asset results: scan: %w", err)
		}
		key, err := assets.ParseKey(keyStr)
		if err != nil {
			return nil, fmt.Errorf("asset results: %w", err)
		}
		md, err := unmarshalMetadata(mdJSON)
		if err != nil {
			return nil, err
		}
		events = append(events, models.AssetResult{Key: key, Status: models.AssetStatus(status), Metadata: md})
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var (
		run       models.Run
		runKey    sql.NullString
		tagsJSON  string
		createdAt int64
		startedAt sql.NullInt64
		endedAt   sql.NullInt64
	)
	if err := row.Scan(&run.ID, &runKey, &run.JobName, &run.Status, &tagsJSON, &run.DefinitionsHash, &createdAt, &startedAt, &endedAt); err != nil {
		return nil, err
	}
	tags, err := unmarshalTags(tagsJSON)
	if err != nil {
		return nil, err
	}
	run.RunKey = runKey.String
	run.Tags = tags
	run.CreatedAt = fromNanos(createdAt)
	run.StartedAt = nullNanos(startedAt)
	run.EndedAt = nullNanos(endedAt)
	return &run, nil
}
