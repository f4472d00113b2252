package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/icon-resolver/internal/store"
)

// RunStore implements store.RunRepository.
type RunStore struct {
	db *sql.DB
}

var _ store.RunRepository = (*RunStore)(nil)

const runColumns = `id, mode, status, total, completed,
	n_success, n_not_found, n_error, n_skipped, n_canceled,
	created_at, started_at, finished_at, updated_at, error_message`

// CreateRun inserts a queued run.
func (s *RunStore) CreateRun(ctx context.Context, run store.BatchRun) error {
	if run.Status == "" {
		run.Status = store.RunQueued
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO batch_runs (id, mode, status, total, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		run.ID.String(), run.Mode, string(run.Status), run.Total,
		toNanos(run.CreatedAt), toNanos(run.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrExists
	}
	return nil
}

// MarkStarted moves a run to running, inserting it when unknown. Terminal
// runs are left untouched.
func (s *RunStore) MarkStarted(ctx context.Context, id uuid.UUID, at time.Time, total int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batch_runs (id, status, total, created_at, started_at, updated_at)
		 VALUES (?1, ?2, ?3, ?4, ?4, ?4)
		 ON CONFLICT(id) DO UPDATE SET
		   status = ?2, total = ?3,
		   started_at = COALESCE(batch_runs.started_at, ?4),
		   updated_at = ?4
		 WHERE batch_runs.status IN ('queued', 'running')`,
		id.String(), string(store.RunRunning), total, toNanos(at),
	)
	if err != nil {
		return fmt.Errorf("mark run %s started: %w", id, err)
	}
	return nil
}

// UpdateProgress stores a snapshot unless a more advanced one exists.
func (s *RunStore) UpdateProgress(
	ctx context.Context,
	id uuid.UUID,
	completed int,
	counts store.RunCounts,
	at time.Time,
) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_runs SET completed = ?, n_success = ?, n_not_found = ?, n_error = ?,
		   n_skipped = ?, n_canceled = ?, updated_at = ?
		 WHERE id = ? AND completed <= ?`,
		completed, counts.Success, counts.NotFound, counts.Error, counts.Skipped, counts.Canceled,
		toNanos(at), id.String(), completed,
	)
	if err != nil {
		return fmt.Errorf("update run %s progress: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if _, err := s.GetRun(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// CompleteRun records the terminal status.
func (s *RunStore) CompleteRun(
	ctx context.Context,
	id uuid.UUID,
	at time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_runs SET status = ?, finished_at = ?, updated_at = ?,
		   error_message = COALESCE(?, error_message)
		 WHERE id = ?`,
		string(status), toNanos(at), toNanos(at), errMsg, id.String(),
	)
	if err != nil {
		return fmt.Errorf("complete run %s: %w", id, err)
	}
	return requireRow(res)
}

// GetRun loads one run.
func (s *RunStore) GetRun(ctx context.Context, id uuid.UUID) (store.BatchRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM batch_runs WHERE id = ?`, id.String())
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.BatchRun{}, store.ErrNotFound
	}
	if err != nil {
		return store.BatchRun{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns runs newest first. A non-positive limit means no limit.
func (s *RunStore) ListRuns(
	ctx context.Context,
	status *store.RunStatus,
	limit, offset int,
) ([]store.BatchRun, error) {
	var filter sql.NullString
	if status != nil {
		filter = sql.NullString{String: string(*status), Valid: true}
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM batch_runs
		 WHERE (?1 IS NULL OR status = ?1)
		 ORDER BY created_at DESC LIMIT ?2 OFFSET ?3`,
		filter, limit, max(offset, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	runs := []store.BatchRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func scanRun(row scanner) (store.BatchRun, error) {
	var (
		run               store.BatchRun
		id, status        string
		created, updated  int64
		started, finished sql.NullInt64
		errMsg            sql.NullString
	)
	err := row.Scan(&id, &run.Mode, &status, &run.Total, &run.Completed,
		&run.Counts.Success, &run.Counts.NotFound, &run.Counts.Error,
		&run.Counts.Skipped, &run.Counts.Canceled,
		&created, &started, &finished, &updated, &errMsg)
	if err != nil {
		return store.BatchRun{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return store.BatchRun{}, fmt.Errorf("parse run id %q: %w", id, err)
	}
	run.ID = parsed
	run.Status = store.RunStatus(status)
	run.CreatedAt = fromNanos(created)
	run.UpdatedAt = fromNanos(updated)
	run.StartedAt = fromNullNanos(started)
	run.FinishedAt = fromNullNanos(finished)
	if errMsg.Valid {
		msg := errMsg.String
		run.ErrorMessage = &msg
	}
	return run, nil
}
