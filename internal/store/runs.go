package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrExists is returned when creating a row whose key is already taken.
var ErrExists = errors.New("record already exists")

// RunStatus mirrors the batch_runs status column.
type RunStatus string

// Batch run statuses.
const (
	RunQueued   RunStatus = "queued"
	RunRunning  RunStatus = "running"
	RunSuccess  RunStatus = "success"
	RunCanceled RunStatus = "canceled"
	RunError    RunStatus = "error"
)

// Terminal reports whether no further transitions are expected.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunCanceled || s == RunError
}

// RunCounts holds the per-outcome counters of a batch run.
type RunCounts struct {
	Success  int `json:"success"`
	NotFound int `json:"not_found"`
	Error    int `json:"error"`
	Skipped  int `json:"skipped"`
	Canceled int `json:"canceled"`
}

// BatchRun models the batch_runs table for API responses.
type BatchRun struct {
	ID     uuid.UUID
	Mode   string
	Status RunStatus
	// Total is the number of records in the batch; Completed never decreases.
	Total     int
	Completed int
	Counts    RunCounts
	CreatedAt time.Time
	// StartedAt and FinishedAt stay nil until the matching transition.
	StartedAt    *time.Time
	FinishedAt   *time.Time
	UpdatedAt    time.Time
	ErrorMessage *string
}

// RunRepository persists batch runs and their incremental progress.
type RunRepository interface {
	// CreateRun inserts a queued run. It returns ErrExists for duplicate IDs.
	CreateRun(ctx context.Context, run BatchRun) error
	// MarkStarted moves the run to running and records the total.
	MarkStarted(ctx context.Context, id uuid.UUID, at time.Time, total int) error
	// UpdateProgress stores a progress snapshot. Snapshots older than the
	// stored one (lower Completed) are ignored.
	UpdateProgress(ctx context.Context, id uuid.UUID, completed int, counts RunCounts, at time.Time) error
	// CompleteRun marks the run finished with the provided status and error.
	CompleteRun(ctx context.Context, id uuid.UUID, at time.Time, status RunStatus, errMsg *string) error
	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, id uuid.UUID) (BatchRun, error)
	// ListRuns returns runs newest first filtered by optional status.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]BatchRun, error)
}
