// Package memory provides in-memory entry and batch-run repositories for the
// CLI, the API and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/icon-resolver/internal/store"
)

// RunStore keeps batch runs in a map guarded by a RWMutex.
type RunStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]store.BatchRun
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore constructs an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[uuid.UUID]store.BatchRun)}
}

// CreateRun stores a new run in queued status.
func (s *RunStore) CreateRun(_ context.Context, run store.BatchRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return store.ErrExists
	}
	if run.Status == "" {
		run.Status = store.RunQueued
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	run.UpdatedAt = run.CreatedAt
	s.runs[run.ID] = run
	return nil
}

// MarkStarted moves a run to running. Unknown IDs are created on the fly so
// progress emitted by ad-hoc batches is still recorded.
func (s *RunStore) MarkStarted(_ context.Context, id uuid.UUID, at time.Time, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		run = store.BatchRun{ID: id, CreatedAt: at}
	}
	if run.Status.Terminal() {
		return nil
	}
	run.Status = store.RunRunning
	run.Total = total
	if run.StartedAt == nil {
		run.StartedAt = pointerTime(at)
	}
	run.UpdatedAt = at
	s.runs[id] = run
	return nil
}

// UpdateProgress applies a snapshot unless an equal or newer one is stored.
func (s *RunStore) UpdateProgress(
	_ context.Context,
	id uuid.UUID,
	completed int,
	counts store.RunCounts,
	at time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	if completed < run.Completed {
		return nil
	}
	run.Completed = completed
	run.Counts = counts
	run.UpdatedAt = at
	s.runs[id] = run
	return nil
}

// CompleteRun records the terminal status.
func (s *RunStore) CompleteRun(
	_ context.Context,
	id uuid.UUID,
	at time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	run.Status = status
	run.FinishedAt = pointerTime(at)
	run.UpdatedAt = at
	if errMsg != nil {
		msg := *errMsg
		run.ErrorMessage = &msg
	}
	s.runs[id] = run
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, id uuid.UUID) (store.BatchRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return store.BatchRun{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *RunStore) ListRuns(
	_ context.Context,
	status *store.RunStatus,
	limit, offset int,
) ([]store.BatchRun, error) {
	s.mu.RLock()
	out := make([]store.BatchRun, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		out = append(out, run)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if offset >= len(out) {
		return []store.BatchRun{}, nil
	}
	out = out[max(offset, 0):]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
