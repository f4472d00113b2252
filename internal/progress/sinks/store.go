package sinks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/icon-resolver/internal/progress"
	"github.com/JakeFAU/icon-resolver/internal/store"
)

// StoreSink persists batch lifecycle and progress snapshots via a
// store.RunRepository. Item events within one flush collapse to the most
// advanced snapshot per batch.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards lifecycle events in order and writes one progress row per
// batch. Repository errors are returned wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	pending := make(map[uuid.UUID]progress.Event)
	var order []uuid.UUID

	for _, evt := range batch {
		id := evt.BatchUUID()
		switch evt.Stage {
		case progress.StageBatchStart:
			if err := s.repo.MarkStarted(ctx, id, evt.TS, evt.Total); err != nil {
				return fmt.Errorf("mark batch started: %w", err)
			}
		case progress.StageItemDone:
			prev, seen := pending[id]
			if !seen {
				order = append(order, id)
			}
			if !seen || evt.Completed >= prev.Completed {
				pending[id] = evt
			}
		case progress.StageBatchDone, progress.StageBatchCanceled, progress.StageBatchError:
			delete(pending, id)
			if err := s.writeProgress(ctx, evt); err != nil {
				return err
			}
			if err := s.complete(ctx, evt); err != nil {
				return err
			}
		}
	}

	for _, id := range order {
		evt, ok := pending[id]
		if !ok {
			continue
		}
		if err := s.writeProgress(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) writeProgress(ctx context.Context, evt progress.Event) error {
	if err := s.repo.UpdateProgress(ctx, evt.BatchUUID(), evt.Completed, runCounts(evt.Counts), evt.TS); err != nil {
		return fmt.Errorf("update batch progress: %w", err)
	}
	return nil
}

func (s *StoreSink) complete(ctx context.Context, evt progress.Event) error {
	status := store.RunSuccess
	switch evt.Stage {
	case progress.StageBatchCanceled:
		status = store.RunCanceled
	case progress.StageBatchError:
		status = store.RunError
	}
	var note *string
	if evt.Note != "" {
		note = &evt.Note
	}
	if err := s.repo.CompleteRun(ctx, evt.BatchUUID(), evt.TS, status, note); err != nil {
		return fmt.Errorf("complete batch: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

func runCounts(c progress.Counts) store.RunCounts {
	return store.RunCounts{
		Success:  c.Success,
		NotFound: c.NotFound,
		Error:    c.Error,
		Skipped:  c.Skipped,
		Canceled: c.Canceled,
	}
}
