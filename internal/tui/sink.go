package tui

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/icon-resolver/internal/progress"
)

// Sink forwards hub batches to a Model. Closing the sink closes the update
// channel, which ends the program.
type Sink struct {
	mu      sync.Mutex
	updates chan progress.Event
	closed  bool
}

// NewSink returns a sink and the channel to hand to NewModel.
func NewSink(buffer int) (*Sink, <-chan progress.Event) {
	ch := make(chan progress.Event, buffer)
	return &Sink{updates: ch}, ch
}

// Consume forwards every event, blocking until the model catches up or ctx
// expires.
func (s *Sink) Consume(ctx context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	for _, evt := range batch {
		select {
		case s.updates <- evt:
		case <-ctx.Done():
			return fmt.Errorf("forward progress to tui: %w", ctx.Err())
		}
	}
	return nil
}

// Close closes the update channel once.
func (s *Sink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.updates)
	}
	return nil
}
