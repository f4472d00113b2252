// Package dispatcher fans queued work out to a fixed pool of workers.
package dispatcher

import (
	"context"
	"sync"
)

// Source yields work items. Dequeue returns an error once no more items will
// arrive.
type Source[T any] interface {
	Dequeue(ctx context.Context) (T, error)
}

// Handler processes one item.
type Handler[T any] func(ctx context.Context, item T)

// Dispatcher runs a pool of workers over a Source.
type Dispatcher[T any] struct {
	source  Source[T]
	workers int
	handle  Handler[T]
}

// New creates a Dispatcher with at least one worker.
func New[T any](source Source[T], workers int, handle Handler[T]) *Dispatcher[T] {
	return &Dispatcher[T]{
		source:  source,
		workers: max(workers, 1),
		handle:  handle,
	}
}

// Run starts all workers and blocks until every worker has stopped, either
// because ctx ended or the source is exhausted.
func (d *Dispatcher[T]) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for range d.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := d.source.Dequeue(ctx)
				if err != nil {
					return
				}
				d.handle(ctx, item)
			}
		}()
	}
	wg.Wait()
}
