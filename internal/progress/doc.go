// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces a batch run uses to report per-identifier progress. Events are
// batched on a background goroutine and fanned out to pluggable sinks such as
// Prometheus metrics, the run repository, or a terminal UI.
package progress
