// Package sinks implements concrete progress consumers: Prometheus,
// run-repository persistence and structured logging. Each sink satisfies
// progress.Sink and tolerates repeated Consume/Close cycles.
package sinks
