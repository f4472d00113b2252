package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/icon-resolver/internal/metrics"
	"github.com/JakeFAU/icon-resolver/internal/progress"
)

// PrometheusSink exports batch progress via Prometheus: batches
// started/finished/running and per-outcome item counters.
type PrometheusSink struct {
	batchesStarted  prometheus.Counter
	batchesFinished *prometheus.CounterVec
	batchesRunning  prometheus.Gauge
	batchRuntime    *prometheus.HistogramVec

	items        *prometheus.CounterVec
	itemDuration *prometheus.HistogramVec

	tracker *batchTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		batchesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "icon_batches_started_total",
			Help: "Total batches that have started.",
		}),
		batchesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "icon_batches_finished_total",
			Help: "Total batches finished partitioned by result.",
		}, []string{"result"}),
		batchesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "icon_batches_running",
			Help: "Current number of running batches.",
		}),
		batchRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "icon_batch_runtime_seconds",
			Help:    "Wall time per finished batch.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "icon_batch_items_total",
			Help: "Finished batch items partitioned by site and outcome.",
		}, []string{"site", "outcome"}),
		itemDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "icon_batch_item_duration_seconds",
			Help:    "Per-item resolution time partitioned by outcome.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"outcome"}),
		tracker: newBatchTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.batchesStarted,
		s.batchesFinished,
		s.batchesRunning,
		s.batchRuntime,
		s.items,
		s.itemDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. It is safe for concurrent
// use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageBatchStart:
			s.batchesStarted.Inc()
			if s.tracker.start(evt.BatchID) {
				s.batchesRunning.Inc()
			}
		case progress.StageItemDone:
			s.items.WithLabelValues(metrics.SanitizeSite(evt.Site), string(evt.Outcome)).Inc()
			if evt.Dur > 0 {
				s.itemDuration.WithLabelValues(string(evt.Outcome)).Observe(evt.Dur.Seconds())
			}
		case progress.StageBatchDone:
			s.finish(evt, "success")
		case progress.StageBatchCanceled:
			s.finish(evt, "canceled")
		case progress.StageBatchError:
			s.finish(evt, "error")
		}
	}
	return nil
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.batchesFinished.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.batchRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.BatchID) {
		s.batchesRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type batchTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newBatchTracker() *batchTracker {
	return &batchTracker{running: make(map[[16]byte]struct{})}
}

func (t *batchTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *batchTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
