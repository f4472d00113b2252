package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/icon-resolver/internal/progress"
)

// LogSink writes one structured line per progress event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch. Item events log at Debug, batch
// milestones at Info.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.Stringer("batch_id", evt.BatchUUID()),
			zap.String("stage", string(evt.Stage)),
			zap.Int("completed", evt.Completed),
			zap.Int("total", evt.Total),
			zap.Duration("dur", evt.Dur),
		}
		if evt.Stage == progress.StageItemDone {
			fields = append(fields,
				zap.Int("index", evt.Index),
				zap.String("identifier", evt.Identifier),
				zap.String("site", evt.Site),
				zap.String("outcome", string(evt.Outcome)))
		} else {
			fields = append(fields, zap.Any("counts", evt.Counts))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Stage == progress.StageItemDone {
			s.logger.Debug("progress event", fields...)
			continue
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
