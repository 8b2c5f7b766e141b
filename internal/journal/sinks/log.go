package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobstream/internal/journal"
)

// LogSink writes every record to the structured log.
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

// Consume logs each record in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []journal.Record) error {
	for _, rec := range batch {
		fields := []zap.Field{
			zap.String("job_id", rec.JobID),
			zap.String("kind", string(rec.Kind)),
			zap.Time("ts", rec.TS),
		}
		if rec.Phase != "" {
			fields = append(fields, zap.String("phase", string(rec.Phase)))
		}
		if rec.Outcome != "" {
			fields = append(fields, zap.String("outcome", rec.Outcome), zap.Duration("dur", rec.Dur))
		}
		if rec.Reconnect {
			fields = append(fields, zap.Bool("reconnect", true))
		}
		if rec.Note != "" {
			fields = append(fields, zap.String("note", rec.Note))
		}
		s.logger.Info("job journal", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
