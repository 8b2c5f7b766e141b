package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobstream/internal/journal"
	"github.com/JakeFAU/jobstream/internal/publisher"
)

// JobNotification is the message published when a followed job ends.
type JobNotification struct {
	JobID      string    `json:"job_id"`
	Outcome    string    `json:"outcome"`
	Phase      string    `json:"phase"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMS int64     `json:"duration_ms"`
	Reconnect  bool      `json:"reconnect,omitempty"`
	Note       string    `json:"note,omitempty"`
}

// PublishSink announces finished jobs on a topic. Other record kinds are
// ignored.
type PublishSink struct {
	pub    publisher.Publisher
	topic  string
	logger *zap.Logger
}

// NewPublishSink publishes to topic through pub. The sink owns pub and
// closes it with the journal.
func NewPublishSink(pub publisher.Publisher, topic string, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{pub: pub, topic: topic, logger: logger}
}

// Consume publishes one notification per JOB_DONE record and returns the
// first publish error.
func (s *PublishSink) Consume(ctx context.Context, batch []journal.Record) error {
	for _, rec := range batch {
		if rec.Kind != journal.KindJobDone {
			continue
		}
		msg := JobNotification{
			JobID:      rec.JobID,
			Outcome:    rec.Outcome,
			Phase:      string(rec.Phase),
			FinishedAt: rec.TS.UTC(),
			DurationMS: rec.Dur.Milliseconds(),
			Reconnect:  rec.Reconnect,
			Note:       rec.Note,
		}
		id, err := s.pub.Publish(ctx, s.topic, msg)
		if err != nil {
			return fmt.Errorf("publish job %s: %w", rec.JobID, err)
		}
		s.logger.Debug("job notification published",
			zap.String("job_id", rec.JobID),
			zap.String("topic", s.topic),
			zap.String("message_id", id),
		)
	}
	return nil
}

// Close flushes and closes the publisher.
func (s *PublishSink) Close(context.Context) error {
	return s.pub.Close()
}
