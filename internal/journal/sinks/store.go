package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobstream/internal/journal"
	"github.com/JakeFAU/jobstream/internal/progress"
)

// StoreSink persists the run history via a journal.Repository. Phase records
// are collapsed per job so that a batch writes only the latest phase.
type StoreSink struct {
	repo   journal.Repository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo journal.Repository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

type phaseDelta struct {
	phase progress.Phase
	at    time.Time
}

// Consume forwards the batch to the repository and returns the first
// repository error.
func (s *StoreSink) Consume(ctx context.Context, batch []journal.Record) error {
	if s == nil || s.repo == nil {
		return nil
	}
	phases := make(map[string]phaseDelta)
	var order []string

	for _, rec := range batch {
		switch rec.Kind {
		case journal.KindJobStart:
			if err := s.repo.UpsertRunStart(ctx, rec.JobID, rec.TS); err != nil {
				return fmt.Errorf("upsert run start: %w", err)
			}
		case journal.KindJobDone:
			var note *string
			if rec.Note != "" {
				note = &rec.Note
			}
			if err := s.repo.CompleteRun(ctx, rec.JobID, rec.TS, rec.Outcome, note); err != nil {
				return fmt.Errorf("complete run: %w", err)
			}
		}
		if rec.Phase == "" {
			continue
		}
		prev, seen := phases[rec.JobID]
		if !seen {
			order = append(order, rec.JobID)
		}
		if !seen || !rec.TS.Before(prev.at) {
			phases[rec.JobID] = phaseDelta{phase: rec.Phase, at: rec.TS}
		}
	}

	for _, id := range order {
		delta := phases[id]
		if err := s.repo.UpdateRunPhase(ctx, id, delta.phase, delta.at); err != nil {
			return fmt.Errorf("update run phase: %w", err)
		}
	}
	s.logger.Debug("journal batch persisted", zap.Int("records", len(batch)), zap.Int("jobs", len(order)))
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
