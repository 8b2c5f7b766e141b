package journal

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/jobstream/internal/progress"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("job run not found")

// StatusRunning is the status of a run that has not ended yet. Ended runs
// carry their outcome label as status.
const StatusRunning = "running"

// Run is one followed job in the history.
type Run struct {
	JobID      string
	StartedAt  time.Time
	FinishedAt *time.Time
	// Status is StatusRunning or the outcome label.
	Status    string
	LastPhase progress.Phase
	Note      *string
}

// Repository persists the run history.
type Repository interface {
	// UpsertRunStart inserts the run or, for a reconnect, marks it running again.
	UpsertRunStart(ctx context.Context, jobID string, startedAt time.Time) error
	// UpdateRunPhase records the latest phase reached.
	UpdateRunPhase(ctx context.Context, jobID string, phase progress.Phase, at time.Time) error
	// CompleteRun marks the run ended with its outcome and optional note.
	CompleteRun(ctx context.Context, jobID string, finishedAt time.Time, outcome string, note *string) error
	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, jobID string) (Run, error)
	// ListRuns returns runs, newest first, filtered by optional status.
	ListRuns(ctx context.Context, status *string, limit, offset int) ([]Run, error)
}
