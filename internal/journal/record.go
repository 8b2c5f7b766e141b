package journal

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/jobstream/internal/progress"
)

// Kind denotes the lifecycle milestone a Record describes.
type Kind string

// Supported record kinds.
const (
	KindJobStart     Kind = "JOB_START"
	KindPhase        Kind = "JOB_PHASE"
	KindJobDone      Kind = "JOB_DONE"
	KindCancelFailed Kind = "CANCEL_FAILED"
)

// Record captures one milestone of a followed job.
type Record struct {
	// JobID is the backend-assigned identity.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS   time.Time
	Kind Kind
	// Phase is the phase entered (KindPhase) or the terminal phase (KindJobDone).
	Phase progress.Phase
	// Outcome is the job outcome label for KindJobDone.
	Outcome string
	// Reconnect marks jobs that were resumed rather than submitted.
	Reconnect bool
	// Dur is the time the job was followed, set on KindJobDone.
	Dur time.Duration
	// Note carries low-volume context such as a failure reason.
	Note string
}

// Validate performs coarse validation on Record payloads.
func (r Record) Validate() error {
	if r.JobID == "" {
		return errors.New("job id is required")
	}
	if r.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch r.Kind {
	case KindJobStart, KindCancelFailed:
	case KindPhase:
		if r.Phase == "" {
			return errors.New("phase record requires phase")
		}
	case KindJobDone:
		if r.Outcome == "" {
			return errors.New("done record requires outcome")
		}
	default:
		return fmt.Errorf("unknown kind %q", r.Kind)
	}
	if r.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
