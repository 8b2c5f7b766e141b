package progress

import (
	"math"
	"time"
)

// Config holds the tunables of the state machine.
type Config struct {
	// TimedWaitSeconds is the nominal timed-wait duration. It is the weight
	// of one macro-stage in the progress fraction.
	TimedWaitSeconds int
	// DeletionThreshold is the deletion percentage above which a job-failed
	// event becomes FailureMismatchedInputScope.
	DeletionThreshold float64
}

const (
	defaultTimedWaitSeconds  = 120
	defaultDeletionThreshold = 20
)

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		TimedWaitSeconds:  defaultTimedWaitSeconds,
		DeletionThreshold: defaultDeletionThreshold,
	}
}

func (c Config) withDefaults() Config {
	if c.TimedWaitSeconds <= 0 {
		c.TimedWaitSeconds = defaultTimedWaitSeconds
	}
	if c.DeletionThreshold <= 0 {
		c.DeletionThreshold = defaultDeletionThreshold
	}
	return c
}

// Counters track progress across and within macro-stages. MajorValue counts
// completed stages (the timed wait, the external check, each processing
// unit); MinorValue counts progress inside the current stage.
type Counters struct {
	MajorValue       int
	MajorMax         int
	MinorValue       int
	MinorMax         int
	MinorStepSeconds int
}

// Fraction is (MajorValue*MinorStepSeconds + MinorValue) /
// (MajorMax*MinorStepSeconds) clamped to [0,1]. MinorValue is taken raw, so an
// external check with more items than the step can fill its stage early.
func (c Counters) Fraction() float64 {
	if c.MajorMax <= 0 {
		return 0
	}
	step := float64(c.MinorStepSeconds)
	if step <= 0 {
		step = 1
	}
	done := float64(c.MajorValue)*step + float64(c.MinorValue)
	return clamp(done/(float64(c.MajorMax)*step), 0, 1)
}

// State is the full machine state. It is a plain value: Transition returns a
// modified copy and never mutates its input.
type State struct {
	Phase    Phase
	Counters Counters
	// Deadline is fixed once when the timed wait starts. Remaining time is
	// always Deadline minus now.
	Deadline time.Time
	// WaitSeconds is the duration the server announced for the timed wait.
	WaitSeconds int
	// Unit is the processing unit currently running.
	Unit string
	// UnitCount is the number of processing units announced by stage-count.
	UnitCount int
	// ResultRef is the download reference of a successful job.
	ResultRef string
	Failure   Failure
	// Unknown is set when the server reported the job as unknown before any
	// other status.
	Unknown bool

	usesTimedWait     bool
	usesExternalCheck bool
	checkDone         bool
}

// NewState returns the initial state for one job.
func NewState(cfg Config) State {
	cfg = cfg.withDefaults()
	return State{
		Phase:    PhaseInit,
		Counters: Counters{MinorStepSeconds: cfg.TimedWaitSeconds},
	}
}

// Remaining returns the time left on the timed wait, zero outside it or once
// the deadline has passed.
func (s State) Remaining(now time.Time) time.Duration {
	if s.Phase != PhaseTimedWait || s.Deadline.IsZero() {
		return 0
	}
	left := s.Deadline.Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Expired reports whether the timed-wait deadline has been reached.
func (s State) Expired(now time.Time) bool {
	return s.Phase == PhaseTimedWait && !s.Deadline.IsZero() && !now.Before(s.Deadline)
}

// View is the read-only projection a presenter renders. Message wording is
// left to the presenter; these are its inputs.
type View struct {
	Phase            Phase
	Fraction         float64
	RemainingSeconds int
	Unit             string
	MajorValue       int
	MajorMax         int
	MinorValue       int
	MinorMax         int
	ResultRef        string
	Failure          Failure
}

// View projects the state at time now. During the timed wait the elapsed
// seconds are derived from the deadline rather than stored.
func (s State) View(now time.Time) View {
	c := s.Counters
	remaining := 0
	if s.Phase == PhaseTimedWait {
		remaining = int(math.Ceil(s.Remaining(now).Seconds()))
		c.MinorValue = s.WaitSeconds - remaining
		if c.MinorValue < 0 {
			c.MinorValue = 0
		}
	}
	fraction := c.Fraction()
	if s.Phase == PhaseSuccess {
		fraction = 1
	}
	return View{
		Phase:            s.Phase,
		Fraction:         fraction,
		RemainingSeconds: remaining,
		Unit:             s.Unit,
		MajorValue:       c.MajorValue,
		MajorMax:         c.MajorMax,
		MinorValue:       c.MinorValue,
		MinorMax:         c.MinorMax,
		ResultRef:        s.ResultRef,
		Failure:          s.Failure,
	}
}

func clamp(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}
