package progress

import (
	"math"
	"time"
)

const timedWaitExpiredReason = "timed wait deadline exceeded"

// Transition returns the state that follows s after e. It has no side
// effects and delivering the same event twice in a row yields the same state
// as delivering it once. Events received in a terminal phase are ignored.
func Transition(cfg Config, s State, e Event) State {
	if s.Phase.Terminal() {
		return s
	}
	cfg = cfg.withDefaults()

	switch e.Name {
	case EventTimedWaitStart:
		return startTimedWait(s, e)
	case EventTimedWaitComplete:
		if s.Phase != PhaseTimedWait {
			return s
		}
		s = leaveTimedWait(s)
		s.Phase = PhasePending
		return s
	case EventTimedWaitFailed:
		if s.Phase != PhaseTimedWait {
			return s
		}
		reason := e.Reason
		if reason == "" {
			reason = timedWaitExpiredReason
		}
		return fail(s, Failure{Kind: FailureTimedWaitExpired, Reason: reason})
	case EventStageCount:
		if e.Count < 0 {
			return s
		}
		s.UnitCount = e.Count
		s = recomputeMax(s)
		if s.Phase == PhaseInit {
			s.Phase = PhasePending
		}
		return s
	case EventExternalCheckMax:
		s = enterExternalCheck(s)
		s.Counters.MinorMax = max(e.Count, 0)
		return s
	case EventExternalCheckProgress:
		s = enterExternalCheck(s)
		s.Counters.MinorValue = max(e.Count, 0)
		return s
	case EventUnitStarted:
		return startUnit(s, e.Unit)
	case EventJobSucceeded:
		s.Phase = PhaseSuccess
		s.ResultRef = e.ResultRef
		s.Counters.MajorValue = max(s.Counters.MajorValue, s.Counters.MajorMax)
		s.Counters.MinorValue = 0
		s.Counters.MinorMax = 0
		return s
	case EventJobFailed:
		f := Failure{Kind: FailureGeneric, Reason: e.Reason}
		if e.DeletionRatio != nil {
			f.DeletionRatio = *e.DeletionRatio
			if f.DeletionRatio > cfg.DeletionThreshold {
				f.Kind = FailureMismatchedInputScope
			}
		}
		return fail(s, f)
	case EventJobAborted:
		s.Phase = PhaseAborted
		return s
	case EventJobUnknown:
		if s.Phase == PhaseInit {
			s.Unknown = true
		}
		return s
	case EventJobCancelled:
		s.Phase = PhaseCancelled
		return s
	case EventTransportError:
		return fail(s, Failure{Kind: FailureTransport, Reason: e.Reason})
	case EventStreamEnded:
		return fail(s, Failure{Kind: FailureStreamEnded, Reason: e.Reason})
	default:
		return s
	}
}

// Apply folds a sequence of events into s.
func Apply(cfg Config, s State, events ...Event) State {
	for _, e := range events {
		s = Transition(cfg, s, e)
	}
	return s
}

func startTimedWait(s State, e Event) State {
	// Only one timed wait per job; a re-delivered start must not move the
	// deadline.
	if s.usesTimedWait {
		return s
	}
	seconds := e.Seconds
	deadline := e.Deadline
	switch {
	case !deadline.IsZero():
		if seconds <= 0 {
			seconds = int(math.Ceil(deadline.Sub(e.At).Seconds()))
		}
	case seconds > 0:
		deadline = e.At.Add(time.Duration(seconds) * time.Second)
	default:
		return s
	}
	if seconds < 0 {
		seconds = 0
	}
	s.usesTimedWait = true
	s.Phase = PhaseTimedWait
	s.WaitSeconds = seconds
	s.Deadline = deadline
	s.Counters.MinorValue = 0
	s.Counters.MinorMax = seconds
	return recomputeMax(s)
}

// leaveTimedWait credits the timed-wait stage as completed.
func leaveTimedWait(s State) State {
	s.Counters.MajorValue++
	s.Counters.MinorValue = 0
	s.Counters.MinorMax = 0
	s.Deadline = time.Time{}
	return s
}

func enterExternalCheck(s State) State {
	if s.Phase == PhaseTimedWait {
		s = leaveTimedWait(s)
	}
	if !s.usesExternalCheck {
		s.usesExternalCheck = true
		s.Counters.MinorValue = 0
		s = recomputeMax(s)
	}
	s.Phase = PhaseExternalCheck
	return s
}

func startUnit(s State, unit string) State {
	if unit == s.Unit {
		return s
	}
	switch s.Phase {
	case PhaseTimedWait:
		s = leaveTimedWait(s)
	case PhaseExternalCheck:
		if !s.checkDone {
			s.checkDone = true
			s.Counters.MajorValue++
		}
	}
	s.Counters.MajorValue++
	s.Counters.MinorValue = 0
	s.Counters.MinorMax = 0
	s.Phase = PhaseProcessing
	s.Unit = unit
	return s
}

func recomputeMax(s State) State {
	total := s.UnitCount
	if s.usesTimedWait {
		total++
	}
	if s.usesExternalCheck {
		total++
	}
	s.Counters.MajorMax = total
	return s
}

func fail(s State, f Failure) State {
	s.Phase = PhaseFailure
	s.Failure = f
	return s
}
