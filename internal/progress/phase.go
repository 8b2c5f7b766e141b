// Package progress is the job-progress state machine. It has no I/O: the
// controller feeds it events and reads back a View for rendering.
package progress

// Phase denotes where a job is in its lifecycle.
type Phase string

// Job phases. Success, Failure, Cancelled and Aborted are terminal.
const (
	PhaseInit          Phase = "init"
	PhasePending       Phase = "pending"
	PhaseTimedWait     Phase = "timed_wait"
	PhaseExternalCheck Phase = "external_check"
	PhaseProcessing    Phase = "processing"
	PhaseSuccess       Phase = "success"
	PhaseFailure       Phase = "failure"
	PhaseCancelled     Phase = "cancelled"
	PhaseAborted       Phase = "aborted"
)

// Terminal reports whether no further transitions are accepted.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseSuccess, PhaseFailure, PhaseCancelled, PhaseAborted:
		return true
	default:
		return false
	}
}

// FailureKind distinguishes why a job ended in PhaseFailure.
type FailureKind string

// Failure kinds.
const (
	FailureNone FailureKind = ""
	// FailureGeneric is a job-failed event without a more specific cause.
	FailureGeneric FailureKind = "generic"
	// FailureMismatchedInputScope is a job-failed event whose deletion ratio
	// exceeded the threshold. It asks for user confirmation rather than being
	// shown as a bare failure.
	FailureMismatchedInputScope FailureKind = "mismatched_input_scope"
	// FailureTimedWaitExpired means the countdown deadline passed without a
	// completion signal.
	FailureTimedWaitExpired FailureKind = "timed_wait_expired"
	// FailureTransport covers network errors and non-2xx stream responses.
	FailureTransport FailureKind = "transport"
	// FailureStreamEnded means the server closed the stream before reporting
	// a terminal state.
	FailureStreamEnded FailureKind = "stream_ended"
)

// Failure describes a PhaseFailure outcome.
type Failure struct {
	Kind   FailureKind
	Reason string
	// DeletionRatio is the server-reported percentage of deleted input rows,
	// zero when the server did not report one.
	DeletionRatio float64
}
