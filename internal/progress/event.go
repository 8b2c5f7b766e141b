package progress

import "time"

// EventName is the vocabulary the state machine understands.
type EventName string

// Server-originated events.
const (
	EventTimedWaitStart        EventName = "timed-wait-start"
	EventTimedWaitComplete     EventName = "timed-wait-complete"
	EventTimedWaitFailed       EventName = "timed-wait-failed"
	EventStageCount            EventName = "stage-count"
	EventExternalCheckMax      EventName = "external-check-max"
	EventExternalCheckProgress EventName = "external-check-progress"
	EventUnitStarted           EventName = "unit-started"
	EventJobSucceeded          EventName = "job-succeeded"
	EventJobFailed             EventName = "job-failed"
	EventJobAborted            EventName = "job-aborted"
	EventJobUnknown            EventName = "job-unknown"
)

// Locally originated events, produced by the controller.
const (
	EventJobCancelled   EventName = "job-cancelled"
	EventTransportError EventName = "transport-error"
	EventStreamEnded    EventName = "stream-ended"
)

// Event is one input to Transition. Only the fields relevant to Name are
// read.
type Event struct {
	Name EventName
	// At is the wall-clock time the event was received.
	At time.Time
	// Seconds is the timed-wait duration for EventTimedWaitStart.
	Seconds int
	// Deadline, when set, is an absolute timed-wait deadline reported by the
	// server and takes precedence over At+Seconds.
	Deadline time.Time
	// Count carries stage-count, external-check-max and
	// external-check-progress values.
	Count int
	// Unit names the processing unit for EventUnitStarted.
	Unit string
	// ResultRef is the download reference for EventJobSucceeded.
	ResultRef string
	// Reason explains failures.
	Reason string
	// DeletionRatio is optional; nil means the server sent none.
	DeletionRatio *float64
}

// Terminal reports whether the event, if accepted, ends the job.
func (e Event) Terminal() bool {
	switch e.Name {
	case EventJobSucceeded, EventJobFailed, EventJobAborted, EventTimedWaitFailed,
		EventJobCancelled, EventTransportError, EventStreamEnded:
		return true
	default:
		return false
	}
}
