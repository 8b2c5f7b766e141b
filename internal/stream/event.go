// Package stream implements a one-way server-to-client event stream over a
// plain HTTP request. Unlike a browser EventSource, the request may carry a
// body, so a job submission can itself be the streaming request.
package stream

import "fmt"

// Synthetic event types dispatched by the Transport itself.
const (
	EventOpen  = "open"
	EventError = "error"
	EventClose = "close"
)

// DefaultEventType is used when a record carries no event field.
const DefaultEventType = "message"

// Event is one decoded record of the stream.
type Event struct {
	// ID is the last id field of the record; empty when the record had none.
	ID string
	// Type is the event field, DefaultEventType when omitted.
	Type string
	// Data is the concatenation of every data field of the record.
	Data string
}

// State is the lifecycle position of a Transport.
type State int32

// Transport states. They only move forward, except that opening a closed
// transport again resets it to StateConnecting.
const (
	StateInitializing State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// StatusError reports a non-2xx response to the stream request.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected stream status %d", e.Code)
}
