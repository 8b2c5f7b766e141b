// Package simserver is a scripted job backend. It speaks the same wire
// protocol as the real service (submission, status stream, abort, download)
// and is used by tests and by `jobstream simulate` for demos.
package simserver

import "time"

// Dialect selects the event names the server emits.
type Dialect string

// Supported dialects.
const (
	// DialectCanonical emits the named events understood by every client.
	DialectCanonical Dialect = "canonical"
	// DialectLegacy emits the older overpass/osm_api/mode names.
	DialectLegacy Dialect = "legacy"
	// DialectSnapshot emits task_update JSON snapshots.
	DialectSnapshot Dialect = "snapshot"
)

// Failure ends a scripted job with job-failed.
type Failure struct {
	Reason string
	// DeletionPercentage is reported with the failure. A run submitted with
	// high_deletions_ok succeeds instead when this is set.
	DeletionPercentage float64
}

// Scenario scripts every job the server runs.
type Scenario struct {
	Dialect Dialect
	// TimedWaitSeconds is the announced countdown. Zero skips the timed wait.
	TimedWaitSeconds int
	// StallTimedWait never completes the timed wait so the client's own
	// countdown expires.
	StallTimedWait bool
	// CheckCount is the number of external-check steps. Zero skips them.
	CheckCount int
	// Units are the processing units, announced by stage-count.
	Units []string
	// StepDelay is the pause between scripted events.
	StepDelay time.Duration
	// Fail ends the job with a failure instead of a result.
	Fail *Failure
	// RejectAbort answers every abort with 500.
	RejectAbort bool
	// ResultName is the file name of the produced result.
	ResultName string
}

// DefaultScenario runs a short successful job.
func DefaultScenario() Scenario {
	return Scenario{
		Dialect:          DialectCanonical,
		TimedWaitSeconds: 5,
		CheckCount:       3,
		Units:            []string{"highway", "rail", "water"},
		StepDelay:        500 * time.Millisecond,
		ResultName:       "result.xlsx",
	}
}

func (s Scenario) withDefaults() Scenario {
	if s.Dialect == "" {
		s.Dialect = DialectCanonical
	}
	if s.ResultName == "" {
		s.ResultName = "result.xlsx"
	}
	return s
}
