package simserver

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/JakeFAU/jobstream/internal/progress"
	"github.com/JakeFAU/jobstream/internal/protocol"
)

type wireEvent struct {
	Type string
	Data string
}

// simJob is the append-only event log of one scripted job. Stream handlers
// replay it from the start and then follow new entries.
type simJob struct {
	id              string
	highDeletionsOK bool
	cancel          context.CancelFunc

	mu      sync.Mutex
	events  []wireEvent
	done    bool
	changed chan struct{}
}

func newSimJob(id string, highDeletionsOK bool, cancel context.CancelFunc) *simJob {
	return &simJob{
		id:              id,
		highDeletionsOK: highDeletionsOK,
		cancel:          cancel,
		changed:         make(chan struct{}),
	}
}

// append adds events unless the job already ended. final marks the job done.
func (j *simJob) append(final bool, evs ...wireEvent) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.done {
		return false
	}
	j.events = append(j.events, evs...)
	j.done = final
	close(j.changed)
	j.changed = make(chan struct{})
	return true
}

// abort ends a running job with evt. It reports false when the job had
// already finished.
func (j *simJob) abort(evt wireEvent) bool {
	if !j.append(true, evt) {
		return false
	}
	j.cancel()
	return true
}

// since returns the events after index from, whether the log is complete and
// a channel closed on the next change.
func (j *simJob) since(from int) ([]wireEvent, bool, <-chan struct{}) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]wireEvent(nil), j.events[from:]...), j.done, j.changed
}

// encoder renders scripted steps in one dialect. The snapshot dialect keeps
// the running status object, so an encoder belongs to a single runner.
type encoder struct {
	dialect Dialect
	jobID   string
	snap    protocol.Snapshot
}

func (e *encoder) snapshot() wireEvent {
	data, _ := json.Marshal(e.snap)
	return wireEvent{Type: protocol.TaskUpdate, Data: string(data)}
}

func named(canonical progress.EventName, legacy, data string, dialect Dialect) wireEvent {
	if dialect == DialectLegacy && legacy != "" {
		return wireEvent{Type: legacy, Data: data}
	}
	return wireEvent{Type: string(canonical), Data: data}
}

func (e *encoder) stageCount(n int) wireEvent {
	if e.dialect == DialectSnapshot {
		e.snap.State = protocol.StateProgress
		e.snap.ModeCount = &n
		return e.snapshot()
	}
	return named(progress.EventStageCount, protocol.LegacyModeCount, strconv.Itoa(n), e.dialect)
}

func (e *encoder) waitStart(start time.Time, seconds int) wireEvent {
	deadline := start.Add(time.Duration(seconds) * time.Second)
	switch e.dialect {
	case DialectSnapshot:
		e.snap.CurrentPhase = protocol.PhaseOverpass
		e.snap.OverpassStartTime = start.Format(time.RFC3339Nano)
		e.snap.OverpassTimeoutTime = deadline.Format(time.RFC3339Nano)
		return e.snapshot()
	case DialectLegacy:
		return wireEvent{Type: protocol.LegacyOverpassStart, Data: strconv.Itoa(seconds)}
	default:
		// An absolute deadline keeps replays after a reconnect consistent.
		return wireEvent{Type: string(progress.EventTimedWaitStart), Data: deadline.Format(time.RFC3339Nano)}
	}
}

func (e *encoder) waitComplete() wireEvent {
	if e.dialect == DialectSnapshot {
		e.snap.CurrentPhase = protocol.PhaseModes
		return e.snapshot()
	}
	return named(progress.EventTimedWaitComplete, protocol.LegacyOverpassComplete, "", e.dialect)
}

func (e *encoder) checkMax(n int) wireEvent {
	if e.dialect == DialectSnapshot {
		zero := 0
		e.snap.CurrentPhase = protocol.PhaseOSMAPI
		e.snap.OSMAPIMax = &n
		e.snap.OSMAPICompleted = &zero
		return e.snapshot()
	}
	return named(progress.EventExternalCheckMax, protocol.LegacyOSMAPIMax, strconv.Itoa(n), e.dialect)
}

func (e *encoder) checkProgress(i int) wireEvent {
	if e.dialect == DialectSnapshot {
		e.snap.OSMAPICompleted = &i
		return e.snapshot()
	}
	return named(progress.EventExternalCheckProgress, protocol.LegacyOSMAPIValue, strconv.Itoa(i), e.dialect)
}

func (e *encoder) unit(name string) wireEvent {
	if e.dialect == DialectSnapshot {
		e.snap.CurrentPhase = protocol.PhaseModes
		e.snap.CurrentMode = name
		return e.snapshot()
	}
	return named(progress.EventUnitStarted, protocol.LegacyMode, name, e.dialect)
}

func (e *encoder) succeeded(fileName string) wireEvent {
	if e.dialect == DialectSnapshot {
		e.snap = protocol.Snapshot{State: protocol.StateSuccess, UUID: e.jobID, FileName: fileName}
		return e.snapshot()
	}
	return named(progress.EventJobSucceeded, protocol.LegacyFile, e.jobID+"/"+fileName, e.dialect)
}

func (e *encoder) failed(f Failure) wireEvent {
	pct := f.DeletionPercentage
	if e.dialect == DialectSnapshot {
		e.snap = protocol.Snapshot{State: protocol.StateFailure, Error: f.Reason}
		if pct > 0 {
			e.snap.DeletionPercentage = &pct
		}
		return e.snapshot()
	}
	payload := map[string]any{"reason": f.Reason}
	if pct > 0 {
		payload["deletion_percentage"] = pct
	}
	data, _ := json.Marshal(payload)
	return wireEvent{Type: string(progress.EventJobFailed), Data: string(data)}
}

func abortedEvent(d Dialect) wireEvent {
	if d == DialectSnapshot {
		return wireEvent{Type: protocol.TaskUpdate, Data: `{"state":"` + protocol.StateRevoked + `"}`}
	}
	return wireEvent{Type: string(progress.EventJobAborted)}
}

func unknownEvent(d Dialect) wireEvent {
	if d == DialectSnapshot {
		return wireEvent{Type: protocol.TaskUpdate, Data: `{"state":"` + protocol.StatePending + `"}`}
	}
	return wireEvent{Type: string(progress.EventJobUnknown)}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
