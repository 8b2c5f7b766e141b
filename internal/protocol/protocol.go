// Package protocol maps decoded stream events onto the progress vocabulary.
//
// Three server dialects are understood: the canonical named events, the
// legacy names older backends still emit, and task_update snapshots whose
// data is a JSON status object. Unknown event types are ignored.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/jobstream/internal/progress"
	"github.com/JakeFAU/jobstream/internal/stream"
)

// ErrMalformed marks a payload that could not be parsed. The event is
// dropped; it never ends the job.
var ErrMalformed = errors.New("malformed event payload")

// Legacy event names.
const (
	LegacyOverpassStart    = "overpass_start"
	LegacyOverpassComplete = "overpass_complete"
	LegacyOverpassFailed   = "overpass_failed"
	LegacyModeCount        = "mode_count"
	LegacyOSMAPIMax        = "osm_api_max"
	LegacyOSMAPIValue      = "osm_api_value"
	LegacyMode             = "mode"
	LegacyFile             = "file"
)

// TaskUpdate is the snapshot event type.
const TaskUpdate = "task_update"

// EventTypes lists every stream event type Translate understands.
func EventTypes() []string {
	return []string{
		string(progress.EventTimedWaitStart),
		string(progress.EventTimedWaitComplete),
		string(progress.EventTimedWaitFailed),
		string(progress.EventStageCount),
		string(progress.EventExternalCheckMax),
		string(progress.EventExternalCheckProgress),
		string(progress.EventUnitStarted),
		string(progress.EventJobSucceeded),
		string(progress.EventJobFailed),
		string(progress.EventJobAborted),
		string(progress.EventJobUnknown),
		LegacyOverpassStart,
		LegacyOverpassComplete,
		LegacyOverpassFailed,
		LegacyModeCount,
		LegacyOSMAPIMax,
		LegacyOSMAPIValue,
		LegacyMode,
		LegacyFile,
		TaskUpdate,
	}
}

// Translate converts one stream event into zero or more progress events
// stamped with now. The returned events are safe to replay: each one is
// idempotent under progress.Transition.
func Translate(evt stream.Event, now time.Time) ([]progress.Event, error) {
	switch evt.Type {
	case string(progress.EventTimedWaitStart), LegacyOverpassStart:
		e, err := timedWaitStart(evt.Data, now)
		if err != nil {
			return nil, err
		}
		return []progress.Event{e}, nil
	case string(progress.EventTimedWaitComplete), LegacyOverpassComplete:
		return one(progress.EventTimedWaitComplete, now), nil
	case string(progress.EventTimedWaitFailed), LegacyOverpassFailed:
		e := progress.Event{Name: progress.EventTimedWaitFailed, At: now, Reason: strings.TrimSpace(evt.Data)}
		return []progress.Event{e}, nil
	case string(progress.EventStageCount), LegacyModeCount:
		return counted(progress.EventStageCount, evt.Data, now)
	case string(progress.EventExternalCheckMax), LegacyOSMAPIMax:
		return counted(progress.EventExternalCheckMax, evt.Data, now)
	case string(progress.EventExternalCheckProgress), LegacyOSMAPIValue:
		return counted(progress.EventExternalCheckProgress, evt.Data, now)
	case string(progress.EventUnitStarted), LegacyMode:
		unit := strings.TrimSpace(evt.Data)
		if unit == "" {
			return nil, fmt.Errorf("%w: %s without unit", ErrMalformed, evt.Type)
		}
		return []progress.Event{{Name: progress.EventUnitStarted, At: now, Unit: unit}}, nil
	case string(progress.EventJobSucceeded), LegacyFile:
		return []progress.Event{{Name: progress.EventJobSucceeded, At: now, ResultRef: strings.TrimSpace(evt.Data)}}, nil
	case string(progress.EventJobFailed):
		return []progress.Event{jobFailed(evt.Data, now)}, nil
	case string(progress.EventJobAborted):
		return one(progress.EventJobAborted, now), nil
	case string(progress.EventJobUnknown):
		return one(progress.EventJobUnknown, now), nil
	case TaskUpdate:
		return snapshot(evt.Data, now)
	default:
		return nil, nil
	}
}

func one(name progress.EventName, now time.Time) []progress.Event {
	return []progress.Event{{Name: name, At: now}}
}

func counted(name progress.EventName, data string, now time.Time) ([]progress.Event, error) {
	n, err := strconv.Atoi(strings.TrimSpace(data))
	if err != nil || n < 0 {
		return nil, fmt.Errorf("%w: %s count %q", ErrMalformed, name, data)
	}
	return []progress.Event{{Name: name, At: now, Count: n}}, nil
}

// timedWaitStart accepts either a duration in seconds or an absolute
// RFC 3339 deadline.
func timedWaitStart(data string, now time.Time) (progress.Event, error) {
	data = strings.TrimSpace(data)
	e := progress.Event{Name: progress.EventTimedWaitStart, At: now}
	if secs, err := strconv.Atoi(data); err == nil && secs > 0 {
		e.Seconds = secs
		return e, nil
	}
	if deadline, err := time.Parse(time.RFC3339Nano, data); err == nil {
		e.Deadline = deadline.UTC()
		return e, nil
	}
	return progress.Event{}, fmt.Errorf("%w: timed wait %q", ErrMalformed, data)
}

type failurePayload struct {
	Reason             string   `json:"reason"`
	DeletionPercentage *float64 `json:"deletion_percentage"`
}

func jobFailed(data string, now time.Time) progress.Event {
	e := progress.Event{Name: progress.EventJobFailed, At: now}
	trimmed := strings.TrimSpace(data)
	var p failurePayload
	if strings.HasPrefix(trimmed, "{") && json.Unmarshal([]byte(trimmed), &p) == nil {
		e.Reason = p.Reason
		e.DeletionRatio = p.DeletionPercentage
		return e
	}
	e.Reason = trimmed
	return e
}

// Snapshot is the task_update payload.
type Snapshot struct {
	State               string   `json:"state"`
	CurrentPhase        string   `json:"current_phase,omitempty"`
	ModeCount           *int     `json:"mode_count,omitempty"`
	CurrentMode         string   `json:"current_mode,omitempty"`
	OSMAPIMax           *int     `json:"osm_api_max,omitempty"`
	OSMAPICompleted     *int     `json:"osm_api_completed,omitempty"`
	OverpassStartTime   string   `json:"overpass_start_time,omitempty"`
	OverpassTimeoutTime string   `json:"overpass_timeout_time,omitempty"`
	UUID                string   `json:"uuid,omitempty"`
	FileName            string   `json:"file_name,omitempty"`
	DeletionPercentage  *float64 `json:"deletion_percentage,omitempty"`
	Error               string   `json:"error,omitempty"`
}

// Snapshot states.
const (
	StatePending  = "PENDING"
	StateProgress = "PROGRESS"
	StateSuccess  = "SUCCESS"
	StateFailure  = "FAILURE"
	StateAborted  = "ABORTED"
	StateRevoked  = "REVOKED"
)

// Snapshot phases.
const (
	PhaseOverpass = "overpass"
	PhaseOSMAPI   = "osm_api"
	PhaseModes    = "modes"
)

func snapshot(data string, now time.Time) ([]progress.Event, error) {
	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("%w: task_update: %v", ErrMalformed, err)
	}
	return ExpandSnapshot(snap, now), nil
}

// ExpandSnapshot turns a status snapshot into the event sequence that would
// have produced it. Re-applying the same snapshot leaves the model unchanged.
func ExpandSnapshot(snap Snapshot, now time.Time) []progress.Event {
	switch strings.ToUpper(snap.State) {
	case StatePending:
		return one(progress.EventJobUnknown, now)
	case StateAborted, StateRevoked:
		return one(progress.EventJobAborted, now)
	case StateSuccess:
		ref := snap.FileName
		if snap.UUID != "" && snap.FileName != "" {
			ref = snap.UUID + "/" + snap.FileName
		}
		return []progress.Event{{Name: progress.EventJobSucceeded, At: now, ResultRef: ref}}
	case StateFailure:
		return []progress.Event{{
			Name:          progress.EventJobFailed,
			At:            now,
			Reason:        snap.Error,
			DeletionRatio: snap.DeletionPercentage,
		}}
	}

	var out []progress.Event
	if snap.ModeCount != nil {
		out = append(out, progress.Event{Name: progress.EventStageCount, At: now, Count: *snap.ModeCount})
	}
	switch snap.CurrentPhase {
	case PhaseOverpass:
		if e, ok := snapshotWait(snap, now); ok {
			out = append(out, e)
		}
	case PhaseOSMAPI:
		out = append(out, progress.Event{Name: progress.EventTimedWaitComplete, At: now})
		if snap.OSMAPIMax != nil {
			out = append(out, progress.Event{Name: progress.EventExternalCheckMax, At: now, Count: *snap.OSMAPIMax})
		}
		if snap.OSMAPICompleted != nil {
			out = append(out, progress.Event{Name: progress.EventExternalCheckProgress, At: now, Count: *snap.OSMAPICompleted})
		}
	case PhaseModes:
		out = append(out, progress.Event{Name: progress.EventTimedWaitComplete, At: now})
	}
	if snap.CurrentMode != "" {
		out = append(out, progress.Event{Name: progress.EventUnitStarted, At: now, Unit: snap.CurrentMode})
	}
	return out
}

func snapshotWait(snap Snapshot, now time.Time) (progress.Event, bool) {
	deadline, err := time.Parse(time.RFC3339Nano, snap.OverpassTimeoutTime)
	if err != nil {
		return progress.Event{}, false
	}
	e := progress.Event{Name: progress.EventTimedWaitStart, At: now, Deadline: deadline.UTC()}
	if start, err := time.Parse(time.RFC3339Nano, snap.OverpassStartTime); err == nil && deadline.After(start) {
		e.Seconds = int(math.Round(deadline.Sub(start).Seconds()))
	}
	return e, true
}
