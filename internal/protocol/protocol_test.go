package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobstream/internal/progress"
	"github.com/JakeFAU/jobstream/internal/stream"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func names(events []progress.Event) []progress.EventName {
	out := make([]progress.EventName, 0, len(events))
	for _, e := range events {
		out = append(out, e.Name)
	}
	return out
}

// TestTranslateCanonicalAndLegacy maps both naming dialects onto the same events.
func TestTranslateCanonicalAndLegacy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   stream.Event
		want progress.Event
	}{
		{"timed wait", stream.Event{Type: "timed-wait-start", Data: "120"}, progress.Event{Name: progress.EventTimedWaitStart, At: now, Seconds: 120}},
		{"overpass start", stream.Event{Type: "overpass_start", Data: " 90"}, progress.Event{Name: progress.EventTimedWaitStart, At: now, Seconds: 90}},
		{"overpass complete", stream.Event{Type: "overpass_complete"}, progress.Event{Name: progress.EventTimedWaitComplete, At: now}},
		{"overpass failed", stream.Event{Type: "overpass_failed"}, progress.Event{Name: progress.EventTimedWaitFailed, At: now}},
		{"mode count", stream.Event{Type: "mode_count", Data: "3"}, progress.Event{Name: progress.EventStageCount, At: now, Count: 3}},
		{"stage count", stream.Event{Type: "stage-count", Data: "3"}, progress.Event{Name: progress.EventStageCount, At: now, Count: 3}},
		{"osm max", stream.Event{Type: "osm_api_max", Data: "10"}, progress.Event{Name: progress.EventExternalCheckMax, At: now, Count: 10}},
		{"osm value", stream.Event{Type: "osm_api_value", Data: "4"}, progress.Event{Name: progress.EventExternalCheckProgress, At: now, Count: 4}},
		{"mode", stream.Event{Type: "mode", Data: "highway"}, progress.Event{Name: progress.EventUnitStarted, At: now, Unit: "highway"}},
		{"file", stream.Event{Type: "file", Data: "abc123/result.xlsx"}, progress.Event{Name: progress.EventJobSucceeded, At: now, ResultRef: "abc123/result.xlsx"}},
		{"aborted", stream.Event{Type: "job-aborted"}, progress.Event{Name: progress.EventJobAborted, At: now}},
		{"unknown job", stream.Event{Type: "job-unknown"}, progress.Event{Name: progress.EventJobUnknown, At: now}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Translate(tt.in, now)
			require.NoError(t, err)
			require.Equal(t, []progress.Event{tt.want}, got)
		})
	}
}

// TestTranslateDeadline accepts an absolute deadline for the timed wait.
func TestTranslateDeadline(t *testing.T) {
	t.Parallel()

	got, err := Translate(stream.Event{Type: "timed-wait-start", Data: "2024-05-01T12:02:00.123456+00:00"}, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, now.Add(120*time.Second+123456*time.Microsecond), got[0].Deadline)
}

// TestTranslateJobFailed parses JSON and plain-text failure payloads.
func TestTranslateJobFailed(t *testing.T) {
	t.Parallel()

	got, err := Translate(stream.Event{Type: "job-failed", Data: `{"reason":"too many deletions","deletion_percentage":42.5}`}, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "too many deletions", got[0].Reason)
	require.NotNil(t, got[0].DeletionRatio)
	require.InDelta(t, 42.5, *got[0].DeletionRatio, 1e-9)

	got, err = Translate(stream.Event{Type: "job-failed", Data: "worker crashed"}, now)
	require.NoError(t, err)
	require.Equal(t, "worker crashed", got[0].Reason)
	require.Nil(t, got[0].DeletionRatio)
}

// TestTranslateMalformed drops unparseable payloads with ErrMalformed.
func TestTranslateMalformed(t *testing.T) {
	t.Parallel()

	for _, evt := range []stream.Event{
		{Type: "stage-count", Data: "three"},
		{Type: "osm_api_value", Data: "-1"},
		{Type: "timed-wait-start", Data: "soon"},
		{Type: "mode", Data: "  "},
		{Type: "task_update", Data: "{not json"},
	} {
		got, err := Translate(evt, now)
		require.ErrorIs(t, err, ErrMalformed, evt.Type)
		require.Empty(t, got)
	}
}

// TestTranslateIgnoresUnknownTypes returns nothing for foreign events.
func TestTranslateIgnoresUnknownTypes(t *testing.T) {
	t.Parallel()

	for _, typ := range []string{stream.EventOpen, stream.DefaultEventType, "retry"} {
		got, err := Translate(stream.Event{Type: typ, Data: "x"}, now)
		require.NoError(t, err)
		require.Empty(t, got)
	}
}

// TestTranslateSnapshots expands task_update payloads.
func TestTranslateSnapshots(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
		want []progress.EventName
	}{
		{"pending", `{"state":"PENDING","current_phase":"pending"}`, []progress.EventName{progress.EventJobUnknown}},
		{"revoked", `{"state":"REVOKED"}`, []progress.EventName{progress.EventJobAborted}},
		{"overpass", `{"state":"PROGRESS","mode_count":4,"current_phase":"overpass","overpass_start_time":"2024-05-01T12:00:00+00:00","overpass_timeout_time":"2024-05-01T12:02:00+00:00"}`,
			[]progress.EventName{progress.EventStageCount, progress.EventTimedWaitStart}},
		{"osm api", `{"mode_count": 4, "osm_api_max": 2, "current_phase": "osm_api", "osm_api_completed": 0, "state": "PROGRESS"}`,
			[]progress.EventName{progress.EventStageCount, progress.EventTimedWaitComplete, progress.EventExternalCheckMax, progress.EventExternalCheckProgress}},
		{"modes", `{"state":"PROGRESS","mode_count":2,"current_phase":"modes","current_mode":"rail"}`,
			[]progress.EventName{progress.EventStageCount, progress.EventTimedWaitComplete, progress.EventUnitStarted}},
		{"success", `{"state":"SUCCESS","uuid":"abc123","file_name":"result.xlsx"}`, []progress.EventName{progress.EventJobSucceeded}},
		{"failure", `{"state":"FAILURE","deletion_percentage":35}`, []progress.EventName{progress.EventJobFailed}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Translate(stream.Event{Type: TaskUpdate, Data: tt.data}, now)
			require.NoError(t, err)
			require.Equal(t, tt.want, names(got))
		})
	}
}

// TestSnapshotDrivesModel replays snapshots into the state machine,
// including a repeated one, and ends with the joined download reference.
func TestSnapshotDrivesModel(t *testing.T) {
	t.Parallel()

	cfg := progress.DefaultConfig()
	s := progress.NewState(cfg)
	feed := func(data string) {
		evts, err := Translate(stream.Event{Type: TaskUpdate, Data: data}, now)
		require.NoError(t, err)
		s = progress.Apply(cfg, s, evts...)
	}
	wait := `{"state":"PROGRESS","mode_count":2,"current_phase":"overpass","overpass_start_time":"2024-05-01T12:00:00+00:00","overpass_timeout_time":"2024-05-01T12:02:00+00:00"}`
	feed(wait)
	feed(wait)
	require.Equal(t, progress.PhaseTimedWait, s.Phase)
	require.Equal(t, 120, s.WaitSeconds)
	require.Equal(t, 3, s.Counters.MajorMax)

	feed(`{"state":"PROGRESS","mode_count":2,"current_phase":"modes","current_mode":"rail"}`)
	require.Equal(t, progress.PhaseProcessing, s.Phase)
	require.Equal(t, 2, s.Counters.MajorValue)

	feed(`{"state":"SUCCESS","uuid":"abc123","file_name":"result.xlsx"}`)
	require.Equal(t, progress.PhaseSuccess, s.Phase)
	require.Equal(t, "abc123/result.xlsx", s.ResultRef)
}

// TestEventTypesAllTranslate checks every advertised type is handled.
func TestEventTypesAllTranslate(t *testing.T) {
	t.Parallel()

	seen := map[string]bool{}
	for _, typ := range EventTypes() {
		require.False(t, seen[typ], "duplicate %s", typ)
		seen[typ] = true
		_, err := Translate(stream.Event{Type: typ, Data: "1"}, now)
		if err != nil {
			require.ErrorIs(t, err, ErrMalformed)
		}
	}
	require.Len(t, seen, 20)
}
