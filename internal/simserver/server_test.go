package simserver

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobstream/internal/clock/system"
	"github.com/JakeFAU/jobstream/internal/controller"
	"github.com/JakeFAU/jobstream/internal/identity"
	"github.com/JakeFAU/jobstream/internal/jobapi"
	"github.com/JakeFAU/jobstream/internal/metrics"
	"github.com/JakeFAU/jobstream/internal/progress"
	"github.com/JakeFAU/jobstream/internal/protocol"
	"github.com/JakeFAU/jobstream/internal/stream"
)

func fastScenario() Scenario {
	sc := DefaultScenario()
	sc.StepDelay = 0
	return sc
}

func newTestServer(t *testing.T, sc Scenario, opts ...Option) (*httptest.Server, *jobapi.Client) {
	t.Helper()
	srv := New(sc, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	client, err := jobapi.New(ts.URL, jobapi.WithHTTPClient(ts.Client()))
	require.NoError(t, err)
	return ts, client
}

// readStream fetches the whole status stream of a job.
func readStream(t *testing.T, ts *httptest.Server, client *jobapi.Client, jobID string) []stream.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, client.StatusRequest(jobID).URL, nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	dec := stream.NewDecoder()
	return append(dec.Feed(body), dec.Flush()...)
}

func eventTypes(evs []stream.Event) []string {
	out := make([]string, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Type)
	}
	return out
}

func replay(t *testing.T, evs []stream.Event) progress.State {
	t.Helper()
	cfg := progress.DefaultConfig()
	s := progress.NewState(cfg)
	now := time.Now().UTC()
	for _, raw := range evs {
		translated, err := protocol.Translate(raw, now)
		require.NoError(t, err, "event %s %q", raw.Type, raw.Data)
		s = progress.Apply(cfg, s, translated...)
	}
	return s
}

func TestTwoStepSubmitStreamsAndDownloads(t *testing.T) {
	t.Parallel()

	ts, client := newTestServer(t, fastScenario())
	ctx := context.Background()

	sub, err := client.Submit(ctx, jobapi.Payload{})
	require.NoError(t, err)
	require.Equal(t, 3, sub.UnitCount)

	evs := readStream(t, ts, client, sub.JobID)
	require.Equal(t, []string{
		"stage-count", "timed-wait-start", "timed-wait-complete",
		"external-check-max", "external-check-progress", "external-check-progress", "external-check-progress",
		"unit-started", "unit-started", "unit-started",
		"job-succeeded",
	}, eventTypes(evs))
	require.Equal(t, "1", evs[0].ID)
	require.Equal(t, sub.JobID+"/result.xlsx", evs[len(evs)-1].Data)

	// A second reader replays the same log.
	again := readStream(t, ts, client, sub.JobID)
	require.Equal(t, eventTypes(evs), eventTypes(again))
	require.Equal(t, evs[1].Data, again[1].Data)

	resp, err := ts.Client().Get(client.ResultURL(evs[len(evs)-1].Data))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), sub.JobID)
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)

	req, err := http.NewRequest(http.MethodGet, client.ResultURL(evs[len(evs)-1].Data), nil)
	require.NoError(t, err)
	req.Header.Set("If-None-Match", etag)
	resp, err = ts.Client().Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusNotModified, resp.StatusCode)
}

func TestStatusUnknownJob(t *testing.T) {
	t.Parallel()

	ts, client := newTestServer(t, fastScenario())
	evs := readStream(t, ts, client, "3f2504e0-4f89-41d3-9a0c-0305e82c3301")
	require.Equal(t, []string{"job-unknown"}, eventTypes(evs))
}

func TestDownloadMissing(t *testing.T) {
	t.Parallel()

	ts, client := newTestServer(t, fastScenario())
	resp, err := ts.Client().Get(client.ResultURL("nope/result.xlsx"))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAbort(t *testing.T) {
	t.Parallel()

	sc := fastScenario()
	sc.TimedWaitSeconds = 60
	sc.StallTimedWait = true
	ts, client := newTestServer(t, sc)
	ctx := context.Background()

	sub, err := client.Submit(ctx, jobapi.Payload{})
	require.NoError(t, err)
	require.NoError(t, client.Abort(ctx, sub.JobID))
	require.ErrorIs(t, client.Abort(ctx, sub.JobID), jobapi.ErrAbortRejected)

	evs := readStream(t, ts, client, sub.JobID)
	require.Equal(t, "job-aborted", evs[len(evs)-1].Type)
	require.Equal(t, progress.PhaseAborted, replay(t, evs).Phase)

	require.ErrorIs(t, client.Abort(ctx, "6fa459ea-ee8a-4ca4-894e-db77e160355e"), jobapi.ErrAbortRejected)
}

func TestAbortRejected(t *testing.T) {
	t.Parallel()

	sc := fastScenario()
	sc.RejectAbort = true
	_, client := newTestServer(t, sc)
	ctx := context.Background()

	sub, err := client.Submit(ctx, jobapi.Payload{})
	require.NoError(t, err)
	require.ErrorIs(t, client.Abort(ctx, sub.JobID), jobapi.ErrAbortRejected)
}

func TestDialectsReachSuccess(t *testing.T) {
	t.Parallel()

	tests := []struct {
		dialect Dialect
		want    string
	}{
		{DialectCanonical, "timed-wait-start"},
		{DialectLegacy, protocol.LegacyOverpassStart},
		{DialectSnapshot, protocol.TaskUpdate},
	}

	for _, tt := range tests {
		t.Run(string(tt.dialect), func(t *testing.T) {
			t.Parallel()
			sc := fastScenario()
			sc.Dialect = tt.dialect
			ts, client := newTestServer(t, sc)

			sub, err := client.Submit(context.Background(), jobapi.Payload{})
			require.NoError(t, err)
			evs := readStream(t, ts, client, sub.JobID)
			require.Contains(t, eventTypes(evs), tt.want)

			s := replay(t, evs)
			require.Equal(t, progress.PhaseSuccess, s.Phase)
			require.Equal(t, sub.JobID+"/result.xlsx", s.ResultRef)
		})
	}
}

func TestHighDeletionOverride(t *testing.T) {
	t.Parallel()

	sc := fastScenario()
	sc.Fail = &Failure{Reason: "too many deletions", DeletionPercentage: 42}
	ts, client := newTestServer(t, sc)
	ctx := context.Background()

	sub, err := client.Submit(ctx, jobapi.Payload{})
	require.NoError(t, err)
	s := replay(t, readStream(t, ts, client, sub.JobID))
	require.Equal(t, progress.PhaseFailure, s.Phase)
	require.Equal(t, progress.FailureMismatchedInputScope, s.Failure.Kind)
	require.InDelta(t, 42.0, s.Failure.DeletionRatio, 1e-9)

	sub, err = client.Submit(ctx, jobapi.Payload{}.WithHighDeletionsOK())
	require.NoError(t, err)
	s = replay(t, readStream(t, ts, client, sub.JobID))
	require.Equal(t, progress.PhaseSuccess, s.Phase)
}

func TestInlineSubmitRequiresIdentity(t *testing.T) {
	t.Parallel()

	ts, client := newTestServer(t, fastScenario())
	req, jobID, err := client.InlineRequest(jobapi.Payload{})
	require.NoError(t, err)

	post := func(body []byte) int {
		httpReq, err := http.NewRequest(http.MethodPost, req.URL, bytes.NewReader(body))
		require.NoError(t, err)
		for k, v := range req.Header {
			httpReq.Header[k] = v
		}
		httpReq.Header.Set("Accept", "text/event-stream")
		resp, err := ts.Client().Do(httpReq)
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, resp.Body)
		require.NoError(t, resp.Body.Close())
		return resp.StatusCode
	}

	require.Equal(t, http.StatusOK, post(req.Body))
	require.Equal(t, http.StatusConflict, post(req.Body))

	evs := readStream(t, ts, client, jobID)
	require.Equal(t, "job-succeeded", evs[len(evs)-1].Type)

	httpReq, err := http.NewRequest(http.MethodPost, req.URL, nil)
	require.NoError(t, err)
	httpReq.Header.Set("Accept", "text/event-stream")
	resp, err := ts.Client().Do(httpReq)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsRecorded(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := metrics.NewHTTP(reg, "simulator")
	require.NoError(t, err)
	ts, client := newTestServer(t, fastScenario(), WithMetrics(m))

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = client.Submit(context.Background(), jobapi.Payload{})
	require.NoError(t, err)

	// Counters are recorded after the handler returns.
	require.Eventually(t, func() bool {
		count, err := testutil.GatherAndCount(reg, "jobstream_simulator_http_requests_total")
		return err == nil && count == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestControllerAgainstSimulator(t *testing.T) {
	t.Parallel()

	for _, inline := range []bool{false, true} {
		name := "two-step"
		if inline {
			name = "inline"
		}
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			sc := fastScenario()
			sc.StepDelay = time.Millisecond
			ts, client := newTestServer(t, sc)

			store := identity.NewMemory()
			ctrl, err := controller.New(controller.Config{
				Progress:     progress.DefaultConfig(),
				TickInterval: 10 * time.Millisecond,
				Inline:       inline,
			}, controller.Deps{
				Backend:   client,
				NewStream: func() controller.Stream { return stream.New(ts.Client()) },
				Identity:  store,
				Clock:     system.New(),
			})
			require.NoError(t, err)
			t.Cleanup(ctrl.Close)

			jobID, err := ctrl.Submit(context.Background(), jobapi.Payload{})
			require.NoError(t, err)

			select {
			case <-ctrl.Done():
			case <-time.After(5 * time.Second):
				t.Fatal("job did not finish")
			}
			require.Equal(t, controller.OutcomeSucceeded, ctrl.Outcome())
			snap := ctrl.Snapshot()
			require.Equal(t, jobID, snap.JobID)
			require.Equal(t, progress.PhaseSuccess, snap.View.Phase)
			require.Equal(t, jobID+"/result.xlsx", snap.View.ResultRef)

			_, ok, err := store.Load(context.Background())
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}
