package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobstream/internal/journal"
	"github.com/JakeFAU/jobstream/internal/progress"
)

const jobID = "3f2504e0-4f89-41d3-9a0c-0305e82c3301"

// TestPrometheusSinkRecordsMetrics ensures counters and histograms follow a job lifecycle.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []journal.Record{
		{JobID: jobID, TS: now, Kind: journal.KindJobStart},
		{JobID: jobID, TS: now, Kind: journal.KindJobStart},
		{JobID: jobID, TS: now, Kind: journal.KindPhase, Phase: progress.PhaseTimedWait},
		{JobID: jobID, TS: now, Kind: journal.KindCancelFailed},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.jobsStarted.WithLabelValues("submitted")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.phaseEntered.WithLabelValues(string(progress.PhaseTimedWait))))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.cancelFailures))

	require.NoError(t, sink.Consume(context.Background(), []journal.Record{
		{JobID: jobID, TS: now, Kind: journal.KindJobDone, Phase: progress.PhaseSuccess, Outcome: "succeeded", Dur: 42 * time.Second},
		{JobID: jobID, TS: now, Kind: journal.KindJobDone, Phase: progress.PhaseSuccess, Outcome: "succeeded"},
	}))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.jobsFinished.WithLabelValues("succeeded")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsRunning))
	require.Equal(t, 1, testutil.CollectAndCount(sink.jobDuration, "jobstream_job_duration_seconds"))
}

// TestPrometheusSinkReconnectLabel partitions resumed jobs.
func TestPrometheusSinkReconnectLabel(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)
	require.NoError(t, sink.Consume(context.Background(), []journal.Record{
		{JobID: jobID, TS: time.Now(), Kind: journal.KindJobStart, Reconnect: true},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsStarted.WithLabelValues("reconnected")))
}

// TestPrometheusSinkDuplicateRegistration surfaces registry conflicts.
func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
