package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobstream/internal/journal"
	"github.com/JakeFAU/jobstream/internal/progress"
)

// TestStoreSinkPersistsRecords collapses phases per job before persisting.
func TestStoreSinkPersistsRecords(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	sink := NewStoreSink(repo, nil)
	now := time.Now()

	batch := []journal.Record{
		{JobID: jobID, Kind: journal.KindJobStart, TS: now},
		{JobID: jobID, Kind: journal.KindPhase, Phase: progress.PhasePending, TS: now.Add(time.Second)},
		{JobID: jobID, Kind: journal.KindPhase, Phase: progress.PhaseTimedWait, TS: now.Add(2 * time.Second)},
		{JobID: jobID, Kind: journal.KindJobDone, Phase: progress.PhaseFailure, Outcome: "failed", Note: "boom", TS: now.Add(3 * time.Second)},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, []string{jobID}, repo.starts)
	require.Len(t, repo.completes, 1)
	require.Equal(t, "failed", repo.completes[0].outcome)
	require.Equal(t, "boom", *repo.completes[0].note)
	require.Equal(t, []progress.Phase{progress.PhaseFailure}, repo.phases)
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(&fakeRepo{fail: true}, nil)
	err := sink.Consume(context.Background(), []journal.Record{
		{JobID: jobID, Kind: journal.KindJobStart, TS: time.Now()},
	})
	require.Error(t, err)
}

// TestStoreSinkNilRepo is a no-op.
func TestStoreSinkNilRepo(t *testing.T) {
	t.Parallel()

	require.NoError(t, NewStoreSink(nil, nil).Consume(context.Background(), []journal.Record{{JobID: jobID}}))
}

type completeCall struct {
	outcome string
	note    *string
}

type fakeRepo struct {
	fail      bool
	starts    []string
	phases    []progress.Phase
	completes []completeCall
}

var errFake = errors.New("repo unavailable")

func (f *fakeRepo) UpsertRunStart(_ context.Context, id string, _ time.Time) error {
	if f.fail {
		return errFake
	}
	f.starts = append(f.starts, id)
	return nil
}

func (f *fakeRepo) UpdateRunPhase(_ context.Context, _ string, phase progress.Phase, _ time.Time) error {
	if f.fail {
		return errFake
	}
	f.phases = append(f.phases, phase)
	return nil
}

func (f *fakeRepo) CompleteRun(_ context.Context, _ string, _ time.Time, outcome string, note *string) error {
	if f.fail {
		return errFake
	}
	f.completes = append(f.completes, completeCall{outcome: outcome, note: note})
	return nil
}

func (f *fakeRepo) GetRun(context.Context, string) (journal.Run, error) {
	return journal.Run{}, journal.ErrNotFound
}

func (f *fakeRepo) ListRuns(context.Context, *string, int, int) ([]journal.Run, error) {
	return nil, nil
}
