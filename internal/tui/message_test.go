package tui

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobstream/internal/controller"
	"github.com/JakeFAU/jobstream/internal/progress"
)

func TestMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   controller.Update
		want string
	}{
		{"init", controller.Update{View: progress.View{Phase: progress.PhaseInit}}, "Ready"},
		{"countdown", controller.Update{View: progress.View{Phase: progress.PhaseTimedWait, RemainingSeconds: 42}}, "Waiting for source data: 42s remaining"},
		{"check", controller.Update{View: progress.View{Phase: progress.PhaseExternalCheck, MinorValue: 2, MinorMax: 5}}, "Checking source data: 2 of 5"},
		{"unit", controller.Update{View: progress.View{Phase: progress.PhaseProcessing, Unit: "rail"}}, "Processing rail"},
		{"success", controller.Update{View: progress.View{Phase: progress.PhaseSuccess, ResultRef: "id/result.xlsx"}}, "Done: id/result.xlsx"},
		{"generic failure", controller.Update{View: progress.View{
			Phase:   progress.PhaseFailure,
			Failure: progress.Failure{Kind: progress.FailureGeneric, Reason: "bad input"},
		}}, "Job failed: bad input"},
		{"high deletions", controller.Update{View: progress.View{
			Phase:   progress.PhaseFailure,
			Failure: progress.Failure{Kind: progress.FailureMismatchedInputScope, DeletionRatio: 42.5},
		}}, "42.5% of the input would be deleted. Continue anyway? (y/n)"},
		{"timed wait expired", controller.Update{View: progress.View{
			Phase:   progress.PhaseFailure,
			Failure: progress.Failure{Kind: progress.FailureTimedWaitExpired},
		}}, "Timed out waiting for source data"},
		{"stream ended", controller.Update{View: progress.View{
			Phase:   progress.PhaseFailure,
			Failure: progress.Failure{Kind: progress.FailureStreamEnded},
		}}, "The server closed the stream before the job finished"},
		{"stale", controller.Update{Outcome: controller.OutcomeStale}, "The previous job is no longer known to the server"},
		{"aborted", controller.Update{View: progress.View{Phase: progress.PhaseAborted}}, "Aborted by the server"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, Message(tt.in))
		})
	}
}

func TestFinished(t *testing.T) {
	t.Parallel()

	require.False(t, Finished(controller.Update{}))
	require.True(t, Finished(controller.Update{Outcome: controller.OutcomeSucceeded}))
	require.False(t, Finished(controller.Update{Outcome: controller.OutcomeFailed, NeedsConfirmation: true}))
}
