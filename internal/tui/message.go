package tui

import (
	"fmt"

	"github.com/JakeFAU/jobstream/internal/controller"
	"github.com/JakeFAU/jobstream/internal/progress"
)

// Message renders the status line for an update.
func Message(u controller.Update) string {
	switch u.Outcome {
	case controller.OutcomeStale:
		return "The previous job is no longer known to the server"
	case controller.OutcomeAbandoned:
		return "Job abandoned"
	}

	v := u.View
	switch v.Phase {
	case progress.PhaseInit:
		return "Ready"
	case progress.PhasePending:
		return "Job submitted, waiting for the server"
	case progress.PhaseTimedWait:
		return fmt.Sprintf("Waiting for source data: %ds remaining", v.RemainingSeconds)
	case progress.PhaseExternalCheck:
		return fmt.Sprintf("Checking source data: %d of %d", v.MinorValue, v.MinorMax)
	case progress.PhaseProcessing:
		if v.Unit == "" {
			return "Processing"
		}
		return fmt.Sprintf("Processing %s", v.Unit)
	case progress.PhaseSuccess:
		return fmt.Sprintf("Done: %s", v.ResultRef)
	case progress.PhaseCancelled:
		return "Cancelled"
	case progress.PhaseAborted:
		return "Aborted by the server"
	case progress.PhaseFailure:
		return failureMessage(v.Failure)
	default:
		return string(v.Phase)
	}
}

func failureMessage(f progress.Failure) string {
	switch f.Kind {
	case progress.FailureMismatchedInputScope:
		return fmt.Sprintf("%.1f%% of the input would be deleted. Continue anyway? (y/n)", f.DeletionRatio)
	case progress.FailureTimedWaitExpired:
		return "Timed out waiting for source data"
	case progress.FailureTransport:
		return withReason("Lost connection to the server", f.Reason)
	case progress.FailureStreamEnded:
		return "The server closed the stream before the job finished"
	default:
		return withReason("Job failed", f.Reason)
	}
}

func withReason(msg, reason string) string {
	if reason == "" {
		return msg
	}
	return msg + ": " + reason
}

// Finished reports whether the update ends the presentation.
func Finished(u controller.Update) bool {
	return u.Outcome != controller.OutcomeNone && !u.NeedsConfirmation
}
