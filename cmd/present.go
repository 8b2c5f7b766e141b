package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/jobstream/internal/controller"
	"github.com/JakeFAU/jobstream/internal/tui"
)

// errJobNotSucceeded makes the process exit non-zero without repeating the
// message the presenter already showed.
var errJobNotSucceeded = errors.New("job did not succeed")

// present follows the controller's current job until it ends, then reports
// the outcome on the command's output.
func present(cmd *cobra.Command, rt *runtime, a App, title string, confirm bool) error {
	ctx := cmd.Context()
	ctrl := a.Controller()

	var (
		final controller.Update
		err   error
	)
	if rt.interactive {
		final, err = tui.Run(ctx, ctrl, title, cmd.OutOrStdout())
	} else {
		final, err = tui.Plain(ctx, ctrl, a.Logger(), tui.PlainOptions{ConfirmHighDeletions: confirm})
	}
	if err != nil {
		return err
	}
	return report(cmd, a, final)
}

func report(cmd *cobra.Command, a App, u controller.Update) error {
	out := cmd.OutOrStdout()
	switch u.Outcome {
	case controller.OutcomeSucceeded:
		_, _ = fmt.Fprintln(out, a.Client().ResultURL(u.View.ResultRef))
		return nil
	case controller.OutcomeNone:
		// Detached; the identity is kept for watch.
		if u.JobID != "" {
			_, _ = fmt.Fprintf(out, "Detached from job %s. Resume with: jobstream watch\n", u.JobID)
		}
		return nil
	case controller.OutcomeCancelled, controller.OutcomeAbandoned:
		_, _ = fmt.Fprintln(out, tui.Message(u))
		return nil
	default:
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), tui.Message(u))
		return fmt.Errorf("%w: %s", errJobNotSucceeded, u.Outcome)
	}
}
