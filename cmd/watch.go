package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/jobstream/internal/controller"
)

func newWatchCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:         "watch",
		Short:       "Resume following the job left by an earlier session",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationPresenter: ""},
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			found, err := a.Controller().Reconnect(cmd.Context())
			if err != nil {
				return err
			}
			if !found {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No job to resume.")
				return nil
			}
			return present(cmd, rt, a, "Resuming job", yes)
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "in plain mode, resubmit when the server reports high deletions")
	return cmd
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Abort the job left by an earlier session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctrl := a.Controller()
			found, err := ctrl.Reconnect(cmd.Context())
			if err != nil {
				return err
			}
			if !found {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No job to cancel.")
				return nil
			}
			if err := ctrl.Cancel(cmd.Context()); err != nil {
				if errors.Is(err, controller.ErrNoActiveJob) {
					// The stream ended before the abort went out.
					return report(cmd, a, ctrl.Snapshot())
				}
				return err
			}
			select {
			case <-ctrl.Done():
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			}
			return report(cmd, a, ctrl.Snapshot())
		},
	}
}
