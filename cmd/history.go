package cmd

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recently followed jobs from the run history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			repo := a.History()
			if repo == nil {
				return errors.New("run history is not configured; set journal.history_dsn")
			}
			var filter *string
			if s := strings.ToLower(strings.TrimSpace(status)); s != "" {
				filter = &s
			}
			runs, err := repo.ListRuns(cmd.Context(), filter, limit, 0)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "JOB\tSTARTED\tSTATUS\tPHASE\tNOTE")
			for _, r := range runs {
				note := ""
				if r.Note != nil {
					note = *r.Note
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					r.JobID, r.StartedAt.Local().Format(time.DateTime), r.Status, r.LastPhase, note)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only runs with this status (running, succeeded, failed, ...)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	return cmd
}
