package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func queueCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the review queue",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show task counts per lane and state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackends(cmd, open, func(b *backends) error {
				stats, err := b.queue.Stats(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to read queue stats: %w", err)
				}

				tw := newTable(cmd.OutOrStdout())
				printf(tw, "STATE\tTASKS\n")
				printf(tw, "priority\t%d\n", stats.Priority)
				printf(tw, "standard\t%d\n", stats.Standard)
				printf(tw, "active\t%d\n", stats.Active)
				printf(tw, "delayed\t%d\n", stats.Delayed)
				printf(tw, "completed (kept)\t%d\n", stats.Completed)
				printf(tw, "failed (kept)\t%d\n", stats.Failed)
				return tw.Flush()
			})
		},
	}

	var limit int
	deadCmd := &cobra.Command{
		Use:   "dead",
		Short: "List tasks that exhausted their delivery attempts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackends(cmd, open, func(b *backends) error {
				entries, err := b.queue.Dead(cmd.Context(), limit)
				if err != nil {
					return fmt.Errorf("failed to list dead tasks: %w", err)
				}
				if len(entries) == 0 {
					printf(cmd.OutOrStdout(), "No failed tasks.\n")
					return nil
				}

				tw := newTable(cmd.OutOrStdout())
				printf(tw, "JOB ID\tLANE\tATTEMPTS\tFINISHED\tERROR\n")
				for _, e := range entries {
					printf(tw, "%s\t%s\t%d\t%s\t%s\n",
						e.JobID, e.Lane, e.Attempts, e.FinishedAt.Format(time.RFC3339), e.Error)
				}
				return tw.Flush()
			})
		},
	}
	deadCmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of tasks to show")

	cmd.AddCommand(statsCmd)
	cmd.AddCommand(deadCmd)
	return cmd
}
