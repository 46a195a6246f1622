package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/reviewpipe/internal/queue"
	"github.com/kiranshivaraju/reviewpipe/internal/store"
	"github.com/kiranshivaraju/reviewpipe/pkg/models"
	"github.com/spf13/cobra"
)

// stuckJob is a non-terminal job that has not moved for longer than the threshold.
type stuckJob struct {
	job    *models.Job
	age    time.Duration
	queued bool
}

// findStuck lists processing jobs whose attempt started before the threshold
// and pending jobs created before it, noting whether the queue still holds a task.
func findStuck(ctx context.Context, b *backends, olderThan time.Duration, now time.Time) ([]stuckJob, error) {
	var out []stuckJob
	for _, status := range []string{models.JobStatusProcessing, models.JobStatusPending} {
		jobs, err := b.store.ListJobsByStatus(ctx, status, 100)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s jobs: %w", status, err)
		}
		for _, j := range jobs {
			since := j.CreatedAt
			if j.StartedAt != nil {
				since = *j.StartedAt
			}
			age := now.Sub(since)
			if age < olderThan {
				continue
			}
			queued, err := b.queue.Tracked(ctx, j.ID)
			if err != nil {
				return nil, err
			}
			out = append(out, stuckJob{job: j, age: age, queued: queued})
		}
	}
	return out, nil
}

func jobsCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and maintain review jobs",
	}

	var stuckAge time.Duration
	stuckCmd := &cobra.Command{
		Use:   "stuck",
		Short: "List pending and processing jobs that have not progressed",
		Long: "List pending and processing jobs older than --older-than. A job whose QUEUED\n" +
			"column is \"no\" has no task left in the queue and will not progress on its own;\n" +
			"use 'reviewctl jobs requeue' to hand it back to the workers.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackends(cmd, open, func(b *backends) error {
				stuck, err := findStuck(cmd.Context(), b, stuckAge, time.Now())
				if err != nil {
					return err
				}
				if len(stuck) == 0 {
					printf(cmd.OutOrStdout(), "No stuck jobs.\n")
					return nil
				}

				tw := newTable(cmd.OutOrStdout())
				printf(tw, "JOB ID\tSTATUS\tAGE\tQUEUED\n")
				for _, s := range stuck {
					queued := "no"
					if s.queued {
						queued = "yes"
					}
					printf(tw, "%s\t%s\t%s\t%s\n", s.job.ID, s.job.Status, s.age.Round(time.Second), queued)
				}
				return tw.Flush()
			})
		},
	}
	stuckCmd.Flags().DurationVar(&stuckAge, "older-than", 15*time.Minute, "Only show jobs idle for at least this long")

	var force bool
	requeueCmd := &cobra.Command{
		Use:   "requeue [job-id]",
		Short: "Enqueue a task for a non-terminal job the queue no longer holds",
		Long: "Enqueue a task for a non-terminal job the queue no longer holds.\n\n" +
			"A worker that died mid-job leaves its task claimed, so a plain requeue is refused.\n" +
			"Once no worker can still be running the job, --force drops the stale task first.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id %q: %w", args[0], err)
			}
			return withBackends(cmd, open, func(b *backends) error {
				ctx := cmd.Context()
				job, err := b.store.GetJob(ctx, id)
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("job %s not found", id)
				}
				if err != nil {
					return err
				}
				if models.IsTerminal(job.Status) {
					return fmt.Errorf("job %s is already %s", id, job.Status)
				}

				if force {
					dropped, err := b.queue.Forget(ctx, job.ID)
					if err != nil {
						return fmt.Errorf("failed to clear queue state for job %s: %w", id, err)
					}
					if dropped {
						printf(cmd.ErrOrStderr(), "Dropped stale task for job %s.\n", id)
					}
				}

				added, err := b.queue.Enqueue(ctx, queue.Task{JobID: job.ID, Priority: job.Priority, EnqueuedAt: time.Now().UTC()})
				if err != nil {
					return fmt.Errorf("failed to enqueue job %s: %w", id, err)
				}
				if !added {
					return fmt.Errorf("job %s already has a task in the queue (use --force if its worker is gone)", id)
				}
				printf(cmd.OutOrStdout(), "Job %s requeued.\n", id)
				return nil
			})
		},
	}
	requeueCmd.Flags().BoolVar(&force, "force", false, "Drop any task the queue still holds for the job before enqueueing")

	var retention time.Duration
	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete completed and failed jobs that finished before the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if retention <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			return withBackends(cmd, open, func(b *backends) error {
				cutoff := time.Now().Add(-retention)
				n, err := b.store.PurgeExpired(cmd.Context(), store.PurgeFilter{CompletedBefore: cutoff})
				if err != nil {
					return fmt.Errorf("failed to purge jobs: %w", err)
				}
				printf(cmd.OutOrStdout(), "Purged %d jobs finished before %s.\n", n, cutoff.UTC().Format(time.RFC3339))
				return nil
			})
		},
	}
	purgeCmd.Flags().DurationVar(&retention, "older-than", 30*24*time.Hour, "Retention window")

	cmd.AddCommand(stuckCmd)
	cmd.AddCommand(requeueCmd)
	cmd.AddCommand(purgeCmd)
	return cmd
}
