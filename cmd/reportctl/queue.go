package main

import (
	"fmt"

	"github.com/iago/jyotish-reports/internal/domain"
	"github.com/iago/jyotish-reports/internal/queue"
	"github.com/spf13/cobra"
)

var knownQueues = []string{domain.QueueReportGeneration, domain.QueueAlertGeneration}

func migrateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			if rt.Config.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is not configured")
			}
			applied, err := rt.Migrate(cmd.Context(), opts.logger())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migrations\n", applied)
			return nil
		},
	}
}

func statsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats [queue...]",
		Short: "Show pending, active, delayed and dead counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			queues := args
			if len(queues) == 0 {
				queues = knownQueues
			}
			rt, err := opts.openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			all := make([]queue.Stats, 0, len(queues))
			for _, name := range queues {
				stats, err := rt.Queue.Stats(cmd.Context(), name)
				if err != nil {
					return fmt.Errorf("stats %s: %w", name, err)
				}
				all = append(all, stats)
			}
			return printJSON(cmd.OutOrStdout(), all)
		},
	}
}

func deadCmd(opts *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dead <queue>",
		Short: "List failed jobs kept for inspection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			jobs, err := rt.Queue.Dead(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), jobs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum jobs to list")
	return cmd
}

func requeueCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <queue> <job-id>",
		Short: "Move a failed job back to waiting with a fresh attempt budget",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.Queue.Requeue(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %s on %s\n", args[1], args[0])
			return nil
		},
	}
}

func enqueueCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a generation job directly on the broker",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "report <report-id>",
			Short: "Schedule generation for an existing report record",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				rt, err := opts.openRuntime(cmd.Context())
				if err != nil {
					return err
				}
				defer rt.Close()

				if _, err := rt.Repos.Reports.GetReport(cmd.Context(), args[0]); err != nil {
					return fmt.Errorf("load report %s: %w", args[0], err)
				}
				jobID, err := rt.Queue.EnqueueReportJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %s\n", jobID)
				return nil
			},
		},
		&cobra.Command{
			Use:   "alerts <profile-id>",
			Short: "Schedule daily transit alerts for a profile",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				rt, err := opts.openRuntime(cmd.Context())
				if err != nil {
					return err
				}
				defer rt.Close()

				jobID, err := rt.Queue.EnqueueAlertJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %s\n", jobID)
				return nil
			},
		},
	)
	return cmd
}
