package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/gatekeeper/internal/orchestrator"
	"github.com/aristath/gatekeeper/internal/persistence"
)

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show per-task status and progress of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := orchestrator.LoadStatus(cmd.Context(), a.store, args[0])
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd, report)
			}
			printStatus(cmd.OutOrStdout(), report)
			return nil
		},
	}
}

func newResultCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "result <run-id>",
		Short: "Show merged, failed and blocked tasks with scores and the merge audit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := orchestrator.LoadResult(cmd.Context(), a.store, args[0])
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd, result)
			}
			printResult(cmd.OutOrStdout(), result)
			return nil
		},
	}
}

func newRunsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.store.ListRuns(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs yet.")
				return nil
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
}

func newAuditCmd(opts *options) *cobra.Command {
	var filter persistence.AuditFilter
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the merge audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.store.ListAudit(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No merge attempts recorded.")
				return nil
			}
			printAudit(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	cmd.Flags().StringVar(&filter.RunID, "run", "", "only entries of this run")
	cmd.Flags().StringVar(&filter.TaskID, "task", "", "only entries of this task")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "maximum entries (0 for all)")
	return cmd
}
