package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/gatekeeper/internal/workspace"
)

func newSweepCmd(opts *options) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove leftover task worktrees and branches",
		Long: `Remove worktrees left behind by crashed runs or preserved after failures.

Only worktrees created by gatekeeper are touched. By default worktrees
older than workspace.orphan_timeout are removed; --older-than overrides
it, and --older-than 0 removes all of them. Do not sweep while a run is
executing in this repository.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("older-than") {
				olderThan = opts.cfg.Workspace.OrphanTimeout
			}

			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			mgr := workspace.NewManager(a.workspaceConfig(), a.logger)
			n, err := mgr.Prune(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd, map[string]int{"removed": n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d workspace(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "minimum worktree age (default workspace.orphan_timeout)")
	return cmd
}
