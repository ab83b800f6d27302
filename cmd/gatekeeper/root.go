package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aristath/gatekeeper/internal/config"
)

// options are the persistent flags shared by every command.
type options struct {
	repo       string
	configPath string
	jsonOut    bool

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "gatekeeper",
		Short: "Run task graphs through isolated workers, a review panel and a gated merge",
		Long: `gatekeeper executes a graph of tasks against a git repository.

Each task runs in its own worktree. Finished work is scored by a panel of
reviewers; approved changes are merged onto the base branch one at a time,
integration-tested, and rolled back if the tests fail.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}

	root.PersistentFlags().StringVarP(&opts.repo, "repo", "C", ".", "repository to operate on")
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "project config file (default <repo>/.gatekeeper/config.yaml)")
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "print machine-readable JSON")

	root.AddCommand(
		newRunCmd(opts),
		newResumeCmd(opts),
		newStatusCmd(opts),
		newResultCmd(opts),
		newRunsCmd(opts),
		newAuditCmd(opts),
		newSweepCmd(opts),
		newConfigCmd(opts),
	)

	return root
}

// load resolves the repository and loads configuration. Relative paths in
// the configuration are taken relative to the repository.
func (o *options) load() error {
	repo, err := filepath.Abs(o.repo)
	if err != nil {
		return fmt.Errorf("resolving repository path: %w", err)
	}
	o.repo = repo

	projectPath := o.configPath
	if projectPath == "" {
		projectPath = filepath.Join(repo, ".gatekeeper", "config.yaml")
	}
	var globalPath string
	if home, err := os.UserHomeDir(); err == nil {
		globalPath = filepath.Join(home, ".gatekeeper", "config.yaml")
	}

	cfg, err := config.Load(globalPath, projectPath)
	if err != nil {
		return err
	}
	cfg.DBPath = o.resolve(cfg.DBPath)
	if cfg.Log.Dir != "" {
		cfg.Log.Dir = o.resolve(cfg.Log.Dir)
	}
	o.cfg = cfg
	return nil
}

func (o *options) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(o.repo, path)
}

// printJSON writes v as indented JSON to the command's output.
func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
