package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/gatekeeper/internal/events"
	"github.com/aristath/gatekeeper/internal/orchestrator"
	"github.com/aristath/gatekeeper/internal/persistence"
	"github.com/aristath/gatekeeper/internal/tui"
)

func newRunCmd(opts *options) *cobra.Command {
	var useTUI bool
	cmd := &cobra.Command{
		Use:   "run <tasks.yaml>",
		Short: "Submit a task graph and follow it to completion",
		Long: `Submit the tasks described in a YAML file and execute them.

Example task file:

  tasks:
    - id: schema
      complexity: S
      payload: {prompt: "add the users table"}
    - id: api
      depends_on: [schema]
      resources: [db]

Interrupting (Ctrl+C) stops the run; it can be continued with "gatekeeper resume".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := orchestrator.LoadRunSpec(args[0])
			if err != nil {
				return err
			}
			return execute(cmd, opts, useTUI, func(ctx context.Context, o *orchestrator.Orchestrator) (string, error) {
				return o.Submit(ctx, spec)
			})
		},
	}
	cmd.Flags().BoolVar(&useTUI, "tui", false, "show a live terminal UI")
	return cmd
}

func newResumeCmd(opts *options) *cobra.Command {
	var useTUI bool
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Continue an interrupted or aborted run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd, opts, useTUI, func(ctx context.Context, o *orchestrator.Orchestrator) (string, error) {
				return args[0], o.Recover(ctx, args[0])
			})
		},
	}
	cmd.Flags().BoolVar(&useTUI, "tui", false, "show a live terminal UI")
	return cmd
}

// execute starts a run with start and follows it until it stops.
func execute(cmd *cobra.Command, opts *options, useTUI bool, start func(context.Context, *orchestrator.Orchestrator) (string, error)) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	bus := events.NewEventBus()
	defer bus.Close()

	var notify io.Writer = cmd.ErrOrStderr()
	if useTUI {
		notify = nil
	}
	orch, err := a.orchestrator(bus, notify)
	if err != nil {
		return err
	}
	defer orch.Close()

	// Subscribe before starting so no early event is missed.
	sub := bus.Subscribe(events.DefaultBufferSize)
	defer sub.Close()

	runID, err := start(ctx, orch)
	if err != nil {
		return err
	}
	if !opts.jsonOut {
		fmt.Fprintf(cmd.OutOrStdout(), "run %s started\n", runID)
	}

	if useTUI {
		if err := followTUI(ctx, orch, sub, runID); err != nil {
			return err
		}
	}
	// Progress goes to stderr when stdout carries JSON.
	progress := cmd.OutOrStdout()
	if opts.jsonOut {
		progress = cmd.ErrOrStderr()
	}
	result, err := followText(ctx, cmd, progress, orch, sub, runID)
	if err != nil {
		return err
	}

	if opts.jsonOut {
		if err := printJSON(cmd, result); err != nil {
			return err
		}
	} else {
		printResult(cmd.OutOrStdout(), result)
	}
	return resultError(result)
}

// followText prints events until the run stops. A signal interrupts the
// run.
func followText(ctx context.Context, cmd *cobra.Command, w io.Writer, orch *orchestrator.Orchestrator, sub *events.Subscription, runID string) (*orchestrator.RunResult, error) {
	done := make(chan struct{})
	var (
		result  *orchestrator.RunResult
		waitErr error
	)
	go func() {
		defer close(done)
		result, waitErr = orch.Wait(context.WithoutCancel(ctx), runID)
	}()

	interrupted := false
	for {
		select {
		case e, ok := <-sub.C:
			if ok {
				printEvent(w, e)
			}
		case <-ctx.Done():
			if !interrupted {
				interrupted = true
				cmd.PrintErrln("interrupting run, waiting for in-flight tasks to stop...")
				_ = orch.Cancel(runID)
			}
		case <-done:
			return result, waitErr
		}
	}
}

// followTUI shows the run in the terminal UI. Quitting with q detaches the
// view and the run continues in text mode; Ctrl+C interrupts the run.
func followTUI(ctx context.Context, orch *orchestrator.Orchestrator, sub *events.Subscription, runID string) error {
	p := tea.NewProgram(tui.New(sub, runID), tea.WithAltScreen(), tea.WithContext(ctx))

	go func() {
		result, err := orch.Wait(context.WithoutCancel(ctx), runID)
		msg := tui.RunFinishedMsg{State: "unknown"}
		if err == nil {
			msg = tui.RunFinishedMsg{State: string(result.State), Summary: summary(result)}
		}
		p.Send(msg)
	}()

	final, err := p.Run()
	if model, ok := final.(tui.Model); ok && model.Interrupted() {
		_ = orch.Cancel(runID)
	}
	if err != nil && ctx.Err() != nil {
		_ = orch.Cancel(runID)
		return nil
	}
	return err
}

// resultError turns an unsuccessful run into a non-zero exit.
func resultError(r *orchestrator.RunResult) error {
	switch {
	case r.State == persistence.RunInterrupted:
		return fmt.Errorf("run %s interrupted; continue it with: gatekeeper resume %s", r.RunID, r.RunID)
	case r.State != persistence.RunCompleted:
		return fmt.Errorf("run %s %s: %s", r.RunID, r.State, r.Err)
	case len(r.Failed)+len(r.Blocked) > 0:
		return fmt.Errorf("run %s finished with %d failed and %d blocked tasks", r.RunID, len(r.Failed), len(r.Blocked))
	}
	return nil
}
