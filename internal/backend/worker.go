package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aristath/gatekeeper/internal/events"
	"github.com/aristath/gatekeeper/internal/scheduler"
	"github.com/aristath/gatekeeper/internal/workspace"
)

// summaryLines is how many trailing stdout lines form a result summary.
const summaryLines = 5

// CommandWorker runs a configured command inside each task's workspace.
// The task payload is passed as JSON on stdin and in the environment.
type CommandWorker struct {
	config  WorkerConfig
	procMgr *ProcessManager
	bus     *events.EventBus
}

// NewCommandWorker creates a CommandWorker. pm and bus may be nil.
func NewCommandWorker(cfg WorkerConfig, pm *ProcessManager, bus *events.EventBus) (*CommandWorker, error) {
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, fmt.Errorf("worker command must not be empty")
	}
	return &CommandWorker{config: cfg, procMgr: pm, bus: bus}, nil
}

// Run executes the worker command. A non-zero exit is reported as an
// unsuccessful WorkResult, not as an error.
func (w *CommandWorker) Run(ctx context.Context, task *scheduler.Task, ws *workspace.Workspace) (scheduler.WorkResult, error) {
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return scheduler.WorkResult{}, fmt.Errorf("failed to encode payload of task %q: %w", task.ID, err)
	}

	env := append(envList(w.config.Env),
		EnvTaskID+"="+task.ID,
		EnvTaskName+"="+task.Name,
		EnvTaskPayload+"="+string(payload),
		EnvWorkspace+"="+ws.Path,
		EnvBaseRev+"="+ws.BaseRevision,
	)

	cmd := Command{
		Name:  w.config.Command[0],
		Args:  w.config.Command[1:],
		Dir:   ws.Path,
		Env:   env,
		Stdin: bytes.NewReader(payload),
	}
	if w.bus != nil {
		cmd.OnLine = func(line string) {
			w.bus.Publish(events.TopicTask, events.TaskOutputEvent{ID: task.ID, Line: line, Timestamp: time.Now()})
		}
	}

	out, err := Run(ctx, w.procMgr, cmd)
	result := scheduler.WorkResult{WorkspaceID: ws.ID}
	if out != nil {
		result.Summary = tail(string(out.Stdout), summaryLines)
	}
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			result.Success = false
			if result.Summary == "" {
				result.Summary = err.Error()
			}
			return result, nil
		}
		return result, err
	}

	result.Success = true
	return result, nil
}

// envList converts an environment map into sorted KEY=value pairs.
func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}

// tail returns the last n non-empty lines of s.
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	kept := make([]string, 0, n)
	for i := len(lines) - 1; i >= 0 && len(kept) < n; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			kept = append(kept, lines[i])
		}
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return strings.Join(kept, "\n")
}
