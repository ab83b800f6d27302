package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/gatekeeper/internal/events"
)

func newTestModel(t *testing.T, runID string) (Model, *events.EventBus) {
	t.Helper()
	bus := events.NewEventBus()
	sub := bus.Subscribe(events.DefaultBufferSize)
	t.Cleanup(func() {
		sub.Close()
		bus.Close()
	})
	m := New(sub, runID)
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 140, Height: 40})
	return updated.(Model), bus
}

func send(m Model, msgs ...tea.Msg) Model {
	for _, msg := range msgs {
		updated, _ := m.Update(msg)
		m = updated.(Model)
	}
	return m
}

func TestModelTracksTaskLifecycle(t *testing.T) {
	m, _ := newTestModel(t, "run-1")
	now := time.Now()

	m = send(m,
		eventMsg{events.TaskDispatchedEvent{ID: "a", Name: "Task A", WorkspaceID: "ws-1", Attempt: 1, Timestamp: now}},
		eventMsg{events.TaskFailedEvent{ID: "a", Err: errors.New("conflicts in x.go"), Attempt: 1, Requeued: true}},
		eventMsg{events.TaskDispatchedEvent{ID: "a", Name: "Task A", WorkspaceID: "ws-2", Attempt: 2, Timestamp: now}},
		eventMsg{events.ReviewScoredEvent{ID: "a", Score: 2.5, Tier: "informational", Findings: 1}},
		eventMsg{events.MergeAttemptedEvent{ID: "a", Outcome: "success", Revision: "0123456789abcdef"}},
		eventMsg{events.TaskCompletedEvent{ID: "a", Detail: "merged", Duration: time.Second}},
	)

	task, ok := m.taskPane.Task("a")
	if !ok {
		t.Fatal("task a not tracked")
	}
	if task.Status != stateSucceeded || task.Attempt != 2 || task.Tier != "informational" {
		t.Errorf("task = %+v", task)
	}
	log := strings.Join(task.Log, "\n")
	for _, want := range []string{"attempt 1 in ws-1", "failed: conflicts in x.go", "review: informational 2.50", "merge: success at 0123456789ab", "succeeded"} {
		if !strings.Contains(log, want) {
			t.Errorf("log missing %q:\n%s", want, log)
		}
	}
}

func TestModelFiltersProgressByRun(t *testing.T) {
	m, _ := newTestModel(t, "run-1")

	m = send(m,
		eventMsg{events.DAGProgressEvent{RunID: "run-1", Total: 3, Succeeded: 1, Running: 1, Pending: 1}},
		eventMsg{events.DAGProgressEvent{RunID: "other", Total: 9}},
	)

	if got := m.dagPane.Progress(); got.Total != 3 || got.Succeeded != 1 {
		t.Errorf("progress = %+v", got)
	}
	if view := m.View(); !strings.Contains(view, "Run Progress") || !strings.Contains(view, "1/3") {
		t.Errorf("view does not show progress:\n%s", view)
	}
}

func TestModelReceivesBusEvents(t *testing.T) {
	m, bus := newTestModel(t, "run-1")

	bus.Publish(events.TopicTask, events.TaskDispatchedEvent{ID: "x", Attempt: 1})
	msg := m.Init()()
	m = send(m, msg)

	if _, ok := m.taskPane.Task("x"); !ok {
		t.Error("event from bus not applied")
	}
}

func TestModelQuitKeys(t *testing.T) {
	tests := []struct {
		name            string
		finished        bool
		key             tea.KeyMsg
		wantInterrupted bool
	}{
		{"detach", false, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")}, false},
		{"interrupt", false, tea.KeyMsg{Type: tea.KeyCtrlC}, true},
		{"ctrl+c after finish", true, tea.KeyMsg{Type: tea.KeyCtrlC}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestModel(t, "run-1")
			if tt.finished {
				m = send(m, RunFinishedMsg{State: "completed"})
			}
			updated, cmd := m.Update(tt.key)
			if cmd == nil {
				t.Fatal("expected quit command")
			}
			if got := updated.(Model).Interrupted(); got != tt.wantInterrupted {
				t.Errorf("Interrupted() = %v, want %v", got, tt.wantInterrupted)
			}
		})
	}
}

func TestModelFocusCycles(t *testing.T) {
	m, _ := newTestModel(t, "")
	tab := tea.KeyMsg{Type: tea.KeyTab}

	m = send(m, tab)
	if m.focusedPane != PaneDAG {
		t.Errorf("focus = %d, want DAG pane", m.focusedPane)
	}
	m = send(m, tab)
	if m.focusedPane != PaneTasks {
		t.Errorf("focus = %d, want task pane", m.focusedPane)
	}
}

func TestRunFinishedBanner(t *testing.T) {
	m, _ := newTestModel(t, "run-1")
	m = send(m, RunFinishedMsg{State: "aborted", Summary: "1 merged, 1 failed"})
	if view := m.View(); !strings.Contains(view, "aborted") || !strings.Contains(view, "1 merged, 1 failed") {
		t.Errorf("banner missing:\n%s", view)
	}
}
