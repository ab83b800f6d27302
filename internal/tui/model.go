// Package tui renders a live view of a run from the orchestrator's event
// bus.
package tui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/gatekeeper/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneDAG
	paneCount
)

// RunFinishedMsg tells the model the run stopped executing.
type RunFinishedMsg struct {
	State   string
	Summary string
}

// Model is the root Bubble Tea model.
type Model struct {
	taskPane    TaskPaneModel
	dagPane     DAGPaneModel
	focusedPane PaneID
	events      <-chan events.Event
	runID       string
	finished    *RunFinishedMsg
	width       int
	height      int
	quitting    bool
	interrupted bool
}

// New creates a model fed by sub. The caller owns sub and closes it after
// the program exits.
func New(sub *events.Subscription, runID string) Model {
	m := Model{
		taskPane:    NewTaskPaneModel(),
		dagPane:     NewDAGPaneModel(runID),
		focusedPane: PaneTasks,
		events:      sub.C,
		runID:       runID,
	}
	m.updateFocusStates()
	return m
}

// Interrupted reports whether the user asked to interrupt the run rather
// than detach from it.
func (m Model) Interrupted() bool {
	return m.interrupted
}

// Init starts listening for events.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.events)
}

// eventMsg wraps an event so the bus closing can be told apart.
type eventMsg struct {
	event events.Event
}

// busClosedMsg is delivered once the subscription is closed.
type busClosedMsg struct{}

func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return busClosedMsg{}
		}
		return eventMsg{event: event}
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyCtrlC:
			m.interrupted = m.finished == nil
			m.quitting = true
			return m, tea.Quit
		case KeyQuit:
			m.quitting = true
			return m, tea.Quit
		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()
		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()
		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()
		case KeyPane2:
			m.focusedPane = PaneDAG
			m.updateFocusStates()
		default:
			if m.focusedPane == PaneTasks {
				var cmd tea.Cmd
				m.taskPane, cmd = m.taskPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case eventMsg:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg.event)
		cmds = append(cmds, cmd)
		m.dagPane, _ = m.dagPane.Update(msg.event)
		cmds = append(cmds, waitForEvent(m.events))

	case busClosedMsg:
		// Nothing more will arrive.

	case RunFinishedMsg:
		m.finished = &msg

	case tickMsg:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	banner := StyleBanner.Render(fmt.Sprintf("run %s", m.runID))
	if m.finished != nil {
		style := StyleStatusComplete
		if m.finished.State != "completed" {
			style = StyleStatusFailed
		}
		banner = StyleBanner.Render(fmt.Sprintf("run %s %s", m.runID, style.Render(m.finished.State)))
		if m.finished.Summary != "" {
			banner += "  " + m.finished.Summary
		}
	}

	panes := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), m.dagPane.View())
	return lipgloss.JoinVertical(lipgloss.Left, banner, panes, HelpView(m.finished != nil))
}

// computeLayout splits the screen between the panes, leaving one line for
// the banner and one for the help bar.
func (m *Model) computeLayout() {
	available := m.height - 2
	taskWidth := (m.width * 60) / 100
	m.taskPane.SetSize(taskWidth, available)
	m.dagPane.SetSize(m.width-taskWidth, available)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.dagPane.SetFocused(m.focusedPane == PaneDAG)
}
