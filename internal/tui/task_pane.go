package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/gatekeeper/internal/events"
)

// Task display states.
const (
	stateRunning   = "running"
	stateSucceeded = "succeeded"
	stateRetrying  = "retrying"
	stateFailed    = "failed"
)

// maxLogLines bounds the log kept per task.
const maxLogLines = 500

// TaskState is what the pane knows about one task.
type TaskState struct {
	TaskID   string
	Name     string
	Status   string
	Attempt  int
	Tier     string
	Score    float64
	Log      []string
	Started  time.Time
	Duration time.Duration
}

// TaskPaneModel lists tasks on the left and the selected task's log on the
// right.
type TaskPaneModel struct {
	tasks       map[string]*TaskState
	order       []string // First dispatch order
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
}

// tickMsg debounces viewport refreshes while output streams in.
type tickMsg struct {
	tag int
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskDispatchedEvent:
		task, ok := m.tasks[msg.ID]
		if !ok {
			task = &TaskState{TaskID: msg.ID, Name: msg.Name}
			m.tasks[msg.ID] = task
			m.order = append(m.order, msg.ID)
		}
		task.Status = stateRunning
		task.Attempt = msg.Attempt
		task.Started = msg.Timestamp
		m.appendLog(msg.ID, fmt.Sprintf("[attempt %d in %s]", msg.Attempt, msg.WorkspaceID))

	case events.TaskOutputEvent:
		if m.appendLog(msg.ID, msg.Line) && m.selectedTaskID() == msg.ID {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}

	case events.ReviewScoredEvent:
		if task, ok := m.tasks[msg.ID]; ok {
			task.Tier = msg.Tier
			task.Score = msg.Score
		}
		line := fmt.Sprintf("[review: %s %.2f, %d findings]", msg.Tier, msg.Score, msg.Findings)
		if msg.MPR {
			line = fmt.Sprintf("[review: %s %.2f, %d findings, minority protection rule]", msg.Tier, msg.Score, msg.Findings)
		}
		m.appendLog(msg.ID, line)

	case events.EscalationEvent:
		m.appendLog(msg.ID, fmt.Sprintf("[escalated: %s]", msg.Summary))

	case events.MergeAttemptedEvent:
		line := fmt.Sprintf("[merge: %s at %s]", msg.Outcome, shortRev(msg.Revision))
		if len(msg.ConflictFiles) > 0 {
			line = fmt.Sprintf("[merge: %s in %s]", msg.Outcome, strings.Join(msg.ConflictFiles, ", "))
		}
		m.appendLog(msg.ID, line)

	case events.TaskCompletedEvent:
		if task, ok := m.tasks[msg.ID]; ok {
			task.Status = stateSucceeded
			task.Duration = msg.Duration
		}
		m.appendLog(msg.ID, fmt.Sprintf("[succeeded in %v: %s]", msg.Duration.Round(time.Millisecond), msg.Detail))

	case events.TaskFailedEvent:
		if task, ok := m.tasks[msg.ID]; ok {
			task.Duration = msg.Duration
			task.Status = stateFailed
			if msg.Requeued {
				task.Status = stateRetrying
			}
		}
		verb := "failed"
		if msg.RolledBack {
			verb = "rolled back"
		}
		m.appendLog(msg.ID, fmt.Sprintf("[%s: %v]", verb, msg.Err))

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// appendLog adds a line to a known task's log and refreshes the viewport
// when that task is selected and the line is not streaming output.
func (m *TaskPaneModel) appendLog(taskID, line string) bool {
	task, ok := m.tasks[taskID]
	if !ok {
		return false
	}
	task.Log = append(task.Log, line)
	if over := len(task.Log) - maxLogLines; over > 0 {
		task.Log = task.Log[over:]
	}
	if len(m.order) == 1 || m.selectedTaskID() == taskID {
		m.updateViewportContent()
	}
	return true
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 28
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.order {
		task := m.tasks[id]
		name := task.Name
		if name == "" {
			name = task.TaskID
		}
		if len(name) > width-8 {
			name = name[:width-11] + "..."
		}

		line := fmt.Sprintf("%s %s", StatusIcon(task.Status), name)
		if task.Attempt > 1 {
			line += fmt.Sprintf(" #%d", task.Attempt)
		}
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case stateRunning:
		return StyleStatusRunning.Render("●")
	case stateSucceeded:
		return StyleStatusComplete.Render("✓")
	case stateRetrying:
		return StyleStatusRunning.Render("↻")
	case stateFailed:
		return StyleStatusFailed.Render("✗")
	default:
		return StyleStatusPending.Render("○")
	}
}

// Task returns the pane's state for a task.
func (m TaskPaneModel) Task(id string) (TaskState, bool) {
	task, ok := m.tasks[id]
	if !ok {
		return TaskState{}, false
	}
	return *task, true
}

func (m TaskPaneModel) selectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

func (m *TaskPaneModel) updateViewportContent() {
	task, ok := m.tasks[m.selectedTaskID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	m.viewport.SetContent(strings.Join(task.Log, "\n"))
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-28-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

func shortRev(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
