package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/gatekeeper/internal/events"
)

// DAGPaneModel shows the run's progress counts.
type DAGPaneModel struct {
	runID     string
	progress  events.DAGProgressEvent
	reviews   int
	escalated int
	merges    map[string]int // Outcome -> count
	width     int
	height    int
	focused   bool
}

// NewDAGPaneModel creates a DAG pane. An empty runID accepts progress from
// every run.
func NewDAGPaneModel(runID string) DAGPaneModel {
	return DAGPaneModel{runID: runID, merges: make(map[string]int)}
}

// Update handles messages for the DAG pane.
func (m DAGPaneModel) Update(msg tea.Msg) (DAGPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.DAGProgressEvent:
		if m.runID == "" || msg.RunID == m.runID {
			m.progress = msg
		}
	case events.ReviewScoredEvent:
		m.reviews++
	case events.EscalationEvent:
		m.escalated++
	case events.MergeAttemptedEvent:
		m.merges[msg.Outcome]++
	}
	return m, nil
}

// Progress returns the last progress event accepted.
func (m DAGPaneModel) Progress() events.DAGProgressEvent {
	return m.progress
}

// View renders the DAG pane.
func (m DAGPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}
	p := m.progress

	var b strings.Builder
	title := StyleTitle.Render("Run Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Total:     %d\n", p.Total)
	fmt.Fprintf(&b, "Merged:    %s\n", StyleStatusComplete.Render(fmt.Sprint(p.Succeeded)))
	fmt.Fprintf(&b, "Running:   %s\n", StyleStatusRunning.Render(fmt.Sprint(p.Running)))
	fmt.Fprintf(&b, "Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprint(p.Failed)))
	fmt.Fprintf(&b, "Blocked:   %s\n", StyleStatusFailed.Render(fmt.Sprint(p.Blocked)))
	fmt.Fprintf(&b, "Pending:   %s\n", StyleStatusPending.Render(fmt.Sprint(p.Pending)))
	b.WriteString("\n")
	fmt.Fprintf(&b, "Reviews:   %d (%d escalated)\n", m.reviews, m.escalated)
	fmt.Fprintf(&b, "Merges:    %d ok, %d conflict, %d rolled back, %d rejected\n",
		m.merges["success"], m.merges["conflict"], m.merges["integration_failure"], m.merges["rejected"])
	b.WriteString("\n")

	if p.Total > 0 {
		barWidth := min(m.width-12, 40)
		done := (p.Succeeded * barWidth) / p.Total
		failed := ((p.Failed + p.Blocked) * barWidth) / p.Total
		running := (p.Running * barWidth) / p.Total
		rest := barWidth - done - failed - running

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, done)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failed)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, running)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, rest)))

		fmt.Fprintf(&b, "[%s]  %d/%d\n", bar, p.Succeeded+p.Failed+p.Blocked, p.Total)
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *DAGPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *DAGPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
