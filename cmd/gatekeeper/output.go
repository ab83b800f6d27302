package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/aristath/gatekeeper/internal/events"
	"github.com/aristath/gatekeeper/internal/merge"
	"github.com/aristath/gatekeeper/internal/orchestrator"
	"github.com/aristath/gatekeeper/internal/persistence"
)

var (
	styleOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("green")).Bold(true)
	styleWarn    = lipgloss.NewStyle().Foreground(lipgloss.Color("yellow"))
	styleFail    = lipgloss.NewStyle().Foreground(lipgloss.Color("red")).Bold(true)
	styleMuted   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	styleHeading = lipgloss.NewStyle().Bold(true)
)

// printEvent writes one line per event. Worker output is indented under
// its task.
func printEvent(w io.Writer, e events.Event) {
	switch e := e.(type) {
	case events.TaskDispatchedEvent:
		fmt.Fprintf(w, "%s %s attempt %d\n", styleMuted.Render("▶"), e.ID, e.Attempt)
	case events.TaskOutputEvent:
		fmt.Fprintf(w, "  %s %s\n", styleMuted.Render(e.ID+" |"), e.Line)
	case events.ReviewScoredEvent:
		fmt.Fprintf(w, "%s %s review %s %.2f (%d findings%s)\n",
			styleMuted.Render("◆"), e.ID, tierStyle(e.Tier).Render(e.Tier), e.Score, e.Findings, mprNote(e.MPR))
	case events.EscalationEvent:
		fmt.Fprintf(w, "%s %s escalated: %s\n", styleFail.Render("!"), e.ID, e.Summary)
	case events.MergeAttemptedEvent:
		fmt.Fprintf(w, "%s %s merge %s\n", styleMuted.Render("◆"), e.ID, outcomeStyle(e.Outcome).Render(e.Outcome))
	case events.TaskCompletedEvent:
		fmt.Fprintf(w, "%s %s %s (%s)\n", styleOK.Render("✓"), e.ID, e.Detail, e.Duration.Round(time.Millisecond))
	case events.TaskFailedEvent:
		next := "exhausted"
		if e.Requeued {
			next = "will retry"
		}
		fmt.Fprintf(w, "%s %s attempt %d: %v (%s)\n", styleFail.Render("✗"), e.ID, e.Attempt, e.Err, next)
	}
}

func mprNote(applied bool) string {
	if applied {
		return ", minority protection rule"
	}
	return ""
}

func tierStyle(tier string) lipgloss.Style {
	switch tier {
	case "critical", "important":
		return styleFail
	case "moderate":
		return styleWarn
	}
	return styleOK
}

func outcomeStyle(outcome string) lipgloss.Style {
	if outcome == merge.OutcomeSuccess.String() {
		return styleOK
	}
	return styleFail
}

func stateStyle(state persistence.RunStatus) lipgloss.Style {
	switch state {
	case persistence.RunCompleted:
		return styleOK
	case persistence.RunRunning, persistence.RunInterrupted:
		return styleWarn
	}
	return styleFail
}

// summary is a one-line count of a result.
func summary(r *orchestrator.RunResult) string {
	return fmt.Sprintf("%d merged, %d failed, %d blocked", len(r.Merged), len(r.Failed), len(r.Blocked))
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(styleMuted).
		Headers(headers...)
}

func printResult(w io.Writer, r *orchestrator.RunResult) {
	fmt.Fprintf(w, "\n%s %s %s: %s\n", styleHeading.Render("run"), r.RunID, stateStyle(r.State).Render(string(r.State)), summary(r))
	if r.Err != "" {
		fmt.Fprintf(w, "%s %s\n", styleFail.Render("error:"), r.Err)
	}
	for _, id := range r.Failed {
		fmt.Fprintf(w, "  %s %s: %s\n", styleFail.Render("failed"), id, r.Errors[id])
	}
	for _, id := range r.Blocked {
		fmt.Fprintf(w, "  %s %s: %s\n", styleWarn.Render("blocked"), id, r.Errors[id])
	}

	if len(r.Scores) > 0 {
		t := newTable("TASK", "ATTEMPT", "SCORE", "TIER", "FINDINGS", "MPR", "UNAVAILABLE")
		for _, s := range r.Scores {
			t.Row(s.TaskID, fmt.Sprint(s.Attempt), fmt.Sprintf("%.2f", s.Score), s.Tier,
				fmt.Sprint(s.Findings), yesNo(s.MPR), strings.Join(s.Unavailable, ","))
		}
		fmt.Fprintln(w, t.Render())
	}
	if len(r.Audit) > 0 {
		printAudit(w, r.Audit)
	}
}

func printAudit(w io.Writer, entries []merge.AuditEntry) {
	t := newTable("TIME", "TASK", "OUTCOME", "TIER", "SCORE", "CHECKPOINT", "REVISION", "DETAIL")
	for _, e := range entries {
		t.Row(e.Timestamp.Local().Format(time.DateTime), e.TaskID, e.Outcome, e.Tier,
			fmt.Sprintf("%.2f", e.Score), short(e.Checkpoint), short(e.Revision), e.Detail)
	}
	fmt.Fprintln(w, t.Render())
}

func printStatus(w io.Writer, s *orchestrator.StatusReport) {
	p := s.Progress
	fmt.Fprintf(w, "%s %s %s: %d/%d finished (%d merged, %d running, %d failed, %d blocked)\n",
		styleHeading.Render("run"), s.RunID, stateStyle(s.State).Render(string(s.State)),
		p.Finished(), p.Total, p.Succeeded, p.Running, p.Failed, p.Blocked)

	t := newTable("TASK", "SIZE", "STATUS", "ATTEMPTS", "DEPENDS ON", "ERROR")
	for _, task := range s.Tasks {
		t.Row(task.ID, task.Complexity.String(), task.Status.String(), fmt.Sprint(task.Attempts),
			strings.Join(task.DependsOn, ","), task.Error)
	}
	fmt.Fprintln(w, t.Render())
}

func printRuns(w io.Writer, runs []persistence.Run) {
	t := newTable("RUN", "STATUS", "BRANCH", "CREATED", "UPDATED", "ERROR")
	for _, r := range runs {
		t.Row(r.ID, string(r.Status), r.BaseBranch,
			r.CreatedAt.Local().Format(time.DateTime), r.UpdatedAt.Local().Format(time.DateTime), r.Error)
	}
	fmt.Fprintln(w, t.Render())
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func short(rev string) string {
	if len(rev) > 10 {
		return rev[:10]
	}
	return rev
}
