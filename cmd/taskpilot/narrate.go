package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/martinemde/taskpilot/agentloop"
)

var styles = struct {
	prompt, muted, tool, ok, warn, err, title, label lipgloss.Style
	box                                              lipgloss.Style
}{
	prompt: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
	muted:  lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	tool:   lipgloss.NewStyle().Foreground(lipgloss.Color("14")),
	ok:     lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
	warn:   lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
	err:    lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	title:  lipgloss.NewStyle().Bold(true),
	label:  lipgloss.NewStyle().Bold(true).Width(14),
	box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("8")).
		Padding(0, 1),
}

const maxNarratedArgs = 120

// renderEvent returns one narration line for ev, or "" for events that are
// not shown.
func renderEvent(ev agentloop.RunEvent) string {
	str := func(key string) string {
		s, _ := ev.Data[key].(string)
		return s
	}
	switch ev.Kind {
	case agentloop.EventAnalyzeStart:
		return styles.muted.Render(fmt.Sprintf("thinking (step %v)", ev.Data["iteration"]))
	case agentloop.EventAssistantText:
		return strings.TrimSpace(str("text"))
	case agentloop.EventToolCallStart:
		return styles.tool.Render("→ "+str("tool_name")) + " " + styles.muted.Render(shorten(str("arguments"), maxNarratedArgs))
	case agentloop.EventToolCallEnd:
		status := str("status")
		line := fmt.Sprintf("  %s %s (%s)", str("tool_name"), status, str("duration"))
		if msg := str("message"); msg != "" {
			line += ": " + shorten(msg, maxNarratedArgs)
		}
		switch agentloop.ToolStatus(status) {
		case agentloop.StatusSuccess:
			return styles.ok.Render(line)
		case agentloop.StatusFailed:
			return styles.warn.Render(line)
		default:
			return styles.err.Render(line)
		}
	case agentloop.EventVerificationFailed:
		if ev.Data["shortfall"] == true {
			return styles.warn.Render("no file was changed; the report will not claim success")
		}
		return styles.warn.Render(fmt.Sprintf("no file was changed yet, asking again (%v/%v)", ev.Data["attempt"], ev.Data["cap"]))
	case agentloop.EventTurnLimit:
		return styles.warn.Render(fmt.Sprintf("step limit %v reached", ev.Data["ceiling"]))
	case agentloop.EventLoopDetection, agentloop.EventWarning:
		return styles.warn.Render("warning: " + str("message"))
	case agentloop.EventRetry:
		return styles.warn.Render(fmt.Sprintf("model call failed, retrying in %s: %s", str("delay"), str("error")))
	case agentloop.EventError:
		return styles.err.Render("error: " + str("error"))
	default:
		return ""
	}
}

// renderReport formats the final report as a bordered block.
func renderReport(r *agentloop.Report) string {
	status := string(r.Status)
	switch r.Status {
	case agentloop.ReportSuccess:
		status = styles.ok.Render(status)
	case agentloop.ReportPendingApproval:
		status = styles.warn.Render(status)
	default:
		status = styles.err.Render(status)
	}
	if r.Downgraded {
		status += styles.muted.Render(" (no file change was made)")
	}

	files := "none"
	if len(r.ChangedFiles) > 0 {
		files = strings.Join(r.ChangedFiles, "\n")
	}
	rows := []string{
		styles.title.Render("Report"),
		lipgloss.JoinHorizontal(lipgloss.Top, styles.label.Render("Status"), status),
		lipgloss.JoinHorizontal(lipgloss.Top, styles.label.Render("Summary"), r.Summary),
		lipgloss.JoinHorizontal(lipgloss.Top, styles.label.Render("Changed files"), files),
	}
	if r.TestResults != "" {
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top, styles.label.Render("Tests"), r.TestResults))
	}
	return styles.box.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func shorten(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
