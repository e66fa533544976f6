package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/pipeline-orchestrator/internal/domain"
)

var (
	headerStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255")).
		Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	tabActiveStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("244"))

	succeededStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	failedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("196"))

	runningStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("214"))

	dimmedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240"))

	selectedStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("237"))

	errorStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("196")).
		Bold(true)
)

// View renders the dashboard
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	header := fmt.Sprintf(" Pipeline Orchestrator │ Runs: %d │ Active: %d │ Succeeded: %d │ Failed: %d ",
		m.counts.Total, m.counts.Active, m.counts.Succeeded, m.counts.Failed)
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	if m.loadErr != "" {
		b.WriteString(errorStyle.Render("⚠ " + m.loadErr))
		b.WriteString("\n")
	}

	switch m.activeTab {
	case tabRuns:
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderRuns()))
	case tabDetail:
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderDetail()))
	}
	b.WriteString("\n")

	b.WriteString(dimmedStyle.Render(" j/k move · enter detail · tab switch · r refresh · q quit"))
	return b.String()
}

func (m Model) renderTabs() string {
	names := []string{"Runs", "Detail"}
	parts := make([]string, len(names))
	for i, name := range names {
		if i == m.activeTab {
			parts[i] = tabActiveStyle.Render(" " + name + " ")
		} else {
			parts[i] = tabInactiveStyle.Render(" " + name + " ")
		}
	}
	return strings.Join(parts, "│")
}

func (m Model) renderRuns() string {
	if len(m.runs) == 0 {
		return dimmedStyle.Render("No runs yet")
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("%-10s %-30s %-12s %-11s %s\n", "RUN", "REPO", "COMMIT", "STATUS", "AGE"))

	visible := m.visibleRows()
	for i, run := range m.runs {
		if i >= visible {
			b.WriteString(dimmedStyle.Render(fmt.Sprintf("… %d more", len(m.runs)-visible)))
			break
		}

		line := fmt.Sprintf("%-10s %-30s %-12s %-11s %s",
			truncate(run.ID, 10),
			truncate(run.Repo, 30),
			truncate(run.Commit, 12),
			statusStyle(string(run.Status)).Render(fmt.Sprintf("%-11s", run.Status)),
			humanize.Time(run.CreatedAt),
		)
		if i == m.selectedRow {
			line = selectedStyle.Render("▸ " + line)
		} else {
			line = "  " + line
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderDetail() string {
	if m.tree == nil {
		return dimmedStyle.Render("Select a run and press enter")
	}

	var lines []string
	run := m.tree.Run
	lines = append(lines, fmt.Sprintf("Run %s  %s@%s", run.ID, run.Repo, truncate(run.Commit, 12)))
	lines = append(lines, "Status: "+statusStyle(string(run.Status)).Render(string(run.Status)))
	if run.ErrorMessage != "" {
		lines = append(lines, failedStyle.Render("Error: "+run.ErrorMessage))
	}
	lines = append(lines, "")

	for _, group := range m.tree.Groups {
		lines = append(lines, fmt.Sprintf("Group %d", group.Rank))
		for _, tt := range group.Tasks {
			lines = append(lines, fmt.Sprintf("  %s/%s  %s",
				tt.Task.Phase, tt.Task.Project,
				statusStyle(string(tt.Task.Status)).Render(string(tt.Task.Status))))
			for _, st := range tt.Steps {
				marker := stepMarker(st.Status)
				lines = append(lines, fmt.Sprintf("    %s %-20s %s",
					marker, st.Name,
					statusStyle(string(st.Status)).Render(string(st.Status))))
			}
		}
		lines = append(lines, "")
	}

	// Clamp scroll to content
	visible := m.visibleRows()
	start := m.scroll
	if start > len(lines)-1 {
		start = len(lines) - 1
	}
	if start < 0 {
		start = 0
	}
	end := start + visible
	if end > len(lines) {
		end = len(lines)
	}
	return strings.Join(lines[start:end], "\n")
}

func (m Model) visibleRows() int {
	// Header, tabs, borders, and the key hint line take up the rest
	rows := m.height - 8
	if rows < 5 {
		rows = 5
	}
	return rows
}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case string(domain.RunSucceeded):
		return succeededStyle
	case string(domain.RunFailed):
		return failedStyle
	case string(domain.RunRunning), string(domain.RunDiscovering):
		return runningStyle
	default:
		return dimmedStyle
	}
}

func stepMarker(status domain.StepStatus) string {
	switch status {
	case domain.StepSucceeded:
		return succeededStyle.Render("✓")
	case domain.StepFailed:
		return failedStyle.Render("✗")
	case domain.StepRunning:
		return runningStyle.Render("●")
	case domain.StepCancelled:
		return dimmedStyle.Render("⊘")
	default:
		return dimmedStyle.Render("·")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
