package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.refreshCmd()
		case "j", "down":
			if m.activeTab == tabRuns && m.selectedRow < len(m.runs)-1 {
				m.selectedRow++
			}
			if m.activeTab == tabDetail {
				m.scroll++
			}
		case "k", "up":
			if m.activeTab == tabRuns && m.selectedRow > 0 {
				m.selectedRow--
			}
			if m.activeTab == tabDetail && m.scroll > 0 {
				m.scroll--
			}
		case "tab":
			m.activeTab = (m.activeTab + 1) % tabCount
			m.scroll = 0
		case "enter":
			if m.activeTab == tabRuns && m.selectedRunID() != "" {
				m.activeTab = tabDetail
				m.scroll = 0
				return m, m.refreshCmd()
			}
		case "esc":
			if m.activeTab == tabDetail {
				m.activeTab = tabRuns
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, tea.Batch(m.refreshCmd(), tickCmd())

	case refreshMsg:
		if msg.err != nil {
			m.loadErr = msg.err.Error()
			return m, nil
		}
		m.loadErr = ""
		m.runs = msg.runs
		m.counts = msg.counts
		if msg.tree != nil {
			m.tree = msg.tree
		}
		if m.selectedRow >= len(m.runs) {
			m.selectedRow = len(m.runs) - 1
		}
		if m.selectedRow < 0 {
			m.selectedRow = 0
		}
		m.lastRefresh = time.Now()
	}

	return m, nil
}
