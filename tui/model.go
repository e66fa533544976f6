// Package tui is the terminal dashboard: a live view of runs and, per run,
// its phase groups, tasks, and steps.
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/pipeline-orchestrator/internal/domain"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/runstore"
)

// Tab indices
const (
	tabRuns = iota
	tabDetail
	tabCount
)

// DataSource is the read surface the dashboard refreshes from
type DataSource interface {
	ListRuns(opts runstore.ListOptions) ([]*domain.Run, error)
	GetRunTree(runID string) (*runstore.RunTree, error)
	CountRuns() (runstore.StatusCounts, error)
}

// Model is the dashboard application model
type Model struct {
	source DataSource

	runs   []*domain.Run
	counts runstore.StatusCounts
	tree   *runstore.RunTree

	width       int
	height      int
	activeTab   int
	selectedRow int
	scroll      int
	loadErr     string

	lastRefresh time.Time
}

// NewModel creates the dashboard model
func NewModel(source DataSource) Model {
	return Model{source: source}
}

// Init starts the refresh loop
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refreshCmd(), tickCmd())
}

// TickMsg triggers a periodic refresh
type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// refreshMsg carries freshly loaded data
type refreshMsg struct {
	runs   []*domain.Run
	counts runstore.StatusCounts
	tree   *runstore.RunTree
	err    error
}

// refreshCmd loads the run list and, when a run is selected, its tree
func (m Model) refreshCmd() tea.Cmd {
	selected := m.selectedRunID()
	return func() tea.Msg {
		runs, err := m.source.ListRuns(runstore.ListOptions{Limit: 50})
		if err != nil {
			return refreshMsg{err: err}
		}
		counts, err := m.source.CountRuns()
		if err != nil {
			return refreshMsg{err: err}
		}

		msg := refreshMsg{runs: runs, counts: counts}
		if selected != "" {
			if tree, err := m.source.GetRunTree(selected); err == nil {
				msg.tree = tree
			}
		}
		return msg
	}
}

// selectedRunID returns the id of the highlighted run, if any
func (m Model) selectedRunID() string {
	if m.selectedRow >= 0 && m.selectedRow < len(m.runs) {
		return m.runs[m.selectedRow].ID
	}
	return ""
}
