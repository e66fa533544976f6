package runstore

import (
	"sort"

	"github.com/hochfrequenz/pipeline-orchestrator/internal/domain"
)

// RunTree is the nested view of one run consumed by status queries
type RunTree struct {
	Run    *domain.Run
	Groups []*GroupTree
}

// GroupTree is one phase-group rank with its tasks
type GroupTree struct {
	Rank  int
	Tasks []*TaskTree
}

// TaskTree is one task with its ordered steps
type TaskTree struct {
	Task  *domain.Task
	Steps []*domain.Step
}

// GetRunTree assembles the run with its nested group/task/step records
func (s *Store) GetRunTree(runID string) (*RunTree, error) {
	run, err := s.GetRun(runID)
	if err != nil {
		return nil, err
	}

	tasks, err := s.ListTasks(runID)
	if err != nil {
		return nil, err
	}

	byRank := make(map[int]*GroupTree)
	for _, task := range tasks {
		group, ok := byRank[task.GroupRank]
		if !ok {
			group = &GroupTree{Rank: task.GroupRank}
			byRank[task.GroupRank] = group
		}

		steps, err := s.ListSteps(task.ID)
		if err != nil {
			return nil, err
		}
		group.Tasks = append(group.Tasks, &TaskTree{Task: task, Steps: steps})
	}

	tree := &RunTree{Run: run}
	for _, group := range byRank {
		tree.Groups = append(tree.Groups, group)
	}
	sort.Slice(tree.Groups, func(i, j int) bool {
		return tree.Groups[i].Rank < tree.Groups[j].Rank
	})
	return tree, nil
}
