package domain

import (
	"fmt"
	"time"
)

// Task is the unit of work for one project within one phase.
// Many tasks belong to one phase-group execution.
type Task struct {
	ID           string
	RunID        string
	Project      string
	Phase        string
	GroupRank    int
	Status       TaskStatus
	ErrorMessage string
	StartedAt    *time.Time
	FinishedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TaskKey returns the canonical identity of a task within a run.
// Tasks are keyed deterministically so a duplicate submission maps to the
// same record.
func TaskKey(runID, phase, project string) string {
	return fmt.Sprintf("%s/%s/%s", runID, phase, project)
}

// Step is an individual executable action within a task, e.g. one build
// target. A task owns an ordered sequence of steps.
type Step struct {
	ID         string
	TaskID     string
	Seq        int
	Name       string
	Command    string
	Status     StepStatus
	ExitCode   int
	LogRef     string
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// StepKey returns the canonical identity of a step within a task
func StepKey(taskID, name string) string {
	return fmt.Sprintf("%s/%s", taskID, name)
}

// AggregateTaskStatus derives a task's status from its steps: succeeded iff
// every step succeeded, failed if any step failed, cancelled if any step was
// cancelled and none failed.
func AggregateTaskStatus(steps []*Step) TaskStatus {
	if len(steps) == 0 {
		return TaskSucceeded
	}
	status := TaskSucceeded
	for _, st := range steps {
		switch st.Status {
		case StepFailed:
			return TaskFailed
		case StepCancelled:
			status = TaskCancelled
		case StepSucceeded:
			// keep accumulating
		default:
			// a non-terminal step means the task is still running
			return TaskRunning
		}
	}
	return status
}
