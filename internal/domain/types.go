package domain

// RunStatus represents the lifecycle state of a run
type RunStatus string

const (
	RunPending     RunStatus = "pending"
	RunDiscovering RunStatus = "discovering"
	RunRunning     RunStatus = "running"
	RunSucceeded   RunStatus = "succeeded"
	RunFailed      RunStatus = "failed"
	RunCancelled   RunStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal statuses have no
// outgoing transitions.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// TaskStatus represents the execution state of a task
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskCancelled
}

// StepStatus represents the execution state of a single step
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepCancelled StepStatus = "cancelled"
)

// Terminal reports whether the status is final
func (s StepStatus) Terminal() bool {
	return s == StepSucceeded || s == StepFailed || s == StepCancelled
}
