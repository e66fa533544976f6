package domain

// OutcomeStatus is the normalized terminal status of a unit of work
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeCancelled OutcomeStatus = "cancelled"
)

// Outcome is the single normalized result type every failure collapses into
// before it reaches the durable layer. Job-type-specific error structures
// never propagate past the dispatcher.
type Outcome struct {
	Status  OutcomeStatus
	Message string

	// TimedOut distinguishes "never finished" from "finished badly".
	// Timed-out work is surfaced as a failure but logged separately.
	TimedOut bool
}

// Succeeded reports whether the outcome is a success
func (o Outcome) Succeeded() bool { return o.Status == OutcomeSucceeded }

// Success returns a successful outcome
func Success() Outcome {
	return Outcome{Status: OutcomeSucceeded}
}

// Failure returns a failed outcome with a human-readable message
func Failure(msg string) Outcome {
	return Outcome{Status: OutcomeFailed, Message: msg}
}

// Timeout returns a failed outcome marked as a dispatcher-side timeout
func Timeout(msg string) Outcome {
	return Outcome{Status: OutcomeFailed, Message: msg, TimedOut: true}
}

// Cancelled returns a cancelled outcome
func Cancelled() Outcome {
	return Outcome{Status: OutcomeCancelled, Message: "cancelled"}
}

// TaskStatus maps the outcome to a task status
func (o Outcome) TaskStatus() TaskStatus {
	switch o.Status {
	case OutcomeSucceeded:
		return TaskSucceeded
	case OutcomeCancelled:
		return TaskCancelled
	default:
		return TaskFailed
	}
}

// StepStatus maps the outcome to a step status
func (o Outcome) StepStatus() StepStatus {
	switch o.Status {
	case OutcomeSucceeded:
		return StepSucceeded
	case OutcomeCancelled:
		return StepCancelled
	default:
		return StepFailed
	}
}
