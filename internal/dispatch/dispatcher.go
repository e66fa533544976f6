// Package dispatch maps logical units of work onto queue jobs and
// correlates asynchronous results back into completion signals for the
// scheduler. Exactly one completion signal is produced per submission.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/pipeline-orchestrator/internal/domain"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/jobproto"
)

// jobNamespace is a fixed UUID namespace for deriving deterministic job ids.
// The same (run, phase, project, step) coordinates always map to the same
// id, so a duplicate submission after a restart collapses into one job.
var jobNamespace = uuid.MustParse("b54f4a62-0f39-4fbd-8a33-1c7e1a2de9b1")

// Backoff bounds for result polling
const (
	initialPoll = 100 * time.Millisecond
	maxPoll     = 2 * time.Second
)

// Enqueuer submits messages to the durable queue
type Enqueuer interface {
	Enqueue(msg *jobproto.JobMessage) (bool, error)
}

// ResultReader reads job result records from the status store
type ResultReader interface {
	GetResult(jobID string) (*jobproto.JobResult, error)
}

// BlobReader fetches data-returning payloads by location
type BlobReader interface {
	Get(key string) ([]byte, error)
}

// Dispatcher submits jobs and awaits their correlated results
type Dispatcher struct {
	queue   Enqueuer
	results ResultReader
	blobs   BlobReader
	timeout func(jobType string) time.Duration
}

// New creates a dispatcher. timeout returns the per-job-type wait window.
func New(queue Enqueuer, results ResultReader, blobs BlobReader, timeout func(jobType string) time.Duration) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		results: results,
		blobs:   blobs,
		timeout: timeout,
	}
}

// JobID derives the deterministic idempotency key for one unit of work
func JobID(runID, phase, project, step string) string {
	key := strings.Join([]string{runID, phase, project, step}, "/")
	return uuid.NewSHA1(jobNamespace, []byte(key)).String()
}

// Submit enqueues a job. Duplicate submissions of the same job id are
// absorbed by the queue and do not create a second logical unit of work.
func (d *Dispatcher) Submit(msg *jobproto.JobMessage) error {
	inserted, err := d.queue.Enqueue(msg)
	if err != nil {
		return fmt.Errorf("submitting job %s: %w", msg.JobID, err)
	}
	if !inserted {
		log.Printf("[dispatch] job %s already queued, duplicate submission absorbed", msg.JobID)
	}
	return nil
}

// Await suspends cooperatively until a result matching the job id arrives,
// the per-job-type timeout elapses, or ctx is cancelled. Polling backs off
// exponentially between checks.
//
// A timeout produces a synthetic failure: the underlying job is not assumed
// dead, and a result that lands afterwards is dropped by the durable layer's
// terminal guard when the scheduler ignores it.
func (d *Dispatcher) Await(ctx context.Context, jobID, jobType string) domain.Outcome {
	window := d.timeout(jobType)
	deadline := time.NewTimer(window)
	defer deadline.Stop()

	delay := initialPoll
	for {
		result, err := d.results.GetResult(jobID)
		if err != nil {
			log.Printf("[dispatch] reading result for job %s: %v", jobID, err)
		} else if result != nil && result.Status.Terminal() {
			if result.Status == jobproto.ResultCompleted {
				return domain.Success()
			}
			return domain.Failure(result.ErrorMessage)
		}

		select {
		case <-ctx.Done():
			return domain.Cancelled()
		case <-deadline.C:
			// Logged distinctly from handler failures: this job never
			// finished, as opposed to finishing badly.
			log.Printf("[dispatch] job %s (%s) timed out after %v", jobID, jobType, window)
			return domain.Timeout(fmt.Sprintf("%s job timed out after %v", jobType, window))
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxPoll {
			delay = maxPoll
		}
	}
}

// AwaitPayload awaits a data-returning job and fetches its result payload
// from blob storage. Status-only jobs use Await instead.
func (d *Dispatcher) AwaitPayload(ctx context.Context, jobID, jobType string) (domain.Outcome, []byte) {
	outcome := d.Await(ctx, jobID, jobType)
	if !outcome.Succeeded() {
		return outcome, nil
	}

	result, err := d.results.GetResult(jobID)
	if err != nil {
		return domain.Failure(fmt.Sprintf("reading result record: %v", err)), nil
	}
	if result == nil || result.ResultLocation == "" {
		return domain.Failure(fmt.Sprintf("%s job %s completed without a result payload", jobType, jobID)), nil
	}

	data, err := d.blobs.Get(result.ResultLocation)
	if err != nil {
		return domain.Failure(fmt.Sprintf("fetching result payload: %v", err)), nil
	}
	return outcome, data
}

// Dispatch submits a status-only job and awaits its completion
func (d *Dispatcher) Dispatch(ctx context.Context, msg *jobproto.JobMessage) domain.Outcome {
	if err := d.Submit(msg); err != nil {
		return domain.Failure(err.Error())
	}
	return d.Await(ctx, msg.JobID, msg.JobType)
}

// DispatchPayload submits a data-returning job and awaits its payload
func (d *Dispatcher) DispatchPayload(ctx context.Context, msg *jobproto.JobMessage) (domain.Outcome, []byte) {
	if err := d.Submit(msg); err != nil {
		return domain.Failure(err.Error()), nil
	}
	return d.AwaitPayload(ctx, msg.JobID, msg.JobType)
}
