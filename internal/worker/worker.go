// Package worker executes jobs pulled from one queue partition. A worker is
// bound to its partition at construction time; running a fleet means running
// one worker process (or several) per job type. Results are written durably
// before the message is acknowledged, so a crash at any point leads to
// redelivery rather than a lost job.
package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/hochfrequenz/pipeline-orchestrator/internal/jobproto"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/queue"
)

// Receiver is the queue surface a worker consumes
type Receiver interface {
	Receive(ctx context.Context, partition, workerID string) (*queue.Delivery, error)
	Ack(jobID string) error
}

// ResultStore records job results for dispatcher correlation
type ResultStore interface {
	PutResult(r *jobproto.JobResult) error
	GetResult(jobID string) (*jobproto.JobResult, error)
}

// BlobWriter stores handler output payloads
type BlobWriter interface {
	Put(key string, data []byte) error
}

// Options configure a worker
type Options struct {
	// ID identifies this worker in queue leases and logs
	ID string
	// Partition is the single job type this worker consumes
	Partition string
	// Slots is the number of jobs executed concurrently
	Slots int
	// Timeout bounds one handler execution; zero means no bound
	Timeout time.Duration
	// ResultTTL is attached to every written result
	ResultTTL time.Duration
}

// Worker pulls jobs from one partition and runs them through its registry
type Worker struct {
	opts     Options
	queue    Receiver
	results  ResultStore
	blobs    BlobWriter
	registry *Registry
	pool     *Pool
}

// New creates a worker bound to the partition named in opts
func New(opts Options, q Receiver, results ResultStore, blobs BlobWriter, registry *Registry) (*Worker, error) {
	if !jobproto.ValidType(opts.Partition) {
		return nil, fmt.Errorf("worker: invalid partition %q", opts.Partition)
	}
	if opts.ID == "" {
		return nil, fmt.Errorf("worker: id is required")
	}
	if opts.Slots <= 0 {
		opts.Slots = 1
	}
	return &Worker{
		opts:     opts,
		queue:    q,
		results:  results,
		blobs:    blobs,
		registry: registry,
		pool:     NewPool(opts.Slots),
	}, nil
}

// Run consumes the partition until ctx is cancelled. In-flight jobs finish
// before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	log.Printf("worker %s: consuming partition %s with %d slots", w.opts.ID, w.opts.Partition, w.opts.Slots)

	for {
		// Claim a slot before leasing a message so we never hold a lease
		// we cannot start working on.
		w.pool.Acquire()

		d, err := w.queue.Receive(ctx, w.opts.Partition, w.opts.ID)
		if err != nil {
			w.pool.Release()
			if ctx.Err() != nil {
				w.drain()
				return nil
			}
			return fmt.Errorf("receiving on %s: %w", w.opts.Partition, err)
		}

		go func(d *queue.Delivery) {
			defer w.pool.Release()
			w.process(ctx, d)
		}(d)
	}
}

// drain waits for all in-flight jobs to release their slot
func (w *Worker) drain() {
	for i := 0; i < w.opts.Slots; i++ {
		w.pool.Acquire()
	}
}

// process runs one delivery end to end: idempotency check, handler
// execution, durable result write, then acknowledgement. Any error before
// the result is written leaves the message unacked so the queue redelivers.
func (w *Worker) process(ctx context.Context, d *queue.Delivery) {
	job := d.Message

	existing, err := w.results.GetResult(job.JobID)
	if err != nil {
		log.Printf("worker %s: reading result for %s: %v", w.opts.ID, job.JobID, err)
		return
	}
	if existing != nil && existing.Status.Terminal() {
		// A previous attempt already finished this job. Redelivered copies
		// only need to be acknowledged.
		log.Printf("worker %s: job %s already %s, skipping", w.opts.ID, job.JobID, existing.Status)
		w.ack(job.JobID)
		return
	}

	if err := w.results.PutResult(&jobproto.JobResult{
		JobID:  job.JobID,
		Status: jobproto.ResultRunning,
		TTL:    w.opts.ResultTTL,
	}); err != nil {
		log.Printf("worker %s: marking %s running: %v", w.opts.ID, job.JobID, err)
		return
	}

	log.Printf("worker %s: executing %s job %s (attempt %d)", w.opts.ID, job.JobType, job.JobID, d.Attempt)

	result := &jobproto.JobResult{
		JobID:  job.JobID,
		Status: jobproto.ResultCompleted,
		TTL:    w.opts.ResultTTL,
	}

	out, execErr := w.execute(ctx, job)
	if execErr != nil {
		// Handler failures are final for this job: the dispatcher decides
		// what a failure means, not the queue's retry machinery.
		result.Status = jobproto.ResultFailed
		result.ErrorMessage = execErr.Error()
		log.Printf("worker %s: job %s failed: %v", w.opts.ID, job.JobID, execErr)
	} else if out != nil && out.OutputKey != "" {
		if err := w.blobs.Put(out.OutputKey, out.Output); err != nil {
			// Output could not be stored durably; leave the message unacked
			log.Printf("worker %s: storing output for %s: %v", w.opts.ID, job.JobID, err)
			return
		}
		result.ResultLocation = out.OutputKey
	}

	if err := w.results.PutResult(result); err != nil {
		log.Printf("worker %s: writing result for %s: %v", w.opts.ID, job.JobID, err)
		return
	}
	w.ack(job.JobID)
	log.Printf("worker %s: job %s %s", w.opts.ID, job.JobID, result.Status)
}

// execute dispatches to the registered handler under the execution timeout
func (w *Worker) execute(ctx context.Context, job jobproto.JobMessage) (*HandlerResult, error) {
	h, err := w.registry.Lookup(job.JobType)
	if err != nil {
		return nil, err
	}

	if w.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.Timeout)
		defer cancel()
	}
	return h.Execute(ctx, job)
}

func (w *Worker) ack(jobID string) {
	if err := w.queue.Ack(jobID); err != nil {
		log.Printf("worker %s: ack %s: %v", w.opts.ID, jobID, err)
	}
}
