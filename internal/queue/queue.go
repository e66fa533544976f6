// Package queue provides the durable at-least-once delivery channel between
// the dispatcher and the worker pool. Messages are partitioned by job type;
// a message's visibility timeout is the only mutual-exclusion mechanism:
// exactly one worker holds a message at a time, and ownership is reassigned
// automatically when the lease expires.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/pipeline-orchestrator/internal/jobproto"
)

// Message status values. Ready messages are deliverable once their lease (if
// any) has expired; dead messages exhausted the retry budget.
const (
	statusReady = "ready"
	statusDead  = "dead"
)

// ErrUnknownJob is returned when acknowledging a message that is not in the
// queue (already acknowledged by a competing attempt).
var ErrUnknownJob = errors.New("queue: unknown job id")

// Options configure delivery behavior
type Options struct {
	// Visibility returns the redelivery window for a partition
	Visibility func(partition string) time.Duration
	// MaxAttempts is the retry budget before a message is dead-lettered
	MaxAttempts int
	// PollInterval is how often an empty Receive re-checks the partition
	PollInterval time.Duration
}

func (o *Options) withDefaults() {
	if o.Visibility == nil {
		o.Visibility = func(string) time.Duration { return 5 * time.Minute }
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
}

// Queue is a SQLite-backed partitioned message queue
type Queue struct {
	db   *sql.DB
	opts Options
	now  func() time.Time
}

// Delivery is one leased message. The lease lasts until the partition's
// visibility window elapses; the message must be acknowledged before then.
type Delivery struct {
	Message jobproto.JobMessage
	Attempt int
}

// New opens (and migrates) a queue at the given database path
func New(dbPath string, opts Options) (*Queue, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// modernc.org/sqlite allows one writer; a single pooled connection
	// also keeps :memory: databases coherent across goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running queue migrations: %w", err)
	}

	opts.withDefaults()
	return &Queue{db: db, opts: opts, now: time.Now}, nil
}

// Close closes the database connection
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue adds a message to its partition. Enqueue is idempotent on job id:
// submitting the same message twice leaves exactly one queued copy, and the
// second call reports inserted=false.
func (q *Queue) Enqueue(msg *jobproto.JobMessage) (bool, error) {
	if !jobproto.ValidType(msg.JobType) {
		return false, fmt.Errorf("enqueue: invalid job type %q", msg.JobType)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("encoding job %s: %w", msg.JobID, err)
	}

	res, err := q.db.Exec(`
		INSERT OR IGNORE INTO queue_messages (job_id, partition, body, status, enqueued_at)
		VALUES (?, ?, ?, ?, ?)
	`, msg.JobID, msg.JobType, string(body), statusReady, q.now().UnixMilli())
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Receive blocks until a message is available on the partition or ctx is
// done. Receiving leases the message for the partition's visibility window
// and increments its attempt counter. Messages past the retry budget are
// moved to the dead-letter status instead of being delivered.
func (q *Queue) Receive(ctx context.Context, partition, workerID string) (*Delivery, error) {
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		d, err := q.tryReceive(partition, workerID)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// tryReceive leases the oldest deliverable message, or returns nil when the
// partition is empty.
func (q *Queue) tryReceive(partition, workerID string) (*Delivery, error) {
	for {
		tx, err := q.db.Begin()
		if err != nil {
			return nil, err
		}

		now := q.now().UnixMilli()
		var jobID, body string
		var attempts int
		err = tx.QueryRow(`
			SELECT job_id, body, attempts FROM queue_messages
			WHERE partition = ? AND status = ?
			  AND (locked_until IS NULL OR locked_until <= ?)
			ORDER BY enqueued_at
			LIMIT 1
		`, partition, statusReady, now).Scan(&jobID, &body, &attempts)
		if err == sql.ErrNoRows {
			tx.Rollback()
			return nil, nil
		}
		if err != nil {
			tx.Rollback()
			return nil, err
		}

		if attempts >= q.opts.MaxAttempts {
			// Retry budget exhausted: dead-letter and look for the next one
			if _, err := tx.Exec(`
				UPDATE queue_messages SET status = ?, dead_lettered_at = ? WHERE job_id = ?
			`, statusDead, now, jobID); err != nil {
				tx.Rollback()
				return nil, err
			}
			if err := tx.Commit(); err != nil {
				return nil, err
			}
			continue
		}

		lockedUntil := q.now().Add(q.opts.Visibility(partition)).UnixMilli()
		if _, err := tx.Exec(`
			UPDATE queue_messages SET attempts = attempts + 1, locked_by = ?, locked_until = ?
			WHERE job_id = ?
		`, workerID, lockedUntil, jobID); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}

		var msg jobproto.JobMessage
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			return nil, fmt.Errorf("decoding job %s: %w", jobID, err)
		}
		return &Delivery{Message: msg, Attempt: attempts + 1}, nil
	}
}

// Ack deletes a message after its result has been durably recorded. Acking
// last is what makes delivery at-least-once: a crash between execution and
// Ack leaves the message visible for redelivery.
func (q *Queue) Ack(jobID string) error {
	res, err := q.db.Exec(`DELETE FROM queue_messages WHERE job_id = ?`, jobID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUnknownJob
	}
	return nil
}

// Len returns the number of queued (non-dead) messages on a partition
func (q *Queue) Len(partition string) (int, error) {
	var n int
	err := q.db.QueryRow(`
		SELECT COUNT(*) FROM queue_messages WHERE partition = ? AND status = ?
	`, partition, statusReady).Scan(&n)
	return n, err
}

// DeadLetter describes one message that exhausted its retry budget
type DeadLetter struct {
	JobID          string
	Partition      string
	Attempts       int
	DeadLetteredAt time.Time
}

// DeadLetters lists dead-lettered messages, newest first
func (q *Queue) DeadLetters(partition string) ([]DeadLetter, error) {
	rows, err := q.db.Query(`
		SELECT job_id, partition, attempts, dead_lettered_at FROM queue_messages
		WHERE partition = ? AND status = ?
		ORDER BY dead_lettered_at DESC
	`, partition, statusDead)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		var at int64
		if err := rows.Scan(&dl.JobID, &dl.Partition, &dl.Attempts, &at); err != nil {
			return nil, err
		}
		dl.DeadLetteredAt = time.UnixMilli(at)
		out = append(out, dl)
	}
	return out, rows.Err()
}
