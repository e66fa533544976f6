// Package runstore is the durable audit layer: the permanent, queryable
// record of runs, tasks, and steps. All externally visible status queries
// read this layer. Writes are append/update only, and an entity that has
// reached a terminal status is never mutated again.
package runstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/pipeline-orchestrator/internal/domain"
)

// ErrTerminal is returned when a write targets an entity that already
// reached a terminal status. Late results hit this and are dropped.
var ErrTerminal = errors.New("runstore: entity is already terminal")

// ErrNotFound is returned when the requested entity does not exist
var ErrNotFound = errors.New("runstore: not found")

var runTerminal = []interface{}{
	string(domain.RunSucceeded), string(domain.RunFailed), string(domain.RunCancelled),
}

// Store provides SQLite-backed persistence for the audit layer
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// modernc.org/sqlite allows one writer; a single pooled connection
	// also keeps :memory: databases coherent across goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run record
func (s *Store) CreateRun(run *domain.Run) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, repo, branch, commit_sha, status, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Repo, run.Branch, run.Commit, string(run.Status), run.ErrorMessage,
		run.CreatedAt, run.UpdatedAt)
	return err
}

// GetRun retrieves a run by id
func (s *Store) GetRun(id string) (*domain.Run, error) {
	row := s.db.QueryRow(`
		SELECT id, repo, branch, commit_sha, status, error_message, discovery,
		       started_at, finished_at, created_at, updated_at
		FROM runs WHERE id = ?
	`, id)
	return scanRun(row)
}

// ListOptions specifies filters for listing runs
type ListOptions struct {
	Repo   string
	Branch string
	Status domain.RunStatus
	Limit  int
}

// ListRuns returns runs matching the given options, newest first
func (s *Store) ListRuns(opts ListOptions) ([]*domain.Run, error) {
	query := `
		SELECT id, repo, branch, commit_sha, status, error_message, discovery,
		       started_at, finished_at, created_at, updated_at
		FROM runs WHERE 1=1`
	var args []interface{}

	if opts.Repo != "" {
		query += " AND repo = ?"
		args = append(args, opts.Repo)
	}
	if opts.Branch != "" {
		query += " AND branch = ?"
		args = append(args, opts.Branch)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpdateRunStatus moves a run to a new status. Writes against a run that is
// already terminal return ErrTerminal and leave the record untouched.
func (s *Store) UpdateRunStatus(id string, status domain.RunStatus, errMsg string) error {
	now := time.Now()

	query := `UPDATE runs SET status = ?, error_message = ?, updated_at = ?`
	args := []interface{}{string(status), errMsg, now}

	if status == domain.RunDiscovering {
		query += `, started_at = COALESCE(started_at, ?)`
		args = append(args, now)
	}
	if status.Terminal() {
		query += `, finished_at = ?`
		args = append(args, now)
	}

	query += ` WHERE id = ? AND status NOT IN (?, ?, ?)`
	args = append(args, id)
	args = append(args, runTerminal...)

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	return s.checkGuard(res, "runs", id)
}

// SetRunDiscovery caches the discovery output on the run. Written exactly
// once per run.
func (s *Store) SetRunDiscovery(id string, out *domain.DiscoveryOutput) error {
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encoding discovery output: %w", err)
	}
	res, err := s.db.Exec(`
		UPDATE runs SET discovery = ?, updated_at = ? WHERE id = ? AND status NOT IN (?, ?, ?)
	`, append([]interface{}{string(data), time.Now(), id}, runTerminal...)...)
	if err != nil {
		return err
	}
	return s.checkGuard(res, "runs", id)
}

// CreateTask inserts a task record. Creation is idempotent on the task id:
// a duplicate submission leaves exactly one record and reports created=false.
func (s *Store) CreateTask(task *domain.Task) (bool, error) {
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO tasks (id, run_id, project, phase, group_rank, status, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.RunID, task.Project, task.Phase, task.GroupRank,
		string(task.Status), task.ErrorMessage, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetTask retrieves a task by id
func (s *Store) GetTask(id string) (*domain.Task, error) {
	row := s.db.QueryRow(`
		SELECT id, run_id, project, phase, group_rank, status, error_message,
		       started_at, finished_at, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id)
	return scanTask(row)
}

// ListTasks returns all tasks of a run ordered by rank, then phase/project
func (s *Store) ListTasks(runID string) ([]*domain.Task, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, project, phase, group_rank, status, error_message,
		       started_at, finished_at, created_at, updated_at
		FROM tasks WHERE run_id = ?
		ORDER BY group_rank, phase, project
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// UpdateTaskStatus moves a task to a new status under the terminal guard
func (s *Store) UpdateTaskStatus(id string, status domain.TaskStatus, errMsg string) error {
	now := time.Now()

	query := `UPDATE tasks SET status = ?, error_message = ?, updated_at = ?`
	args := []interface{}{string(status), errMsg, now}

	if status == domain.TaskRunning {
		query += `, started_at = COALESCE(started_at, ?)`
		args = append(args, now)
	}
	if status.Terminal() {
		query += `, finished_at = ?`
		args = append(args, now)
	}

	query += ` WHERE id = ? AND status NOT IN (?, ?, ?)`
	args = append(args, id,
		string(domain.TaskSucceeded), string(domain.TaskFailed), string(domain.TaskCancelled))

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	return s.checkGuard(res, "tasks", id)
}

// CreateStep inserts a step record, idempotent on the step id. A zero
// status is stored as pending.
func (s *Store) CreateStep(step *domain.Step) (bool, error) {
	if step.Status == "" {
		step.Status = domain.StepPending
	}
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO steps (id, task_id, seq, name, command, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, step.ID, step.TaskID, step.Seq, step.Name, step.Command, string(step.Status))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListSteps returns the steps of a task in declaration order
func (s *Store) ListSteps(taskID string) ([]*domain.Step, error) {
	rows, err := s.db.Query(`
		SELECT id, task_id, seq, name, command, status, exit_code, log_ref, started_at, finished_at
		FROM steps WHERE task_id = ?
		ORDER BY seq
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*domain.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// UpdateStepStatus moves a step to a new status under the terminal guard
func (s *Store) UpdateStepStatus(id string, status domain.StepStatus, exitCode int, logRef string) error {
	now := time.Now()

	query := `UPDATE steps SET status = ?, exit_code = ?, log_ref = ?`
	args := []interface{}{string(status), exitCode, logRef}

	if status == domain.StepRunning {
		query += `, started_at = COALESCE(started_at, ?)`
		args = append(args, now)
	}
	if status.Terminal() {
		query += `, finished_at = ?`
		args = append(args, now)
	}

	query += ` WHERE id = ? AND status NOT IN (?, ?, ?)`
	args = append(args, id,
		string(domain.StepSucceeded), string(domain.StepFailed), string(domain.StepCancelled))

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	return s.checkGuard(res, "steps", id)
}

// StatusCounts summarizes runs by status
type StatusCounts struct {
	Total     int
	Pending   int
	Active    int
	Succeeded int
	Failed    int
	Cancelled int
}

// CountRuns returns aggregate run counts for the status API
func (s *Store) CountRuns() (StatusCounts, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return StatusCounts{}, err
	}
	defer rows.Close()

	var c StatusCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return StatusCounts{}, err
		}
		c.Total += n
		switch domain.RunStatus(status) {
		case domain.RunPending:
			c.Pending += n
		case domain.RunDiscovering, domain.RunRunning:
			c.Active += n
		case domain.RunSucceeded:
			c.Succeeded += n
		case domain.RunFailed:
			c.Failed += n
		case domain.RunCancelled:
			c.Cancelled += n
		}
	}
	return c, rows.Err()
}

// PruneRuns deletes terminal runs last updated before the cutoff, with
// their tasks and steps, and returns the ids of the deleted runs. In-flight
// runs are never pruned regardless of age.
func (s *Store) PruneRuns(before time.Time) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT id FROM runs
		WHERE status IN (?, ?, ?) AND updated_at < ?
	`, string(domain.RunSucceeded), string(domain.RunFailed), string(domain.RunCancelled), before)
	if err != nil {
		return nil, err
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, id := range ids {
		if _, err := s.db.Exec(`DELETE FROM steps WHERE task_id IN (SELECT id FROM tasks WHERE run_id = ?)`, id); err != nil {
			return nil, fmt.Errorf("pruning steps of run %s: %w", id, err)
		}
		if _, err := s.db.Exec(`DELETE FROM tasks WHERE run_id = ?`, id); err != nil {
			return nil, fmt.Errorf("pruning tasks of run %s: %w", id, err)
		}
		if _, err := s.db.Exec(`DELETE FROM runs WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("pruning run %s: %w", id, err)
		}
	}
	return ids, nil
}

// checkGuard distinguishes a missing entity from a terminal-guard rejection
func (s *Store) checkGuard(res sql.Result, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var exists int
	// table is a compile-time constant at every call site
	if err := s.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE id = ?`, table), id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, table, id)
	}
	return ErrTerminal
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scannable) (*domain.Run, error) {
	var run domain.Run
	var status string
	var errMsg, discovery sql.NullString
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(&run.ID, &run.Repo, &run.Branch, &run.Commit, &status, &errMsg,
		&discovery, &startedAt, &finishedAt, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	run.Status = domain.RunStatus(status)
	if errMsg.Valid {
		run.ErrorMessage = errMsg.String
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	if discovery.Valid && discovery.String != "" {
		var out domain.DiscoveryOutput
		if err := json.Unmarshal([]byte(discovery.String), &out); err != nil {
			return nil, fmt.Errorf("decoding discovery for run %s: %w", run.ID, err)
		}
		run.Discovery = &out
	}
	return &run, nil
}

func scanTask(row scannable) (*domain.Task, error) {
	var task domain.Task
	var status string
	var errMsg sql.NullString
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(&task.ID, &task.RunID, &task.Project, &task.Phase, &task.GroupRank,
		&status, &errMsg, &startedAt, &finishedAt, &task.CreatedAt, &task.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	task.Status = domain.TaskStatus(status)
	if errMsg.Valid {
		task.ErrorMessage = errMsg.String
	}
	if startedAt.Valid {
		task.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		task.FinishedAt = &finishedAt.Time
	}
	return &task, nil
}

func scanStep(row scannable) (*domain.Step, error) {
	var step domain.Step
	var status string
	var logRef sql.NullString
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(&step.ID, &step.TaskID, &step.Seq, &step.Name, &step.Command,
		&status, &step.ExitCode, &logRef, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	step.Status = domain.StepStatus(status)
	if logRef.Valid {
		step.LogRef = logRef.String
	}
	if startedAt.Valid {
		step.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		step.FinishedAt = &finishedAt.Time
	}
	return &step, nil
}
