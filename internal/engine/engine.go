// Package engine drives runs through their lifecycle: discovery, the
// ordered phase groups, and release evaluation. The engine owns the
// two-layer status write discipline: the volatile tracker is updated first,
// then the durable store, and execution never advances past a state that is
// not durably recorded.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/pipeline-orchestrator/internal/dispatch"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/domain"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/jobproto"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/runstate"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/runstore"
)

// releasePhase names the synthetic phase under which release work is
// recorded. It never appears in a phase group.
const releasePhase = "release"

// Dispatcher is the job submission surface the engine schedules through
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *jobproto.JobMessage) domain.Outcome
	DispatchPayload(ctx context.Context, msg *jobproto.JobMessage) (domain.Outcome, []byte)
}

// RunRequest describes one run submission
type RunRequest struct {
	Repo   string `json:"repo" yaml:"repo"`
	Branch string `json:"branch" yaml:"branch"`
	Commit string `json:"commit" yaml:"commit"`
}

// Validate checks that the request names a resolvable unit of source
func (r *RunRequest) Validate() error {
	if r.Repo == "" {
		return errors.New("run request: repo is required")
	}
	if r.Commit == "" {
		return errors.New("run request: commit is required")
	}
	return nil
}

// Options configure the engine
type Options struct {
	// MaxDiscoveryBytes bounds the serialized discovery output
	MaxDiscoveryBytes int64
}

// Engine schedules runs. One Execute goroutine exists per in-flight run;
// everything below it fans out through the dispatcher.
type Engine struct {
	dispatcher Dispatcher
	store      *runstore.Store
	tracker    *runstate.Tracker
	opts       Options
	notify     func(run domain.Run)
}

// New creates an engine
func New(dispatcher Dispatcher, store *runstore.Store, tracker *runstate.Tracker, opts Options) *Engine {
	return &Engine{dispatcher: dispatcher, store: store, tracker: tracker, opts: opts}
}

// SetNotifier registers a callback invoked after every recorded run status
// transition. Must be called before runs are submitted.
func (e *Engine) SetNotifier(fn func(run domain.Run)) {
	e.notify = fn
}

func (e *Engine) notifyRun(run domain.Run) {
	if e.notify != nil {
		e.notify(run)
	}
}

// Submit creates a run and starts executing it in the background. Each
// submission is an independent run; submitting the same commit twice
// creates two runs.
func (e *Engine) Submit(req RunRequest) (*domain.Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	run := &domain.Run{
		ID:        uuid.New().String(),
		Repo:      req.Repo,
		Branch:    req.Branch,
		Commit:    req.Commit,
		Status:    domain.RunPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateRun(run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.tracker.Add(*run, cancel)
	e.notifyRun(*run)

	go func() {
		defer cancel()
		e.Execute(ctx, run)
	}()

	log.Printf("[engine] run %s submitted for %s@%s", run.ID, run.Repo, shortCommit(run.Commit))
	return run, nil
}

// Recover re-drives runs a previous process left non-terminal. Replay is
// safe: job ids are deterministic, task and step creation is idempotent,
// and already recorded results resolve immediately on re-dispatch.
func (e *Engine) Recover() (int, error) {
	resumed := 0
	for _, status := range []domain.RunStatus{domain.RunPending, domain.RunDiscovering, domain.RunRunning} {
		runs, err := e.store.ListRuns(runstore.ListOptions{Status: status})
		if err != nil {
			return resumed, fmt.Errorf("listing %s runs: %w", status, err)
		}
		for _, run := range runs {
			run := run
			ctx, cancel := context.WithCancel(context.Background())
			e.tracker.Add(*run, cancel)
			go func() {
				defer cancel()
				e.Execute(ctx, run)
			}()
			log.Printf("[engine] run %s recovered from %s", run.ID, status)
			resumed++
		}
	}
	return resumed, nil
}

// Cancel requests cancellation of an in-flight run. Terminal runs are not
// cancellable.
func (e *Engine) Cancel(runID string) bool {
	return e.tracker.Cancel(runID)
}

// Execute drives one run to a terminal state. It returns after the terminal
// status is durably recorded and the run left the volatile tracker.
func (e *Engine) Execute(ctx context.Context, run *domain.Run) {
	discovery, err := e.discover(ctx, run)
	if err != nil {
		e.finish(run, failureStatus(ctx), err.Error())
		return
	}
	run.Discovery = discovery

	if err := e.transition(run, domain.RunRunning, ""); err != nil {
		e.finish(run, domain.RunFailed, err.Error())
		return
	}

	for _, group := range discovery.SortedGroups() {
		if ctx.Err() != nil {
			e.finish(run, domain.RunCancelled, "cancelled")
			return
		}

		e.tracker.SetActiveRank(run.ID, group.Rank)
		log.Printf("[engine] run %s: executing phase group %d %v", run.ID, group.Rank, group.Phases)

		if err := e.runGroup(ctx, run, group); err != nil {
			// Fail fast: no later group starts once one task failed
			e.finish(run, failureStatus(ctx), err.Error())
			return
		}
	}

	if err := e.evaluateReleases(ctx, run); err != nil {
		e.finish(run, failureStatus(ctx), err.Error())
		return
	}

	e.finish(run, domain.RunSucceeded, "")
}

// discover dispatches the discovery job and validates its output
func (e *Engine) discover(ctx context.Context, run *domain.Run) (*domain.DiscoveryOutput, error) {
	if err := e.transition(run, domain.RunDiscovering, ""); err != nil {
		return nil, err
	}

	msg := &jobproto.JobMessage{
		JobID:   dispatch.JobID(run.ID, "discovery", "", ""),
		JobType: jobproto.TypeDiscovery,
		RunID:   run.ID,
	}
	msg.ReplyCorrelationID = msg.JobID
	if err := msg.MarshalPayload(jobproto.DiscoveryPayload{
		Repo:           run.Repo,
		Branch:         run.Branch,
		Commit:         run.Commit,
		MaxOutputBytes: e.opts.MaxDiscoveryBytes,
	}); err != nil {
		return nil, err
	}

	outcome, payload := e.dispatcher.DispatchPayload(ctx, msg)
	if !outcome.Succeeded() {
		return nil, fmt.Errorf("discovery: %s", outcome.Message)
	}

	var out domain.DiscoveryOutput
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("discovery: decoding output: %w", err)
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}

	e.tracker.SetDiscovery(run.ID, &out)
	if err := e.store.SetRunDiscovery(run.ID, &out); err != nil {
		return nil, fmt.Errorf("recording discovery output: %w", err)
	}
	return &out, nil
}

// runGroup executes every (phase, project) task of one phase group in
// parallel. The first task failure cancels the group's context, which
// cascades into sibling tasks as cancellation.
func (e *Engine) runGroup(ctx context.Context, run *domain.Run, group domain.PhaseGroup) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, phase := range group.Phases {
		for _, proj := range run.Discovery.ProjectsForPhase(phase) {
			phase, proj := phase, proj
			g.Go(func() error {
				return e.runTask(gctx, run, group.Rank, phase, proj)
			})
		}
	}
	return g.Wait()
}

// runTask executes one project's steps for one phase, strictly in order
func (e *Engine) runTask(ctx context.Context, run *domain.Run, rank int, phase string, proj domain.Project) error {
	now := time.Now()
	task := domain.Task{
		ID:        domain.TaskKey(run.ID, phase, proj.Name),
		RunID:     run.ID,
		Project:   proj.Name,
		Phase:     phase,
		GroupRank: rank,
		Status:    domain.TaskRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.beginTask(&task); err != nil {
		return err
	}

	steps := proj.Phases[phase]
	var failure error
	cancelled := false
	for i, spec := range steps {
		step := domain.Step{
			ID:      domain.StepKey(task.ID, spec.Name),
			TaskID:  task.ID,
			Seq:     i,
			Name:    spec.Name,
			Command: spec.Command,
			Status:  domain.StepPending,
		}
		if _, err := e.store.CreateStep(&step); err != nil {
			failure = fmt.Errorf("creating step %s: %w", step.ID, err)
			break
		}

		if failure == nil && !cancelled && ctx.Err() == nil {
			outcome := e.runStep(ctx, run, phase, proj, spec)
			e.recordStep(run.ID, step.ID, outcome.StepStatus(), stepExitCode(outcome),
				logRef(run.ID, phase, proj.Name, spec.Name))
			switch {
			case outcome.Succeeded():
			case outcome.Status == domain.OutcomeCancelled:
				cancelled = true
			default:
				failure = fmt.Errorf("step %s/%s/%s: %s", phase, proj.Name, spec.Name, outcome.Message)
			}
			continue
		}

		// An earlier step failed or the group was cancelled: remaining
		// steps are recorded as cancelled, never silently dropped.
		e.recordStep(run.ID, step.ID, domain.StepCancelled, 0, "")
	}

	status := domain.TaskSucceeded
	errMsg := ""
	switch {
	case failure != nil:
		status = domain.TaskFailed
		errMsg = failure.Error()
	case cancelled || ctx.Err() != nil:
		status = domain.TaskCancelled
		errMsg = "cancelled"
		failure = context.Canceled
	}
	e.finishTask(run.ID, task, status, errMsg)
	return failure
}

// runStep dispatches one step job and awaits its outcome
func (e *Engine) runStep(ctx context.Context, run *domain.Run, phase string, proj domain.Project, spec domain.StepSpec) domain.Outcome {
	msg := &jobproto.JobMessage{
		JobID:   dispatch.JobID(run.ID, phase, proj.Name, spec.Name),
		JobType: jobproto.TypeStep,
		RunID:   run.ID,
		Phase:   phase,
		Project: proj.Name,
		Step:    spec.Name,
	}
	msg.ReplyCorrelationID = msg.JobID
	if err := msg.MarshalPayload(jobproto.StepPayload{
		Repo:    run.Repo,
		Commit:  run.Commit,
		Dir:     proj.Dir,
		Command: spec.Command,
	}); err != nil {
		return domain.Failure(err.Error())
	}
	return e.dispatcher.Dispatch(ctx, msg)
}

// beginTask records a task as running in both layers. Creation is
// idempotent so a resubmitted run reuses the existing record.
func (e *Engine) beginTask(task *domain.Task) error {
	created, err := e.store.CreateTask(task)
	if err != nil {
		return fmt.Errorf("creating task %s: %w", task.ID, err)
	}
	if !created {
		log.Printf("[engine] task %s already exists, resuming", task.ID)
	}

	e.tracker.SetTask(task.RunID, *task)
	if err := e.store.UpdateTaskStatus(task.ID, domain.TaskRunning, ""); err != nil && !errors.Is(err, runstore.ErrTerminal) {
		return fmt.Errorf("starting task %s: %w", task.ID, err)
	}
	return nil
}

// finishTask records the terminal task status, volatile first
func (e *Engine) finishTask(runID string, task domain.Task, status domain.TaskStatus, errMsg string) {
	task.Status = status
	task.ErrorMessage = errMsg
	e.tracker.SetTask(runID, task)

	if err := e.store.UpdateTaskStatus(task.ID, status, errMsg); err != nil {
		if errors.Is(err, runstore.ErrTerminal) {
			// A competing attempt already finished this task; its record wins
			log.Printf("[engine] task %s already terminal, dropping %s", task.ID, status)
			return
		}
		log.Printf("[engine] recording task %s status: %v", task.ID, err)
	}
}

// recordStep writes a step status transition to the durable layer
func (e *Engine) recordStep(runID, stepID string, status domain.StepStatus, exitCode int, ref string) {
	if err := e.store.UpdateStepStatus(stepID, status, exitCode, ref); err != nil {
		if errors.Is(err, runstore.ErrTerminal) {
			log.Printf("[engine] step %s already terminal, dropping %s", stepID, status)
			return
		}
		log.Printf("[engine] recording step %s status: %v", stepID, err)
	}
}

// transition moves the run to a non-terminal status, volatile layer first
func (e *Engine) transition(run *domain.Run, status domain.RunStatus, errMsg string) error {
	run.Status = status
	run.ErrorMessage = errMsg
	e.tracker.SetRunStatus(run.ID, status, errMsg)
	if err := e.store.UpdateRunStatus(run.ID, status, errMsg); err != nil {
		return fmt.Errorf("transition to %s: %w", status, err)
	}
	e.notifyRun(*run)
	return nil
}

// finish records the terminal run status and drops the run from the
// volatile tracker. The durable record is the only remaining trace.
func (e *Engine) finish(run *domain.Run, status domain.RunStatus, errMsg string) {
	run.Status = status
	run.ErrorMessage = errMsg
	e.tracker.SetRunStatus(run.ID, status, errMsg)

	if err := e.store.UpdateRunStatus(run.ID, status, errMsg); err != nil && !errors.Is(err, runstore.ErrTerminal) {
		log.Printf("[engine] recording run %s terminal status: %v", run.ID, err)
	}
	e.notifyRun(*run)
	e.tracker.Remove(run.ID)
	log.Printf("[engine] run %s finished: %s", run.ID, status)
}

// failureStatus maps a failed unit to the run-level status, distinguishing
// a cancelled context from a genuine failure.
func failureStatus(ctx context.Context) domain.RunStatus {
	if ctx.Err() != nil {
		return domain.RunCancelled
	}
	return domain.RunFailed
}

func stepExitCode(o domain.Outcome) int {
	if o.Succeeded() {
		return 0
	}
	return 1
}

func logRef(runID, phase, project, step string) string {
	return fmt.Sprintf("%s/logs/%s/%s/%s", runID, phase, project, step)
}

func shortCommit(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}
