// Package runstate is the volatile execution-state layer. It reflects only
// currently in-flight runs and is a derived view: if the process restarts,
// the tracker starts empty and owes nothing to completed work, whose record
// lives in the durable layer.
package runstate

import (
	"context"
	"sync"

	"github.com/hochfrequenz/pipeline-orchestrator/internal/domain"
)

// ActiveRun is the in-memory view of one in-flight run
type ActiveRun struct {
	Run        domain.Run
	ActiveRank int
	Tasks      map[string]domain.Task

	cancel context.CancelFunc
}

// Tracker holds all in-flight runs. The scheduler updates it optimistically
// as results arrive, before the matching durable write.
type Tracker struct {
	mu   sync.RWMutex
	runs map[string]*ActiveRun
}

// New creates an empty tracker
func New() *Tracker {
	return &Tracker{runs: make(map[string]*ActiveRun)}
}

// Add registers an in-flight run with its cancellation handle
func (t *Tracker) Add(run domain.Run, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs[run.ID] = &ActiveRun{
		Run:        run,
		ActiveRank: -1,
		Tasks:      make(map[string]domain.Task),
		cancel:     cancel,
	}
}

// Get returns a snapshot of one in-flight run
func (t *Tracker) Get(runID string) (ActiveRun, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ar, ok := t.runs[runID]
	if !ok {
		return ActiveRun{}, false
	}
	return snapshot(ar), true
}

// List returns snapshots of all in-flight runs
func (t *Tracker) List() []ActiveRun {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ActiveRun, 0, len(t.runs))
	for _, ar := range t.runs {
		out = append(out, snapshot(ar))
	}
	return out
}

// SetRunStatus updates the volatile run status
func (t *Tracker) SetRunStatus(runID string, status domain.RunStatus, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ar, ok := t.runs[runID]; ok {
		ar.Run.Status = status
		ar.Run.ErrorMessage = errMsg
	}
}

// SetDiscovery caches discovery output on the volatile run
func (t *Tracker) SetDiscovery(runID string, out *domain.DiscoveryOutput) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ar, ok := t.runs[runID]; ok {
		ar.Run.Discovery = out
	}
}

// SetActiveRank records the phase-group rank currently executing. At most
// one rank is active per run.
func (t *Tracker) SetActiveRank(runID string, rank int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ar, ok := t.runs[runID]; ok {
		ar.ActiveRank = rank
	}
}

// SetTask updates one task in the volatile view
func (t *Tracker) SetTask(runID string, task domain.Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ar, ok := t.runs[runID]; ok {
		ar.Tasks[task.ID] = task
	}
}

// Cancel invokes the run's cancellation handle, if it is still in flight
func (t *Tracker) Cancel(runID string) bool {
	t.mu.RLock()
	ar, ok := t.runs[runID]
	t.mu.RUnlock()
	if !ok || ar.cancel == nil {
		return false
	}
	ar.cancel()
	return true
}

// Remove drops a run from the volatile view once it reaches a terminal
// state. The durable layer keeps the record.
func (t *Tracker) Remove(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.runs, runID)
}

func snapshot(ar *ActiveRun) ActiveRun {
	out := ActiveRun{
		Run:        ar.Run,
		ActiveRank: ar.ActiveRank,
		Tasks:      make(map[string]domain.Task, len(ar.Tasks)),
	}
	for id, task := range ar.Tasks {
		out.Tasks[id] = task
	}
	return out
}
