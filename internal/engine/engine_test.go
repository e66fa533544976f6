package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/pipeline-orchestrator/internal/domain"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/jobproto"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/runstate"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/runstore"
)

// fakeDispatcher resolves jobs synchronously from a scripted table and
// records the order in which job types were dispatched.
type fakeDispatcher struct {
	mu         sync.Mutex
	dispatched []jobproto.JobMessage

	// discovery is returned as the discovery job's payload
	discovery *domain.DiscoveryOutput
	// failSteps maps "phase/project/step" to a failure message
	failSteps map[string]string
	// failArtifacts maps "project/artifact" to a failure message
	failArtifacts map[string]string
	// blockSteps makes matching steps wait for ctx cancellation
	blockSteps map[string]bool
	// holdSteps delays matching steps until the channel is closed
	holdSteps map[string]chan struct{}
}

func newFakeDispatcher(discovery *domain.DiscoveryOutput) *fakeDispatcher {
	return &fakeDispatcher{
		discovery:     discovery,
		failSteps:     make(map[string]string),
		failArtifacts: make(map[string]string),
		blockSteps:    make(map[string]bool),
		holdSteps:     make(map[string]chan struct{}),
	}
}

func (f *fakeDispatcher) record(msg *jobproto.JobMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, *msg)
}

func (f *fakeDispatcher) jobsOfType(jobType string) []jobproto.JobMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []jobproto.JobMessage
	for _, m := range f.dispatched {
		if m.JobType == jobType {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, msg *jobproto.JobMessage) domain.Outcome {
	f.record(msg)
	key := strings.Join([]string{msg.Phase, msg.Project, msg.Step}, "/")

	if f.blockSteps[key] {
		<-ctx.Done()
		return domain.Cancelled()
	}
	if ch, ok := f.holdSteps[key]; ok {
		<-ch
	}
	if ctx.Err() != nil {
		return domain.Cancelled()
	}
	if msg, ok := f.failSteps[key]; ok {
		return domain.Failure(msg)
	}
	return domain.Success()
}

func (f *fakeDispatcher) DispatchPayload(ctx context.Context, msg *jobproto.JobMessage) (domain.Outcome, []byte) {
	f.record(msg)
	if ctx.Err() != nil {
		return domain.Cancelled(), nil
	}

	switch msg.JobType {
	case jobproto.TypeDiscovery:
		if f.discovery == nil {
			return domain.Failure("discovery parse_failure: no manifest"), nil
		}
		data, _ := json.Marshal(f.discovery)
		return domain.Success(), data
	case jobproto.TypeArtifact:
		if reason, ok := f.failArtifacts[msg.Project+"/"+msg.Step]; ok {
			return domain.Failure(reason), nil
		}
		data, _ := json.Marshal(jobproto.ArtifactResult{
			Name: msg.Step, Digest: "sha256:ab", Location: "loc/" + msg.Step, SizeBytes: 1,
		})
		return domain.Success(), data
	}
	return domain.Failure("unexpected payload job type " + msg.JobType), nil
}

func testDiscovery() *domain.DiscoveryOutput {
	return &domain.DiscoveryOutput{
		Groups: []domain.PhaseGroup{
			{Rank: 0, Phases: []string{"build"}},
			{Rank: 1, Phases: []string{"test", "lint"}},
		},
		Projects: []domain.Project{
			{
				Name: "api",
				Dir:  "services/api",
				Phases: map[string][]domain.StepSpec{
					"build": {{Name: "compile", Command: "make build"}},
					"test":  {{Name: "unit", Command: "make test"}},
				},
				Release: &domain.ReleaseSpec{
					Triggered: true,
					Target:    "production",
					Artifacts: []domain.ArtifactSpec{
						{Name: "api.tar", Command: "make dist"},
						{Name: "api.sbom", Command: "make sbom"},
					},
				},
			},
			{
				Name: "lib",
				Dir:  "lib",
				Phases: map[string][]domain.StepSpec{
					"build": {{Name: "compile", Command: "make"}},
					"lint":  {{Name: "vet", Command: "make vet"}},
				},
			},
		},
	}
}

func newTestEngine(t *testing.T, d Dispatcher) (*Engine, *runstore.Store, *runstate.Tracker) {
	t.Helper()
	store, err := runstore.New(":memory:")
	if err != nil {
		t.Fatalf("runstore.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	tracker := runstate.New()
	return New(d, store, tracker, Options{}), store, tracker
}

func createRun(t *testing.T, store *runstore.Store, tracker *runstate.Tracker, cancel context.CancelFunc) *domain.Run {
	t.Helper()
	run := &domain.Run{
		ID:     "run-1",
		Repo:   "https://example.test/repo.git",
		Branch: "main",
		Commit: "0123456789abcdef0123456789abcdef01234567",
		Status: domain.RunPending,
	}
	if err := store.CreateRun(run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	tracker.Add(*run, cancel)
	return run
}

func TestExecuteHappyPathReachesSucceeded(t *testing.T) {
	d := newFakeDispatcher(testDiscovery())
	e, store, tracker := newTestEngine(t, d)
	run := createRun(t, store, tracker, func() {})

	e.Execute(context.Background(), run)

	got, err := store.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != domain.RunSucceeded {
		t.Fatalf("run status = %s (%s), want succeeded", got.Status, got.ErrorMessage)
	}
	if got.Discovery == nil || len(got.Discovery.Projects) != 2 {
		t.Error("discovery output not recorded on the run")
	}
	if _, ok := tracker.Get(run.ID); ok {
		t.Error("terminal run still in the volatile tracker")
	}

	tasks, err := store.ListTasks(run.ID)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	// build: api+lib, test: api, lint: lib, release: api
	if len(tasks) != 5 {
		t.Fatalf("got %d tasks, want 5", len(tasks))
	}
	for _, task := range tasks {
		if task.Status != domain.TaskSucceeded {
			t.Errorf("task %s = %s, want succeeded", task.ID, task.Status)
		}
	}
}

func TestExecuteGroupsRunStrictlyInRankOrder(t *testing.T) {
	d := newFakeDispatcher(testDiscovery())
	e, store, tracker := newTestEngine(t, d)
	run := createRun(t, store, tracker, func() {})

	e.Execute(context.Background(), run)

	// Every rank-0 step job must be dispatched before any rank-1 step job
	var phases []string
	for _, m := range d.jobsOfType(jobproto.TypeStep) {
		phases = append(phases, m.Phase)
	}
	lastBuild, firstLater := -1, len(phases)
	for i, p := range phases {
		if p == "build" && i > lastBuild {
			lastBuild = i
		}
		if p != "build" && i < firstLater {
			firstLater = i
		}
	}
	if lastBuild > firstLater {
		t.Errorf("rank ordering violated: step phases %v", phases)
	}
}

func TestExecuteStepFailureFailsFast(t *testing.T) {
	d := newFakeDispatcher(testDiscovery())
	d.failSteps["build/api/compile"] = "compile error"
	d.blockSteps["build/lib/compile"] = true

	e, store, tracker := newTestEngine(t, d)
	run := createRun(t, store, tracker, func() {})

	e.Execute(context.Background(), run)

	got, _ := store.GetRun(run.ID)
	if got.Status != domain.RunFailed {
		t.Fatalf("run status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "compile error") {
		t.Errorf("run error = %q, want compile error surfaced", got.ErrorMessage)
	}

	// No job of a later group may have been dispatched
	for _, m := range d.jobsOfType(jobproto.TypeStep) {
		if m.Phase != "build" {
			t.Errorf("step %s/%s dispatched after group failure", m.Phase, m.Step)
		}
	}
	if jobs := d.jobsOfType(jobproto.TypeArtifact); len(jobs) != 0 {
		t.Error("release stage ran after a failed run")
	}

	// The blocked sibling was cancelled, not failed
	tasks, _ := store.ListTasks(run.ID)
	for _, task := range tasks {
		if task.Project == "lib" && task.Phase == "build" && task.Status != domain.TaskCancelled {
			t.Errorf("sibling task = %s, want cancelled", task.Status)
		}
	}
}

func TestExecuteDiscoveryFailureFailsRunWithoutTasks(t *testing.T) {
	d := newFakeDispatcher(nil)
	e, store, tracker := newTestEngine(t, d)
	run := createRun(t, store, tracker, func() {})

	e.Execute(context.Background(), run)

	got, _ := store.GetRun(run.ID)
	if got.Status != domain.RunFailed {
		t.Fatalf("run status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "parse_failure") {
		t.Errorf("run error = %q, want discovery failure kind surfaced", got.ErrorMessage)
	}
	tasks, _ := store.ListTasks(run.ID)
	if len(tasks) != 0 {
		t.Errorf("got %d tasks for a run that never left discovery", len(tasks))
	}
}

func TestExecuteReleaseFanOutAggregatesArtifacts(t *testing.T) {
	d := newFakeDispatcher(testDiscovery())
	e, store, tracker := newTestEngine(t, d)
	run := createRun(t, store, tracker, func() {})

	e.Execute(context.Background(), run)

	if jobs := d.jobsOfType(jobproto.TypeArtifact); len(jobs) != 2 {
		t.Fatalf("got %d artifact jobs, want 2", len(jobs))
	}

	releases := d.jobsOfType(jobproto.TypeRelease)
	if len(releases) != 1 {
		t.Fatalf("got %d release jobs, want exactly 1", len(releases))
	}
	var p jobproto.ReleasePayload
	if err := releases[0].UnmarshalPayload(&p); err != nil {
		t.Fatalf("decoding release payload: %v", err)
	}
	if len(p.Artifacts) != 2 {
		t.Errorf("release payload carries %d artifacts, want 2", len(p.Artifacts))
	}

	deploys := d.jobsOfType(jobproto.TypeDeploy)
	if len(deploys) != 1 {
		t.Fatalf("got %d deploy jobs, want 1", len(deploys))
	}
	var dp jobproto.DeployPayload
	deploys[0].UnmarshalPayload(&dp)
	if dp.Target != "production" || dp.Version != "0123456789ab" {
		t.Errorf("deploy payload = %+v", dp)
	}
}

func TestExecuteArtifactFailureBlocksRelease(t *testing.T) {
	d := newFakeDispatcher(testDiscovery())
	d.failArtifacts["api/api.sbom"] = "sbom generation failed"

	e, store, tracker := newTestEngine(t, d)
	run := createRun(t, store, tracker, func() {})

	e.Execute(context.Background(), run)

	got, _ := store.GetRun(run.ID)
	if got.Status != domain.RunFailed {
		t.Fatalf("run status = %s, want failed", got.Status)
	}
	if jobs := d.jobsOfType(jobproto.TypeRelease); len(jobs) != 0 {
		t.Error("release job dispatched despite a failed artifact")
	}
	if jobs := d.jobsOfType(jobproto.TypeDeploy); len(jobs) != 0 {
		t.Error("deploy job dispatched despite a failed artifact")
	}
}

func TestExecuteCancellationReachesCancelled(t *testing.T) {
	d := newFakeDispatcher(testDiscovery())
	d.blockSteps["build/api/compile"] = true
	d.blockSteps["build/lib/compile"] = true

	e, store, tracker := newTestEngine(t, d)

	ctx, cancel := context.WithCancel(context.Background())
	run := createRun(t, store, tracker, cancel)

	done := make(chan struct{})
	go func() {
		e.Execute(ctx, run)
		close(done)
	}()

	// Wait until the build steps are in flight, then cancel via the tracker
	deadline := time.After(2 * time.Second)
	for len(d.jobsOfType(jobproto.TypeStep)) < 2 {
		select {
		case <-deadline:
			t.Fatal("step jobs never dispatched")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if !tracker.Cancel(run.ID) {
		t.Fatal("tracker.Cancel returned false for an in-flight run")
	}
	<-done

	got, _ := store.GetRun(run.ID)
	if got.Status != domain.RunCancelled {
		t.Fatalf("run status = %s, want cancelled", got.Status)
	}
	if jobs := d.jobsOfType(jobproto.TypeArtifact); len(jobs) != 0 {
		t.Error("release stage ran after cancellation")
	}
}

func TestSubmitValidatesRequest(t *testing.T) {
	d := newFakeDispatcher(testDiscovery())
	e, _, _ := newTestEngine(t, d)

	tests := []struct {
		name string
		req  RunRequest
	}{
		{"missing repo", RunRequest{Commit: "abc"}},
		{"missing commit", RunRequest{Repo: "https://example.test/r.git"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.Submit(tt.req); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSubmitTwiceCreatesIndependentRuns(t *testing.T) {
	d := newFakeDispatcher(testDiscovery())
	e, store, _ := newTestEngine(t, d)

	req := RunRequest{Repo: "https://example.test/r.git", Branch: "main", Commit: "abc123"}
	r1, err := e.Submit(req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	r2, err := e.Submit(req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if r1.ID == r2.ID {
		t.Fatal("two submissions share a run id")
	}

	waitTerminal(t, store, r1.ID)
	waitTerminal(t, store, r2.ID)
}

func TestExecuteNotifiesStatusTransitions(t *testing.T) {
	d := newFakeDispatcher(testDiscovery())
	e, store, tracker := newTestEngine(t, d)

	var mu sync.Mutex
	var seen []domain.RunStatus
	e.SetNotifier(func(run domain.Run) {
		mu.Lock()
		seen = append(seen, run.Status)
		mu.Unlock()
	})

	run := createRun(t, store, tracker, func() {})
	e.Execute(context.Background(), run)

	mu.Lock()
	defer mu.Unlock()
	want := []domain.RunStatus{domain.RunDiscovering, domain.RunRunning, domain.RunSucceeded}
	if len(seen) != len(want) {
		t.Fatalf("notified transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("notified transitions = %v, want %v", seen, want)
		}
	}
}

func TestExecuteSiblingSuccessSurvivesFailFast(t *testing.T) {
	d := newFakeDispatcher(testDiscovery())
	gate := make(chan struct{})
	d.failSteps["build/api/compile"] = "compile error"
	d.holdSteps["build/api/compile"] = gate

	e, store, tracker := newTestEngine(t, d)
	run := createRun(t, store, tracker, func() {})

	done := make(chan struct{})
	go func() {
		e.Execute(context.Background(), run)
		close(done)
	}()

	// Let the sibling task finish before the failure lands
	libTask := domain.TaskKey(run.ID, "build", "lib")
	deadline := time.After(2 * time.Second)
	for {
		task, err := store.GetTask(libTask)
		if err == nil && task.Status == domain.TaskSucceeded {
			break
		}
		select {
		case <-deadline:
			t.Fatal("lib build task never succeeded")
		case <-time.After(5 * time.Millisecond):
		}
	}
	close(gate)
	<-done

	got, _ := store.GetRun(run.ID)
	if got.Status != domain.RunFailed {
		t.Fatalf("run status = %s, want failed", got.Status)
	}
	tasks, _ := store.ListTasks(run.ID)
	for _, task := range tasks {
		switch {
		case task.Project == "lib" && task.Phase == "build":
			if task.Status != domain.TaskSucceeded {
				t.Errorf("completed sibling task = %s, want succeeded", task.Status)
			}
		case task.Project == "api" && task.Phase == "build":
			if task.Status != domain.TaskFailed {
				t.Errorf("failing task = %s, want failed", task.Status)
			}
		}
	}
}

func TestRecoverResumesNonTerminalRuns(t *testing.T) {
	d := newFakeDispatcher(testDiscovery())
	e, store, tracker := newTestEngine(t, d)

	now := time.Now()
	orphan := &domain.Run{
		ID:        "run-orphan",
		Repo:      "https://example.test/repo.git",
		Branch:    "main",
		Commit:    "0123456789abcdef0123456789abcdef01234567",
		Status:    domain.RunRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateRun(orphan); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	finished := &domain.Run{
		ID:        "run-done",
		Repo:      "https://example.test/repo.git",
		Branch:    "main",
		Commit:    "fedcba9876543210fedcba9876543210fedcba98",
		Status:    domain.RunSucceeded,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateRun(finished); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	n, err := e.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d runs, want 1", n)
	}
	if _, ok := tracker.Get("run-done"); ok {
		t.Error("terminal run was re-registered in the tracker")
	}

	waitTerminal(t, store, "run-orphan")
	got, _ := store.GetRun("run-orphan")
	if got.Status != domain.RunSucceeded {
		t.Fatalf("recovered run status = %s (%s), want succeeded", got.Status, got.ErrorMessage)
	}
	tasks, _ := store.ListTasks("run-orphan")
	if len(tasks) != 5 {
		t.Errorf("recovered run has %d tasks, want 5", len(tasks))
	}
}

func waitTerminal(t *testing.T, store *runstore.Store, runID string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		run, err := store.GetRun(runID)
		if err == nil && run.Status.Terminal() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("run %s never reached a terminal state", runID)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
