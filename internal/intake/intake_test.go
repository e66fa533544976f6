package intake

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/pipeline-orchestrator/internal/config"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/domain"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/engine"
)

type submitRecorder struct {
	mu   sync.Mutex
	reqs []engine.RunRequest
	ch   chan engine.RunRequest
}

func newSubmitRecorder() *submitRecorder {
	return &submitRecorder{ch: make(chan engine.RunRequest, 16)}
}

func (r *submitRecorder) submit(req engine.RunRequest) (*domain.Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	r.ch <- req
	return &domain.Run{ID: "run-test", Repo: req.Repo, Branch: req.Branch, Commit: req.Commit}, nil
}

func (r *submitRecorder) wait(t *testing.T) engine.RunRequest {
	t.Helper()
	select {
	case req := <-r.ch:
		return req
	case <-time.After(5 * time.Second):
		t.Fatal("no submission arrived")
		return engine.RunRequest{}
	}
}

func TestWatcherSubmitsDroppedRequest(t *testing.T) {
	dir := t.TempDir()
	rec := newSubmitRecorder()

	w, err := NewWatcher(dir, rec.submit)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()
	w.Start(context.Background())

	path := filepath.Join(dir, "req.yaml")
	content := "repo: https://example.test/r.git\nbranch: main\ncommit: abc123\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing request: %v", err)
	}

	req := rec.wait(t)
	if req.Repo != "https://example.test/r.git" || req.Commit != "abc123" {
		t.Errorf("submitted request = %+v", req)
	}

	waitForFile(t, path+".done")
}

func TestWatcherPicksUpPreexistingRequests(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "old.yml")
	if err := os.WriteFile(path, []byte("repo: r\ncommit: c\n"), 0644); err != nil {
		t.Fatal(err)
	}

	rec := newSubmitRecorder()
	w, err := NewWatcher(dir, rec.submit)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()
	w.Start(context.Background())

	if req := rec.wait(t); req.Commit != "c" {
		t.Errorf("request = %+v", req)
	}
}

func TestWatcherMarksInvalidRequests(t *testing.T) {
	dir := t.TempDir()
	rec := newSubmitRecorder()

	w, err := NewWatcher(dir, rec.submit)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()
	w.Start(context.Background())

	// Missing commit fails validation
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("repo: r\n"), 0644); err != nil {
		t.Fatal(err)
	}

	waitForFile(t, path+".invalid")
	rec.mu.Lock()
	n := len(rec.reqs)
	rec.mu.Unlock()
	if n != 0 {
		t.Errorf("invalid request was submitted %d time(s)", n)
	}
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	rec := newSubmitRecorder()

	w, err := NewWatcher(dir, rec.submit)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()
	w.Start(context.Background())

	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("repo: r\ncommit: c\n"), 0644)
	os.WriteFile(filepath.Join(dir, ".hidden.yaml"), []byte("repo: r\ncommit: c\n"), 0644)

	select {
	case req := <-rec.ch:
		t.Fatalf("unexpected submission %+v", req)
	case <-time.After(time.Second):
	}
}

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("%s never appeared", path)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestNewSchedulerValidatesConfigs(t *testing.T) {
	rec := newSubmitRecorder()
	resolve := func(ctx context.Context, repo, branch string) (string, error) { return "c", nil }

	tests := []struct {
		name string
		cfg  config.ScheduleConfig
	}{
		{"missing name", config.ScheduleConfig{Cron: "0 * * * *", Repo: "r"}},
		{"missing repo", config.ScheduleConfig{Name: "n", Cron: "0 * * * *"}},
		{"bad cron", config.ScheduleConfig{Name: "n", Cron: "not-cron", Repo: "r"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewScheduler([]config.ScheduleConfig{tt.cfg}, rec.submit, resolve); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSchedulerShouldRun(t *testing.T) {
	rec := newSubmitRecorder()
	resolve := func(ctx context.Context, repo, branch string) (string, error) { return "c", nil }

	s, err := NewScheduler([]config.ScheduleConfig{
		{Name: "nightly", Cron: "0 * * * *", Repo: "https://example.test/r.git", Branch: "main"},
	}, rec.submit, resolve)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	// Never run before: a due schedule fires
	if !s.ShouldRun("nightly") {
		t.Error("fresh hourly schedule should be due")
	}
	if s.ShouldRun("unknown") {
		t.Error("unknown schedule reported due")
	}

	s.MarkRunning("nightly")
	if s.ShouldRun("nightly") {
		t.Error("running schedule reported due")
	}
	s.MarkComplete("nightly")
	if s.ShouldRun("nightly") {
		t.Error("just-completed hourly schedule reported due")
	}

	if s.NextRun("nightly").IsZero() {
		t.Error("NextRun returned zero time for known schedule")
	}
}

func TestSchedulerTriggerResolvesAndSubmits(t *testing.T) {
	rec := newSubmitRecorder()
	resolve := func(ctx context.Context, repo, branch string) (string, error) {
		if branch != "main" {
			t.Errorf("resolve branch = %q", branch)
		}
		return "deadbeef", nil
	}

	s, err := NewScheduler(nil, rec.submit, resolve)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	cfg := config.ScheduleConfig{Name: "nightly", Cron: "0 0 * * *", Repo: "https://example.test/r.git", Branch: "main"}
	if err := s.trigger(context.Background(), cfg); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if req := rec.wait(t); req.Commit != "deadbeef" {
		t.Errorf("submitted commit = %q", req.Commit)
	}
}
