package runstate

import (
	"context"
	"testing"

	"github.com/hochfrequenz/pipeline-orchestrator/internal/domain"
)

func TestTracker_AddGetRemove(t *testing.T) {
	tracker := New()

	run := domain.Run{ID: "run-1", Status: domain.RunPending}
	tracker.Add(run, nil)

	got, ok := tracker.Get("run-1")
	if !ok {
		t.Fatal("Get = false after Add")
	}
	if got.Run.ID != "run-1" {
		t.Errorf("ID = %s", got.Run.ID)
	}
	if got.ActiveRank != -1 {
		t.Errorf("ActiveRank = %d, want -1", got.ActiveRank)
	}

	tracker.Remove("run-1")
	if _, ok := tracker.Get("run-1"); ok {
		t.Error("Get = true after Remove")
	}
}

func TestTracker_StatusAndTasks(t *testing.T) {
	tracker := New()
	tracker.Add(domain.Run{ID: "run-1", Status: domain.RunPending}, nil)

	tracker.SetRunStatus("run-1", domain.RunRunning, "")
	tracker.SetActiveRank("run-1", 0)
	tracker.SetTask("run-1", domain.Task{ID: "t1", RunID: "run-1", Status: domain.TaskRunning})

	got, _ := tracker.Get("run-1")
	if got.Run.Status != domain.RunRunning {
		t.Errorf("Status = %s, want running", got.Run.Status)
	}
	if got.ActiveRank != 0 {
		t.Errorf("ActiveRank = %d, want 0", got.ActiveRank)
	}
	if got.Tasks["t1"].Status != domain.TaskRunning {
		t.Errorf("task status = %s", got.Tasks["t1"].Status)
	}

	// Snapshots are copies: mutating one must not leak into the tracker
	got.Tasks["t1"] = domain.Task{ID: "t1", Status: domain.TaskFailed}
	again, _ := tracker.Get("run-1")
	if again.Tasks["t1"].Status != domain.TaskRunning {
		t.Error("snapshot mutation leaked into tracker")
	}
}

func TestTracker_Cancel(t *testing.T) {
	tracker := New()

	ctx, cancel := context.WithCancel(context.Background())
	tracker.Add(domain.Run{ID: "run-1"}, cancel)

	if !tracker.Cancel("run-1") {
		t.Fatal("Cancel = false for in-flight run")
	}
	select {
	case <-ctx.Done():
	default:
		t.Error("context not cancelled")
	}

	if tracker.Cancel("missing") {
		t.Error("Cancel = true for unknown run")
	}
}

func TestTracker_List(t *testing.T) {
	tracker := New()
	tracker.Add(domain.Run{ID: "a"}, nil)
	tracker.Add(domain.Run{ID: "b"}, nil)

	if got := len(tracker.List()); got != 2 {
		t.Errorf("List size = %d, want 2", got)
	}
}
