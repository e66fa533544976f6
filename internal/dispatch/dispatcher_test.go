package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/pipeline-orchestrator/internal/jobproto"
)

type fakeQueue struct {
	mu       sync.Mutex
	messages map[string]*jobproto.JobMessage
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{messages: make(map[string]*jobproto.JobMessage)}
}

func (q *fakeQueue) Enqueue(msg *jobproto.JobMessage) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.messages[msg.JobID]; ok {
		return false, nil
	}
	q.messages[msg.JobID] = msg
	return true, nil
}

type fakeResults struct {
	mu      sync.Mutex
	results map[string]*jobproto.JobResult
}

func newFakeResults() *fakeResults {
	return &fakeResults{results: make(map[string]*jobproto.JobResult)}
}

func (r *fakeResults) GetResult(jobID string) (*jobproto.JobResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[jobID], nil
}

func (r *fakeResults) put(result *jobproto.JobResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[result.JobID] = result
}

type fakeBlobs struct {
	data map[string][]byte
}

func (b *fakeBlobs) Get(key string) ([]byte, error) {
	d, ok := b.data[key]
	if !ok {
		return nil, fmt.Errorf("no blob %s", key)
	}
	return d, nil
}

func shortTimeout(string) time.Duration { return 200 * time.Millisecond }

func TestJobID_Deterministic(t *testing.T) {
	a := JobID("run-1", "build", "api", "compile")
	b := JobID("run-1", "build", "api", "compile")
	if a != b {
		t.Errorf("same coordinates produced different ids: %s vs %s", a, b)
	}

	c := JobID("run-1", "build", "api", "lint")
	if a == c {
		t.Error("different steps produced the same id")
	}
	d := JobID("run-2", "build", "api", "compile")
	if a == d {
		t.Error("different runs produced the same id")
	}
}

func TestDispatcher_AwaitSuccess(t *testing.T) {
	queue := newFakeQueue()
	results := newFakeResults()
	d := New(queue, results, &fakeBlobs{}, shortTimeout)

	msg := &jobproto.JobMessage{JobID: "job-1", JobType: jobproto.TypeStep}
	if err := d.Submit(msg); err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		results.put(&jobproto.JobResult{JobID: "job-1", Status: jobproto.ResultCompleted})
	}()

	outcome := d.Await(context.Background(), "job-1", jobproto.TypeStep)
	if !outcome.Succeeded() {
		t.Errorf("outcome = %+v, want success", outcome)
	}
}

func TestDispatcher_AwaitHandlerFailure(t *testing.T) {
	results := newFakeResults()
	results.put(&jobproto.JobResult{
		JobID:        "job-1",
		Status:       jobproto.ResultFailed,
		ErrorMessage: "exit code 2",
	})
	d := New(newFakeQueue(), results, &fakeBlobs{}, shortTimeout)

	outcome := d.Await(context.Background(), "job-1", jobproto.TypeStep)
	if outcome.Succeeded() {
		t.Fatal("outcome succeeded, want failure")
	}
	if outcome.TimedOut {
		t.Error("handler failure marked as timeout")
	}
	if outcome.Message != "exit code 2" {
		t.Errorf("Message = %q", outcome.Message)
	}
}

func TestDispatcher_AwaitTimeout(t *testing.T) {
	d := New(newFakeQueue(), newFakeResults(), &fakeBlobs{}, shortTimeout)

	start := time.Now()
	outcome := d.Await(context.Background(), "job-never", jobproto.TypeStep)
	elapsed := time.Since(start)

	if outcome.Succeeded() {
		t.Fatal("outcome succeeded, want synthetic failure")
	}
	if !outcome.TimedOut {
		t.Error("TimedOut = false, want true")
	}
	if elapsed < 200*time.Millisecond {
		t.Errorf("returned after %v, before the window elapsed", elapsed)
	}
}

func TestDispatcher_AwaitCancelled(t *testing.T) {
	d := New(newFakeQueue(), newFakeResults(), &fakeBlobs{}, func(string) time.Duration { return time.Minute })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	outcome := d.Await(ctx, "job-1", jobproto.TypeStep)
	if outcome.Status != "cancelled" {
		t.Errorf("outcome = %+v, want cancelled", outcome)
	}
}

func TestDispatcher_AwaitPayload(t *testing.T) {
	results := newFakeResults()
	results.put(&jobproto.JobResult{
		JobID:          "job-1",
		Status:         jobproto.ResultCompleted,
		ResultLocation: "run-1/discovery/output",
	})
	blobs := &fakeBlobs{data: map[string][]byte{
		"run-1/discovery/output": []byte("projects: []"),
	}}
	d := New(newFakeQueue(), results, blobs, shortTimeout)

	outcome, payload := d.AwaitPayload(context.Background(), "job-1", jobproto.TypeDiscovery)
	if !outcome.Succeeded() {
		t.Fatalf("outcome = %+v", outcome)
	}
	if string(payload) != "projects: []" {
		t.Errorf("payload = %q", payload)
	}
}

func TestDispatcher_AwaitPayloadMissingLocation(t *testing.T) {
	results := newFakeResults()
	results.put(&jobproto.JobResult{JobID: "job-1", Status: jobproto.ResultCompleted})
	d := New(newFakeQueue(), results, &fakeBlobs{}, shortTimeout)

	outcome, _ := d.AwaitPayload(context.Background(), "job-1", jobproto.TypeDiscovery)
	if outcome.Succeeded() {
		t.Error("outcome succeeded despite missing payload location")
	}
}

func TestDispatcher_DuplicateSubmitAbsorbed(t *testing.T) {
	queue := newFakeQueue()
	d := New(queue, newFakeResults(), &fakeBlobs{}, shortTimeout)

	msg := &jobproto.JobMessage{JobID: "job-1", JobType: jobproto.TypeStep}
	if err := d.Submit(msg); err != nil {
		t.Fatal(err)
	}
	if err := d.Submit(msg); err != nil {
		t.Fatal(err)
	}
	if len(queue.messages) != 1 {
		t.Errorf("queued messages = %d, want 1", len(queue.messages))
	}
}
