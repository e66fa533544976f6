package worker

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/hochfrequenz/pipeline-orchestrator/internal/blob"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/jobproto"
)

// errorTailBytes is how much command output is folded into a failure
// message. The full log is always in the blob store.
const errorTailBytes = 1024

// StepHandler runs one declared step command in a commit checkout
type StepHandler struct {
	cache *CheckoutCache
	blobs BlobWriter
}

// NewStepHandler creates the step job handler
func NewStepHandler(cache *CheckoutCache, blobs BlobWriter) *StepHandler {
	return &StepHandler{cache: cache, blobs: blobs}
}

// Execute materializes the checkout, runs the step command through the
// shell and stores its combined output as the step log. A nonzero exit
// fails the job; the log blob is written on both paths.
func (h *StepHandler) Execute(ctx context.Context, job jobproto.JobMessage) (*HandlerResult, error) {
	var p jobproto.StepPayload
	if err := job.UnmarshalPayload(&p); err != nil {
		return nil, err
	}

	wt, err := h.cache.Checkout(ctx, job.JobID, p.Repo, p.Commit)
	if err != nil {
		return nil, fmt.Errorf("checkout %s@%s: %w", p.Repo, p.Commit, err)
	}
	defer h.cache.Cleanup(p.Repo, wt)

	cmd := exec.CommandContext(ctx, "sh", "-c", p.Command)
	cmd.Dir = filepath.Join(wt, p.Dir)
	output, runErr := cmd.CombinedOutput()

	logKey := blob.LogKey(job.RunID, job.Phase, job.Project, job.Step)
	if err := h.blobs.Put(logKey, output); err != nil {
		return nil, fmt.Errorf("storing step log: %w", err)
	}

	if runErr != nil {
		return nil, fmt.Errorf("step %q: %v\n%s", p.Command, runErr, tail(output, errorTailBytes))
	}
	return &HandlerResult{Output: output, OutputKey: logKey}, nil
}

// tail returns the last n bytes of output, trimmed
func tail(out []byte, n int) string {
	s := strings.TrimSpace(string(out))
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}
