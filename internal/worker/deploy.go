package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hochfrequenz/pipeline-orchestrator/internal/jobproto"
)

// DeploymentPointer records which version a target currently runs
type DeploymentPointer struct {
	Project   string    `json:"project"`
	Target    string    `json:"target"`
	Version   string    `json:"version"`
	RunID     string    `json:"run_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeployHandler moves a target's deployment pointer to a released version.
// Pointers live outside the per-run blob tree: they are the only mutable
// state that outlives a run.
type DeployHandler struct {
	dir string
}

// NewDeployHandler creates the deploy handler writing pointers under dir
func NewDeployHandler(dir string) *DeployHandler {
	return &DeployHandler{dir: dir}
}

// Execute atomically replaces the pointer file for the payload's target
func (h *DeployHandler) Execute(ctx context.Context, job jobproto.JobMessage) (*HandlerResult, error) {
	var p jobproto.DeployPayload
	if err := job.UnmarshalPayload(&p); err != nil {
		return nil, err
	}
	if p.Target == "" {
		return nil, fmt.Errorf("deploy for %s has no target", p.Project)
	}

	ptr := DeploymentPointer{
		Project:   p.Project,
		Target:    p.Target,
		Version:   p.Version,
		RunID:     job.RunID,
		UpdatedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(ptr, "", "  ")
	if err != nil {
		return nil, err
	}

	targetDir := filepath.Join(h.dir, p.Target)
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return nil, err
	}

	path := filepath.Join(targetDir, p.Project+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("updating deployment pointer for %s/%s: %w", p.Target, p.Project, err)
	}

	return &HandlerResult{}, nil
}

// Current reads the pointer for a target and project, or nil when the
// project has never been deployed there.
func (h *DeployHandler) Current(target, project string) (*DeploymentPointer, error) {
	data, err := os.ReadFile(filepath.Join(h.dir, target, project+".json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ptr DeploymentPointer
	if err := json.Unmarshal(data, &ptr); err != nil {
		return nil, err
	}
	return &ptr, nil
}
