package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hochfrequenz/pipeline-orchestrator/internal/blob"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/jobproto"
)

// ReleaseManifest is the packaged record of one project release
type ReleaseManifest struct {
	Project    string                    `json:"project"`
	Commit     string                    `json:"commit"`
	Version    string                    `json:"version"`
	Artifacts  []jobproto.ArtifactResult `json:"artifacts"`
	ReleasedAt time.Time                 `json:"released_at"`
}

// ReleaseHandler packages the aggregated artifact metadata of one project
// into a release manifest. It runs only after every artifact job for the
// project succeeded, so the payload is always complete.
type ReleaseHandler struct{}

// NewReleaseHandler creates the release packaging handler
func NewReleaseHandler() *ReleaseHandler {
	return &ReleaseHandler{}
}

// Execute writes the release manifest as the job's data payload
func (h *ReleaseHandler) Execute(ctx context.Context, job jobproto.JobMessage) (*HandlerResult, error) {
	var p jobproto.ReleasePayload
	if err := job.UnmarshalPayload(&p); err != nil {
		return nil, err
	}
	if len(p.Artifacts) == 0 {
		return nil, fmt.Errorf("release for %s carries no artifacts", p.Project)
	}

	m := ReleaseManifest{
		Project:    p.Project,
		Commit:     p.Commit,
		Version:    releaseVersion(p.Commit),
		Artifacts:  p.Artifacts,
		ReleasedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding release manifest: %w", err)
	}

	return &HandlerResult{Output: data, OutputKey: blob.ReleaseKey(job.RunID, p.Project)}, nil
}

// releaseVersion derives the version label from the released commit
func releaseVersion(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}
