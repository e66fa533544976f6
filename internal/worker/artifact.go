package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/hochfrequenz/pipeline-orchestrator/internal/blob"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/jobproto"
)

// artifactOutputDir is where a build command must leave its artifact,
// relative to the project directory.
const artifactOutputDir = "dist"

// ArtifactHandler builds one release artifact and publishes it to the blob
// store together with its digest metadata.
type ArtifactHandler struct {
	cache *CheckoutCache
	blobs BlobWriter
}

// NewArtifactHandler creates the artifact job handler
func NewArtifactHandler(cache *CheckoutCache, blobs BlobWriter) *ArtifactHandler {
	return &ArtifactHandler{cache: cache, blobs: blobs}
}

// Execute runs the artifact build command, then expects the produced file
// at dist/<artifact> inside the project directory. The artifact bytes are
// stored in the blob store; the job's data payload is the digest metadata.
func (h *ArtifactHandler) Execute(ctx context.Context, job jobproto.JobMessage) (*HandlerResult, error) {
	var p jobproto.ArtifactPayload
	if err := job.UnmarshalPayload(&p); err != nil {
		return nil, err
	}

	wt, err := h.cache.Checkout(ctx, job.JobID, p.Repo, p.Commit)
	if err != nil {
		return nil, fmt.Errorf("checkout %s@%s: %w", p.Repo, p.Commit, err)
	}
	defer h.cache.Cleanup(p.Repo, wt)

	projDir := filepath.Join(wt, p.Dir)
	cmd := exec.CommandContext(ctx, "sh", "-c", p.Command)
	cmd.Dir = projDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("building artifact %q: %v\n%s", p.Artifact, err, tail(out, errorTailBytes))
	}

	data, err := os.ReadFile(filepath.Join(projDir, artifactOutputDir, p.Artifact))
	if err != nil {
		return nil, fmt.Errorf("artifact %q not produced: %w", p.Artifact, err)
	}

	sum := sha256.Sum256(data)
	dataKey := fmt.Sprintf("%s/artifacts/%s/%s/data", job.RunID, job.Project, p.Artifact)
	if err := h.blobs.Put(dataKey, data); err != nil {
		return nil, fmt.Errorf("publishing artifact %q: %w", p.Artifact, err)
	}

	result := jobproto.ArtifactResult{
		Name:      p.Artifact,
		Digest:    "sha256:" + hex.EncodeToString(sum[:]),
		Location:  dataKey,
		SizeBytes: int64(len(data)),
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding artifact result: %w", err)
	}

	return &HandlerResult{
		Output:    encoded,
		OutputKey: blob.ArtifactKey(job.RunID, job.Project, p.Artifact),
	}, nil
}
