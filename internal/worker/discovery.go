package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/pipeline-orchestrator/internal/blob"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/domain"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/jobproto"
)

// ManifestName is the pipeline definition read from the repository root
const ManifestName = "pipeline.yaml"

// DefaultMaxDiscoveryBytes bounds the serialized discovery output when the
// payload does not set its own limit.
const DefaultMaxDiscoveryBytes = 1 << 20

// manifest is the on-disk pipeline definition. It is deliberately close to
// the domain types but keeps the release trigger as declarative branch
// patterns; discovery evaluates the predicate exactly once.
type manifest struct {
	Groups   []domain.PhaseGroup `yaml:"groups"`
	Projects []manifestProject   `yaml:"projects"`
}

type manifestProject struct {
	Name    string                       `yaml:"name"`
	Dir     string                       `yaml:"dir"`
	Phases  map[string][]domain.StepSpec `yaml:"phases"`
	Release *manifestRelease             `yaml:"release,omitempty"`
}

type manifestRelease struct {
	// Branches lists branches that trigger a release. Empty means every
	// branch releases.
	Branches  []string              `yaml:"branches,omitempty"`
	Target    string                `yaml:"target,omitempty"`
	Artifacts []domain.ArtifactSpec `yaml:"artifacts"`
}

// DiscoveryHandler resolves the project list and phase graph for a commit
type DiscoveryHandler struct {
	cache *CheckoutCache
}

// NewDiscoveryHandler creates the discovery job handler
func NewDiscoveryHandler(cache *CheckoutCache) *DiscoveryHandler {
	return &DiscoveryHandler{cache: cache}
}

// Execute checks out the commit, parses the pipeline manifest and returns
// the validated discovery output as the job's data payload.
func (h *DiscoveryHandler) Execute(ctx context.Context, job jobproto.JobMessage) (*HandlerResult, error) {
	var p jobproto.DiscoveryPayload
	if err := job.UnmarshalPayload(&p); err != nil {
		return nil, &domain.DiscoveryError{Kind: domain.DiscoveryParseFailure, Message: err.Error()}
	}

	wt, err := h.cache.Checkout(ctx, job.JobID, p.Repo, p.Commit)
	if err != nil {
		return nil, &domain.DiscoveryError{Kind: domain.DiscoveryInaccessible, Message: err.Error()}
	}
	defer h.cache.Cleanup(p.Repo, wt)

	raw, err := os.ReadFile(filepath.Join(wt, ManifestName))
	if err != nil {
		return nil, &domain.DiscoveryError{
			Kind:    domain.DiscoveryParseFailure,
			Message: fmt.Sprintf("reading %s: %v", ManifestName, err),
		}
	}

	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, &domain.DiscoveryError{
			Kind:    domain.DiscoveryParseFailure,
			Message: fmt.Sprintf("parsing %s: %v", ManifestName, err),
		}
	}

	out := m.resolve(p.Branch)
	if err := out.Validate(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encoding discovery output: %w", err)
	}

	limit := p.MaxOutputBytes
	if limit <= 0 {
		limit = DefaultMaxDiscoveryBytes
	}
	if int64(len(data)) > limit {
		return nil, &domain.DiscoveryError{
			Kind:    domain.DiscoverySizeExceeded,
			Message: fmt.Sprintf("discovery output is %d bytes, limit %d", len(data), limit),
		}
	}

	return &HandlerResult{Output: data, OutputKey: blob.DiscoveryKey(job.RunID)}, nil
}

// resolve converts the manifest into domain form, evaluating each project's
// release predicate against the discovered branch.
func (m *manifest) resolve(branch string) *domain.DiscoveryOutput {
	out := &domain.DiscoveryOutput{Groups: m.Groups}
	for _, mp := range m.Projects {
		proj := domain.Project{Name: mp.Name, Dir: mp.Dir, Phases: mp.Phases}
		if mp.Release != nil {
			proj.Release = &domain.ReleaseSpec{
				Triggered: releaseTriggered(mp.Release.Branches, branch),
				Target:    mp.Release.Target,
				Artifacts: mp.Release.Artifacts,
			}
		}
		out.Projects = append(out.Projects, proj)
	}
	return out
}

func releaseTriggered(branches []string, branch string) bool {
	if len(branches) == 0 {
		return true
	}
	for _, b := range branches {
		if b == branch {
			return true
		}
	}
	return false
}
