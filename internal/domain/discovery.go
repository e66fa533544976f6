package domain

import (
	"fmt"
	"sort"
)

// DiscoveryErrorKind classifies why discovery failed
type DiscoveryErrorKind string

const (
	DiscoveryParseFailure DiscoveryErrorKind = "parse_failure"
	DiscoverySizeExceeded DiscoveryErrorKind = "size_exceeded"
	DiscoveryInaccessible DiscoveryErrorKind = "repo_inaccessible"
)

// DiscoveryError is fatal for a run before any phase group starts
type DiscoveryError struct {
	Kind    DiscoveryErrorKind
	Message string
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery %s: %s", e.Kind, e.Message)
}

// StepSpec is one declared action for a project phase
type StepSpec struct {
	Name    string `yaml:"name" json:"name"`
	Command string `yaml:"command" json:"command"`
}

// ArtifactSpec declares one release artifact for a project
type ArtifactSpec struct {
	Name    string `yaml:"name" json:"name"`
	Command string `yaml:"command" json:"command"`
}

// ReleaseSpec declares a project's release behavior. Triggered is a
// predicate computed during discovery and never recomputed afterwards.
type ReleaseSpec struct {
	Triggered bool           `yaml:"triggered" json:"triggered"`
	Target    string         `yaml:"target,omitempty" json:"target,omitempty"`
	Artifacts []ArtifactSpec `yaml:"artifacts" json:"artifacts"`
}

// Project is one unit of work discovered in the source tree
type Project struct {
	Name    string                `yaml:"name" json:"name"`
	Dir     string                `yaml:"dir" json:"dir"`
	Phases  map[string][]StepSpec `yaml:"phases" json:"phases"`
	Release *ReleaseSpec          `yaml:"release,omitempty" json:"release,omitempty"`
}

// DiscoveryOutput is the bounded structure produced by the discovery job:
// the project list plus the phase-group graph. It is cached verbatim on the
// run.
type DiscoveryOutput struct {
	Projects []Project    `yaml:"projects" json:"projects"`
	Groups   []PhaseGroup `yaml:"groups" json:"groups"`
}

// Validate checks structural invariants: at least one project, groups with
// unique ranks, and every phase referenced by a project assigned to a group.
func (d *DiscoveryOutput) Validate() error {
	if len(d.Projects) == 0 {
		return &DiscoveryError{Kind: DiscoveryParseFailure, Message: "no projects discovered"}
	}
	if len(d.Groups) == 0 {
		return &DiscoveryError{Kind: DiscoveryParseFailure, Message: "no phase groups discovered"}
	}

	ranks := make(map[int]bool)
	known := make(map[string]bool)
	for _, g := range d.Groups {
		if ranks[g.Rank] {
			return &DiscoveryError{Kind: DiscoveryParseFailure, Message: fmt.Sprintf("duplicate phase group rank %d", g.Rank)}
		}
		ranks[g.Rank] = true
		for _, p := range g.Phases {
			known[p] = true
		}
	}

	for _, proj := range d.Projects {
		if proj.Name == "" {
			return &DiscoveryError{Kind: DiscoveryParseFailure, Message: "project with empty name"}
		}
		for phase := range proj.Phases {
			if !known[phase] {
				return &DiscoveryError{
					Kind:    DiscoveryParseFailure,
					Message: fmt.Sprintf("project %s references phase %q not in any group", proj.Name, phase),
				}
			}
		}
	}

	return nil
}

// SortedGroups returns the phase groups ordered by ascending rank
func (d *DiscoveryOutput) SortedGroups() []PhaseGroup {
	groups := make([]PhaseGroup, len(d.Groups))
	copy(groups, d.Groups)
	sort.Slice(groups, func(i, j int) bool { return groups[i].Rank < groups[j].Rank })
	return groups
}

// ProjectsForPhase returns the projects that declare steps for the phase
func (d *DiscoveryOutput) ProjectsForPhase(phase string) []Project {
	var out []Project
	for _, p := range d.Projects {
		if len(p.Phases[phase]) > 0 {
			out = append(out, p)
		}
	}
	return out
}

// ReleasingProjects returns the projects whose release predicate fired
// during discovery.
func (d *DiscoveryOutput) ReleasingProjects() []Project {
	var out []Project
	for _, p := range d.Projects {
		if p.Release != nil && p.Release.Triggered && len(p.Release.Artifacts) > 0 {
			out = append(out, p)
		}
	}
	return out
}
