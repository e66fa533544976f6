package domain

import "time"

// Run is one orchestration instance for a unit of source (one commit).
// Identity is immutable; status only moves toward a terminal state.
type Run struct {
	ID           string
	Repo         string
	Branch       string
	Commit       string
	Status       RunStatus
	ErrorMessage string

	// Discovery holds the cached discovery output. It is written exactly
	// once, after the discovery job completes, and never re-derived mid-run.
	Discovery *DiscoveryOutput

	StartedAt  *time.Time
	FinishedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PhaseGroup is an ordered rank of phases. Phases within a group may run
// concurrently; groups execute strictly sequentially by rank.
type PhaseGroup struct {
	Rank   int      `yaml:"rank" json:"rank"`
	Phases []string `yaml:"phases" json:"phases"`
}
