// Package jobproto defines the queue-level message types exchanged between
// the dispatcher and the worker pool. A job message is opaque to the queue;
// only the worker bound to the job's partition interprets its payload.
package jobproto

import (
	"encoding/json"
	"fmt"
	"time"
)

// Job type constants. Each job type maps to one queue partition.
const (
	TypeDiscovery = "discovery"
	TypeStep      = "step"
	TypeArtifact  = "artifact"
	TypeRelease   = "release"
	TypeDeploy    = "deploy"
)

// Partitions returns every job-type partition in a stable order
func Partitions() []string {
	return []string{TypeDiscovery, TypeStep, TypeArtifact, TypeRelease, TypeDeploy}
}

// ValidType reports whether t names a known job type
func ValidType(t string) bool {
	for _, p := range Partitions() {
		if p == t {
			return true
		}
	}
	return false
}

// JobMessage is one unit of dispatched work. JobID doubles as the
// idempotency key: it is derived deterministically from the coordinates of
// the work, so a duplicate submission collapses into the same message.
type JobMessage struct {
	JobID              string          `json:"job_id"`
	JobType            string          `json:"job_type"`
	RunID              string          `json:"run_id"`
	Phase              string          `json:"phase,omitempty"`
	Project            string          `json:"project,omitempty"`
	Step               string          `json:"step,omitempty"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	ReplyCorrelationID string          `json:"reply_correlation_id"`
}

// MarshalPayload attaches a typed payload to the message
func (m *JobMessage) MarshalPayload(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", m.JobType, err)
	}
	m.Payload = data
	return nil
}

// UnmarshalPayload decodes the message payload into v
func (m *JobMessage) UnmarshalPayload(v interface{}) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("unmarshaling %s payload: %w", m.JobType, err)
	}
	return nil
}

// DiscoveryPayload asks the discovery handler to resolve projects and the
// phase graph for one source reference.
type DiscoveryPayload struct {
	Repo           string `json:"repo"`
	Branch         string `json:"branch"`
	Commit         string `json:"commit"`
	MaxOutputBytes int64  `json:"max_output_bytes,omitempty"`
}

// StepPayload executes one build/test step in a checkout
type StepPayload struct {
	Repo    string `json:"repo"`
	Commit  string `json:"commit"`
	Dir     string `json:"dir,omitempty"`
	Command string `json:"command"`
}

// ArtifactPayload builds and publishes one release artifact
type ArtifactPayload struct {
	Repo     string `json:"repo"`
	Commit   string `json:"commit"`
	Dir      string `json:"dir,omitempty"`
	Artifact string `json:"artifact"`
	Command  string `json:"command"`
}

// ArtifactResult is the data-returning output of one artifact job
type ArtifactResult struct {
	Name      string `json:"name"`
	Digest    string `json:"digest"`
	Location  string `json:"location"`
	SizeBytes int64  `json:"size_bytes"`
}

// ReleasePayload packages the aggregated artifact metadata of one project
// into a single release. Issued only after every artifact job succeeded.
type ReleasePayload struct {
	Project   string           `json:"project"`
	Commit    string           `json:"commit"`
	Artifacts []ArtifactResult `json:"artifacts"`
}

// DeployPayload moves the deployment pointer for a project to a released
// version.
type DeployPayload struct {
	Project string `json:"project"`
	Target  string `json:"target"`
	Version string `json:"version"`
}

// ResultStatus is the state of a job result record
type ResultStatus string

const (
	ResultPending   ResultStatus = "pending"
	ResultRunning   ResultStatus = "running"
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
)

// Terminal reports whether the result is final
func (s ResultStatus) Terminal() bool {
	return s == ResultCompleted || s == ResultFailed
}

// JobResult is the outcome record of one job attempt. Multiple attempts may
// exist under redelivery; only the attempt that acknowledges its message is
// authoritative, which the result store enforces by refusing to overwrite a
// terminal record.
type JobResult struct {
	JobID          string        `json:"job_id"`
	Status         ResultStatus  `json:"status"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	ResultLocation string        `json:"result_location,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
	TTL            time.Duration `json:"ttl,omitempty"`
}
