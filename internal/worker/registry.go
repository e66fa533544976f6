package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/hochfrequenz/pipeline-orchestrator/internal/jobproto"
)

// HandlerResult is what a handler returns on success. Data-returning
// handlers set Output and the blob key it should be stored under;
// status-only handlers return an empty result.
type HandlerResult struct {
	Output    []byte
	OutputKey string
}

// Handler executes one job type. Handlers must be idempotent with respect
// to re-execution under the same job id: redelivery may run them again.
type Handler interface {
	Execute(ctx context.Context, job jobproto.JobMessage) (*HandlerResult, error)
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, job jobproto.JobMessage) (*HandlerResult, error)

// Execute implements Handler
func (f HandlerFunc) Execute(ctx context.Context, job jobproto.JobMessage) (*HandlerResult, error) {
	return f(ctx, job)
}

// Registry maps job types to their handler implementations. It is populated
// once at startup; adding a job type means registering a new implementation.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a job type
func (r *Registry) Register(jobType string, h Handler) error {
	if !jobproto.ValidType(jobType) {
		return fmt.Errorf("register: unknown job type %q", jobType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[jobType]; exists {
		return fmt.Errorf("register: handler for %q already registered", jobType)
	}
	r.handlers[jobType] = h
	return nil
}

// Lookup returns the handler for a job type
func (r *Registry) Lookup(jobType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	if !ok {
		return nil, fmt.Errorf("no handler registered for job type %q", jobType)
	}
	return h, nil
}
