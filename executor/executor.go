// Package executor defines the contract between the orchestrator and the
// worker programs that carry out tasks.
package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Request describes one execution attempt handed to a worker.
type Request struct {
	TaskID        string        // Task being attempted
	Description   string        // Human-readable task description
	WorkerRole    string        // Role the task was declared for
	WorkspaceRoot string        // Isolated tree the worker must confine its changes to
	Timeout       time.Duration // Per-attempt deadline, zero means none
}

// Result reports what a worker did. ChangedResources lists the paths,
// relative to the workspace root, that the attempt created, modified or
// deleted.
type Result struct {
	Success          bool
	ChangedResources []string
	ErrorMessage     string
}

// Executor runs one task attempt to completion. A returned error means the
// attempt could not be carried out at all; a worker that ran and failed is
// reported through Result.Success instead.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// Func adapts a plain function to the Executor interface.
type Func func(ctx context.Context, req Request) (Result, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Registry maps worker roles to the executors that serve them.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds an executor to a worker role, replacing any previous binding.
func (r *Registry) Register(role string, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[role] = ex
}

// Lookup returns the executor registered for the given role.
func (r *Registry) Lookup(role string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[role]
	if !ok {
		return nil, fmt.Errorf("no executor registered for worker role %q", role)
	}
	return ex, nil
}

// Roles returns the registered worker roles in sorted order.
func (r *Registry) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := make([]string, 0, len(r.executors))
	for role := range r.executors {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}
