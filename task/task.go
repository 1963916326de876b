// Package task defines the planner-facing task model shared by the
// orchestrator, scheduler, and persistence layers.
package task

import (
	"fmt"
	"time"
)

// Status represents the current state of a task.
type Status int

const (
	StatusPending   Status = iota // Waiting for dependencies
	StatusReady                   // All dependencies completed, queued for dispatch
	StatusRunning                 // Currently executing
	StatusCompleted               // Finished and reconciled
	StatusFailed                  // Finished with error; blocks dependents
	StatusSplit                   // Replaced by resubmitted sub-tasks
)

// String returns the lowercase name used in logs and persisted documents.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusSplit:
		return "split"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether the status can no longer change except through
// explicit split resubmission.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSplit
}

// Spec is one planner-supplied task descriptor. Resources is the declared
// write footprint used for lock acquisition; the executor's reported
// changed-resource list is what reconciliation actually applies.
type Spec struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	WorkerRole  string   `json:"workerRole"`
	DependsOn   []string `json:"dependsOn,omitempty"`
	Resources   []string `json:"resources,omitempty"`
}

// Validate checks the fields a descriptor must carry before submission.
// Cross-task checks (unknown dependency ids, duplicates) belong to the graph.
func (s Spec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("task spec missing id")
	}
	if s.WorkerRole == "" {
		return fmt.Errorf("task %q missing worker role", s.ID)
	}
	for _, dep := range s.DependsOn {
		if dep == s.ID {
			return fmt.Errorf("task %q depends on itself", s.ID)
		}
	}
	return nil
}

// Task is the runtime record for one unit of work.
type Task struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	WorkerRole  string   `json:"workerRole"`
	DependsOn   []string `json:"dependsOn,omitempty"`
	Resources   []string `json:"resources,omitempty"`

	Status Status `json:"status"`

	// Seq is the creation order within the plan, the tie-break for
	// deterministic scheduling when more tasks are ready than the
	// concurrency cap admits.
	Seq int `json:"seq"`

	// ChangedResources is the executor-reported change set, recorded once
	// the task completes.
	ChangedResources []string `json:"changedResources,omitempty"`

	// Error holds the failure message for StatusFailed tasks. Retriable
	// marks failures that a resubmission against a fresh workspace may
	// resolve (reconcile conflicts, interrupted runs, cancellation).
	Error     string `json:"error,omitempty"`
	Retriable bool   `json:"retriable,omitempty"`

	CreatedAt   time.Time `json:"createdAt"`
	StartedAt   time.Time `json:"startedAt,omitzero"`
	CompletedAt time.Time `json:"completedAt,omitzero"`
}

// New builds a pending Task from a planner spec. Seq is the position of the
// spec within its plan.
func New(spec Spec, seq int, now time.Time) *Task {
	return &Task{
		ID:          spec.ID,
		Description: spec.Description,
		WorkerRole:  spec.WorkerRole,
		DependsOn:   append([]string(nil), spec.DependsOn...),
		Resources:   append([]string(nil), spec.Resources...),
		Status:      StatusPending,
		Seq:         seq,
		CreatedAt:   now,
	}
}

// Clone returns a deep copy so callers can hand tasks across goroutines
// without sharing slices.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.Resources != nil {
		cp.Resources = append([]string(nil), t.Resources...)
	}
	if t.ChangedResources != nil {
		cp.ChangedResources = append([]string(nil), t.ChangedResources...)
	}
	return &cp
}
