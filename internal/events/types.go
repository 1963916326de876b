package events

import (
	"time"
)

// Event is the base interface for all lifecycle events.
type Event interface {
	EventType() string
	Topic() string
	TaskID() string
}

// Topic constants
const (
	TopicRun    = "run"
	TopicTask   = "task"
	TopicCommit = "commit"
)

// Event type constants
const (
	EventTypeRunStarted     = "run.started"
	EventTypeRunFinished    = "run.finished"
	EventTypeRunProgress    = "run.progress"
	EventTypeTaskStarted    = "task.started"
	EventTypeTaskCompleted  = "task.completed"
	EventTypeTaskFailed     = "task.failed"
	EventTypeTaskDeferred   = "task.deferred"
	EventTypeTaskSplit      = "task.split"
	EventTypeTaskReconciled = "task.reconciled"
	EventTypeCommitAppended = "commit.appended"
)

// RunStartedEvent is published when a run begins.
type RunStartedEvent struct {
	RunID     string
	Total     int
	Timestamp time.Time
}

func (e RunStartedEvent) EventType() string { return EventTypeRunStarted }
func (e RunStartedEvent) Topic() string     { return TopicRun }
func (e RunStartedEvent) TaskID() string    { return "" }

// RunFinishedEvent is published when a run reaches quiescence.
type RunFinishedEvent struct {
	RunID     string
	Outcome   string
	Completed int
	Failed    int
	Blocked   int
	Split     int
	Timestamp time.Time
}

func (e RunFinishedEvent) EventType() string { return EventTypeRunFinished }
func (e RunFinishedEvent) Topic() string     { return TopicRun }
func (e RunFinishedEvent) TaskID() string    { return "" }

// RunProgressEvent is published after every task transition.
type RunProgressEvent struct {
	Total     int
	Completed int
	Running   int
	Failed    int
	Pending   int
	Timestamp time.Time
}

func (e RunProgressEvent) EventType() string { return EventTypeRunProgress }
func (e RunProgressEvent) Topic() string     { return TopicRun }
func (e RunProgressEvent) TaskID() string    { return "" }

// TaskStartedEvent is published when a task begins execution.
type TaskStartedEvent struct {
	ID         string
	WorkerRole string
	Timestamp  time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) Topic() string     { return TopicTask }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes and its changes are
// committed.
type TaskCompletedEvent struct {
	ID        string
	Revision  int64
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) Topic() string     { return TopicTask }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task fails.
type TaskFailedEvent struct {
	ID        string
	Err       error
	Retriable bool
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) Topic() string     { return TopicTask }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskDeferredEvent is published when a task is pushed back to pending
// because a resource it declared is held by another task.
type TaskDeferredEvent struct {
	ID        string
	Resource  string
	Holder    string
	Timestamp time.Time
}

func (e TaskDeferredEvent) EventType() string { return EventTypeTaskDeferred }
func (e TaskDeferredEvent) Topic() string     { return TopicTask }
func (e TaskDeferredEvent) TaskID() string    { return e.ID }

// TaskSplitEvent is published when a failed task is replaced by sub-tasks.
type TaskSplitEvent struct {
	ID           string
	Replacements []string
	Timestamp    time.Time
}

func (e TaskSplitEvent) EventType() string { return EventTypeTaskSplit }
func (e TaskSplitEvent) Topic() string     { return TopicTask }
func (e TaskSplitEvent) TaskID() string    { return e.ID }

// TaskReconciledEvent is published after a reconcile attempt, applied or not.
type TaskReconciledEvent struct {
	ID        string
	Applied   bool
	Revision  int64
	Conflicts []string
	Timestamp time.Time
}

func (e TaskReconciledEvent) EventType() string { return EventTypeTaskReconciled }
func (e TaskReconciledEvent) Topic() string     { return TopicTask }
func (e TaskReconciledEvent) TaskID() string    { return e.ID }

// CommitAppendedEvent is published when a task's changes land in the ledger.
type CommitAppendedEvent struct {
	Revision  int64
	ID        string
	Message   string
	Paths     []string
	Timestamp time.Time
}

func (e CommitAppendedEvent) EventType() string { return EventTypeCommitAppended }
func (e CommitAppendedEvent) Topic() string     { return TopicCommit }
func (e CommitAppendedEvent) TaskID() string    { return e.ID }
