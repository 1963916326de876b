// Package orchestrator executes a dependency-ordered task plan against a
// shared project tree. Independent tasks run concurrently under a bounded
// worker pool, each in its own isolated copy of the tree, with declared
// resource locks keeping overlapping writers apart. Progress persists after
// every transition, so an interrupted run resumes without redoing committed
// work, and every reconciled task lands in the commit ledger as one
// described history unit.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/avessner/conductor/executor"
	"github.com/avessner/conductor/internal/config"
	"github.com/avessner/conductor/internal/events"
	"github.com/avessner/conductor/internal/logging"
	"github.com/avessner/conductor/internal/persistence"
	"github.com/avessner/conductor/internal/scheduler"
	"github.com/avessner/conductor/internal/workspace"
	"github.com/avessner/conductor/task"
)

// ErrPlanMismatch is returned by Submit when persisted state belongs to a
// different plan. The caller must finish or clear the old state first.
var ErrPlanMismatch = errors.New("submitted plan does not match persisted state")

// Config carries everything an orchestrator needs to run plans.
type Config struct {
	// ProjectRoot is the shared tree tasks operate on. Required.
	ProjectRoot string

	// StateDir holds the snapshot and the commit ledger. Defaults to
	// {ProjectRoot}/.conductor.
	StateDir string

	// WorkspaceDir is where per-task tree copies are staged, relative to
	// ProjectRoot. Defaults to ".workspaces".
	WorkspaceDir string

	// Concurrency caps simultaneously running tasks. Defaults to 3.
	Concurrency int

	// TaskTimeout bounds each executor invocation. Zero means no limit.
	TaskTimeout time.Duration

	// Retry bounds the schedule for retrying failed executor invocations.
	// The zero value selects DefaultRetryConfig.
	Retry RetryConfig

	// LogLevel sets the verbosity of the run log written under
	// {StateDir}/logs: debug, info, warn or error. Defaults to info.
	LogLevel string

	// Workers maps worker roles to the commands that serve them. Every
	// entry is registered as a command executor on construction;
	// RegisterExecutor overrides individual roles afterwards.
	Workers map[string]WorkerCommand
}

// WorkerCommand names the program serving a worker role. It runs once per
// task attempt with the task's workspace as its working directory.
type WorkerCommand struct {
	Command string
	Args    []string
}

// LoadConfig resolves layered configuration for a project: built-in
// defaults, then the global file under the XDG config home, then the
// project's own .conductor/config.json. The result can be adjusted before
// handing it to New.
func LoadConfig(projectRoot string) (Config, error) {
	fc, err := config.LoadForProject(projectRoot)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		ProjectRoot:  projectRoot,
		StateDir:     fc.StateDir,
		WorkspaceDir: fc.WorkspaceDir,
		Concurrency:  fc.Concurrency,
		TaskTimeout:  fc.TaskTimeout(),
		LogLevel:     fc.LogLevel,
	}
	if len(fc.Workers) > 0 {
		cfg.Workers = make(map[string]WorkerCommand, len(fc.Workers))
		for role, w := range fc.Workers {
			cfg.Workers[role] = WorkerCommand{Command: w.Command, Args: w.Args}
		}
	}
	return cfg, nil
}

// Orchestrator owns one plan and the durable state behind it. All exported
// methods are safe for concurrent use; at most one run is active at a time.
type Orchestrator struct {
	config     Config
	logger     *logging.Logger
	bus        *events.EventBus
	registry   *executor.Registry
	procs      *executor.ProcessManager
	snapshot   *persistence.Snapshot
	ledger     *persistence.Ledger
	workspaces *workspace.Manager
	locks      *scheduler.LockTable
	breakers   *breakerRegistry

	mu       sync.Mutex
	graph    *scheduler.Graph
	planHash uint64
	nextSeq  int
	running  bool
	closed   bool
}

// New opens the orchestrator's durable state under cfg.StateDir. If a
// snapshot from an interrupted run exists, the plan is restored from it:
// ready tasks return to pending, and tasks left running are settled against
// the ledger, completed when their commit landed, failed retriable when not.
func New(ctx context.Context, cfg Config) (*Orchestrator, error) {
	if cfg.ProjectRoot == "" {
		return nil, errors.New("project root is required")
	}
	info, err := os.Stat(cfg.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("project root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project root %s is not a directory", cfg.ProjectRoot)
	}

	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Join(cfg.ProjectRoot, ".conductor")
	}
	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = ".workspaces"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}

	logger, err := logging.NewLogger(filepath.Join(cfg.StateDir, "logs"), cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	ledger, err := persistence.OpenLedger(ctx, filepath.Join(cfg.StateDir, "ledger.db"))
	if err != nil {
		logger.Close()
		return nil, err
	}

	// Workspace copies must not recurse into the orchestrator's own state
	// when the state directory lives inside the project tree.
	var skip []string
	if rel, err := filepath.Rel(cfg.ProjectRoot, cfg.StateDir); err == nil && filepath.IsLocal(rel) {
		skip = append(skip, rel)
	}

	o := &Orchestrator{
		config:   cfg,
		logger:   logger,
		bus:      events.NewEventBus(),
		registry: executor.NewRegistry(),
		procs:    executor.NewProcessManager(),
		snapshot: persistence.NewSnapshot(filepath.Join(cfg.StateDir, "state.json")),
		ledger:   ledger,
		workspaces: workspace.NewManager(workspace.Config{
			ProjectRoot:  cfg.ProjectRoot,
			WorkspaceDir: cfg.WorkspaceDir,
			Skip:         skip,
		}, ledger),
		locks:    scheduler.NewLockTable(),
		breakers: newBreakerRegistry(logger.WithComponent("breaker")),
	}

	for role, wc := range cfg.Workers {
		ex, err := executor.NewCommandExecutor(executor.CommandConfig{
			Command: wc.Command,
			Args:    wc.Args,
		}, o.procs)
		if err != nil {
			o.teardown()
			return nil, fmt.Errorf("worker role %q: %w", role, err)
		}
		o.registry.Register(role, ex)
	}

	doc, err := o.snapshot.Load()
	if err != nil {
		o.teardown()
		return nil, err
	}
	if len(doc.Tasks) > 0 {
		if err := o.restore(ctx, doc); err != nil {
			o.teardown()
			return nil, err
		}
	}
	return o, nil
}

func (o *Orchestrator) teardown() {
	o.ledger.Close()
	o.logger.Close()
}

// restore rebuilds the in-memory plan from a snapshot, normalizing statuses
// an interrupted run left behind.
func (o *Orchestrator) restore(ctx context.Context, doc *persistence.Document) error {
	recovered := 0
	for _, t := range doc.Tasks {
		if t.Seq >= o.nextSeq {
			o.nextSeq = t.Seq + 1
		}
		switch t.Status {
		case task.StatusReady:
			t.Status = task.StatusPending
			recovered++
		case task.StatusRunning:
			committed, err := o.ledger.HasCommitFor(ctx, t.ID)
			if err != nil {
				return fmt.Errorf("checking ledger for task %q: %w", t.ID, err)
			}
			if committed {
				// The commit landed before the crash; only the record
				// is behind.
				t.Status = task.StatusCompleted
			} else {
				t.Status = task.StatusFailed
				t.Error = "interrupted before completion"
				t.Retriable = true
			}
			t.CompletedAt = time.Now().UTC()
			recovered++
		}
	}

	graph, err := scheduler.FromTasks(doc.Tasks)
	if err != nil {
		return fmt.Errorf("rebuilding plan from snapshot: %w", err)
	}
	o.graph = graph
	o.planHash = doc.PlanHash

	if recovered > 0 {
		if err := o.snapshot.Save(o.planHash, graph.Tasks()); err != nil {
			return err
		}
		o.logger.Info("recovered interrupted run", "tasks", recovered)
	}
	return nil
}

// RegisterExecutor binds a worker role to an executor implementation. Every
// role named by the plan must be bound before Run.
func (o *Orchestrator) RegisterExecutor(role string, ex executor.Executor) {
	o.registry.Register(role, ex)
}

// Events exposes the lifecycle event bus for progress displays and log
// sinks. Subscribe before calling Run.
func (o *Orchestrator) Events() *events.EventBus {
	return o.bus
}

// Submit installs a plan. Specs are validated as a set: duplicate ids,
// references to unknown tasks and dependency cycles are configuration
// errors, reported before any task runs. Submitting the identical plan over
// persisted state is a resume and leaves recorded progress untouched;
// submitting a different plan returns ErrPlanMismatch.
func (o *Orchestrator) Submit(specs []task.Spec) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errors.New("orchestrator is closed")
	}
	if o.running {
		return errors.New("plan cannot change while a run is active")
	}
	if len(specs) == 0 {
		return errors.New("empty plan")
	}

	for _, s := range specs {
		if err := s.Validate(); err != nil {
			return err
		}
	}

	hash, err := persistence.PlanHash(specs)
	if err != nil {
		return err
	}

	if o.graph != nil && o.graph.Len() > 0 {
		if hash != o.planHash {
			return fmt.Errorf("%w: %d tasks already recorded", ErrPlanMismatch, o.graph.Len())
		}
		o.logger.Info("plan already recorded, resuming", "tasks", o.graph.Len())
		return nil
	}

	now := time.Now().UTC()
	tasks := make([]*task.Task, len(specs))
	for i, s := range specs {
		tasks[i] = task.New(s, i, now)
	}
	graph, err := scheduler.FromTasks(tasks)
	if err != nil {
		return err
	}
	if _, err := graph.Validate(); err != nil {
		return err
	}

	o.graph = graph
	o.planHash = hash
	o.nextSeq = len(specs)
	if err := o.snapshot.Save(hash, graph.Tasks()); err != nil {
		return err
	}
	o.logger.Info("plan submitted", "tasks", len(specs))
	return nil
}

// Split replaces a failed task with replacement sub-tasks, which re-enter
// the pending pool. Replacements without dependencies inherit the failed
// task's; its dependents are re-parented onto every replacement. An empty
// replacement list waives the task, unblocking dependents.
func (o *Orchestrator) Split(id string, replacements []task.Spec) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errors.New("orchestrator is closed")
	}
	if o.graph == nil || o.graph.Len() == 0 {
		return errors.New("no plan submitted")
	}

	now := time.Now().UTC()
	ids := make([]string, len(replacements))
	subs := make([]*task.Task, len(replacements))
	for i, s := range replacements {
		if err := s.Validate(); err != nil {
			return err
		}
		subs[i] = task.New(s, o.nextSeq+i, now)
		ids[i] = s.ID
	}

	if err := o.graph.Split(id, subs); err != nil {
		return err
	}
	o.nextSeq += len(replacements)

	if err := o.snapshot.Save(o.planHash, o.graph.Tasks()); err != nil {
		return err
	}
	o.logger.Info("task split", "task_id", id, "replacements", len(replacements))
	o.bus.Publish(events.TaskSplitEvent{ID: id, Replacements: ids, Timestamp: now})
	return nil
}

// Retry returns a retriably failed task to the pending pool. An active run
// picks it up on its next scheduling pass; otherwise the next run does.
func (o *Orchestrator) Retry(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errors.New("orchestrator is closed")
	}
	if o.graph == nil || o.graph.Len() == 0 {
		return errors.New("no plan submitted")
	}

	t, ok := o.graph.Get(id)
	if !ok {
		return fmt.Errorf("task %q not found", id)
	}
	if t.Status == task.StatusFailed && !t.Retriable {
		return fmt.Errorf("task %q failed terminally: %s", id, t.Error)
	}
	if err := o.graph.Reset(id); err != nil {
		return err
	}
	if err := o.snapshot.Save(o.planHash, o.graph.Tasks()); err != nil {
		return err
	}
	o.logger.Info("task reset for retry", "task_id", id)
	return nil
}

// TaskView is one row of a status report.
type TaskView struct {
	ID               string
	Description      string
	WorkerRole       string
	Status           task.Status
	Blocked          bool
	Error            string
	Retriable        bool
	ChangedResources []string
}

// PlanStatus summarizes every task in the plan, rows in creation order.
// Blocked counts pending tasks downstream of a failure; they are excluded
// from Pending.
type PlanStatus struct {
	Total     int
	Completed int
	Running   int
	Pending   int
	Failed    int
	Blocked   int
	Split     int
	Tasks     []TaskView
}

// Status reports the current state of the plan.
func (o *Orchestrator) Status() PlanStatus {
	o.mu.Lock()
	graph := o.graph
	o.mu.Unlock()
	if graph == nil {
		return PlanStatus{}
	}

	blocked := make(map[string]bool)
	for _, id := range graph.Blocked() {
		blocked[id] = true
	}

	var st PlanStatus
	for _, t := range graph.Tasks() {
		st.Total++
		view := TaskView{
			ID:               t.ID,
			Description:      t.Description,
			WorkerRole:       t.WorkerRole,
			Status:           t.Status,
			Blocked:          blocked[t.ID],
			Error:            t.Error,
			Retriable:        t.Retriable,
			ChangedResources: t.ChangedResources,
		}
		st.Tasks = append(st.Tasks, view)
		switch t.Status {
		case task.StatusCompleted:
			st.Completed++
		case task.StatusRunning:
			st.Running++
		case task.StatusFailed:
			st.Failed++
		case task.StatusSplit:
			st.Split++
		default:
			if view.Blocked {
				st.Blocked++
			} else {
				st.Pending++
			}
		}
	}
	return st
}

// Close kills any leftover worker processes and releases the ledger, the
// event bus and the run log. The orchestrator is unusable afterwards.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	if o.running {
		return errors.New("cannot close while a run is active")
	}
	o.closed = true
	o.bus.Close()
	if err := o.procs.KillAll(); err != nil {
		o.logger.Warn("killing leftover workers", "error", err)
	}
	err := o.ledger.Close()
	if lerr := o.logger.Close(); err == nil {
		err = lerr
	}
	return err
}
