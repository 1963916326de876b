package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/avessner/conductor/executor"
	"github.com/avessner/conductor/internal/events"
	"github.com/avessner/conductor/internal/logging"
	"github.com/avessner/conductor/internal/persistence"
	"github.com/avessner/conductor/internal/scheduler"
	"github.com/avessner/conductor/internal/workspace"
	"github.com/avessner/conductor/task"
)

// Summary is the terminal report of one run.
type Summary struct {
	RunID     string
	Total     int
	Completed int
	Failed    int
	Blocked   int
	Split     int
	Pending   int
	Outcome   string
	Elapsed   time.Duration
}

// Run executes the submitted plan until quiescence: no task pending, ready
// or running that could still make progress. A configuration error (invalid
// graph, unbound worker role) aborts before any dispatch and is the only
// error Run returns; task failures are recorded per task and reflected in
// the summary. Cancelling ctx stops dispatching, drains in-flight attempts
// and marks them failed retriable, leaving persisted state consistent for a
// later resume.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	o.mu.Lock()
	switch {
	case o.closed:
		o.mu.Unlock()
		return Summary{}, errors.New("orchestrator is closed")
	case o.running:
		o.mu.Unlock()
		return Summary{}, errors.New("a run is already active")
	case o.graph == nil || o.graph.Len() == 0:
		o.mu.Unlock()
		return Summary{}, errors.New("no plan submitted")
	}
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	if err := o.checkPlan(); err != nil {
		return Summary{Outcome: "aborted: configuration error: " + err.Error()}, err
	}

	runID := uuid.NewString()
	logger := o.logger.WithRun(runID)

	if err := o.ledger.BeginRun(ctx, runID); err != nil {
		return Summary{}, err
	}

	// Nothing is running yet, so every leftover copy from an earlier run
	// is stale.
	if err := o.workspaces.Sweep(nil); err != nil {
		logger.Warn("workspace sweep failed", "kind", "workspace", "error", err)
	}

	start := time.Now()
	logger.Info("run started", "tasks", o.graph.Len(), "concurrency", o.config.Concurrency)
	o.bus.Publish(events.RunStartedEvent{RunID: runID, Total: o.graph.Len(), Timestamp: start.UTC()})

	o.runLoop(ctx, logger)

	summary := o.summarize(runID, time.Since(start))

	// The outcome row must land even when ctx is already cancelled.
	finishCtx := context.WithoutCancel(ctx)
	if err := o.ledger.FinishRun(finishCtx, runID, summary.Completed, summary.Failed, summary.Blocked, summary.Split, summary.Outcome); err != nil {
		logger.Warn("recording run outcome failed", "error", err)
	}

	logger.Info("run finished",
		"outcome", summary.Outcome,
		"completed", summary.Completed,
		"failed", summary.Failed,
		"blocked", summary.Blocked,
		"duration", summary.Elapsed)
	o.bus.Publish(events.RunFinishedEvent{
		RunID:     runID,
		Outcome:   summary.Outcome,
		Completed: summary.Completed,
		Failed:    summary.Failed,
		Blocked:   summary.Blocked,
		Split:     summary.Split,
		Timestamp: time.Now().UTC(),
	})
	return summary, nil
}

// checkPlan re-validates the graph and verifies every role the remaining
// tasks name has an executor bound.
func (o *Orchestrator) checkPlan() error {
	if _, err := o.graph.Validate(); err != nil {
		return err
	}

	missing := make(map[string]bool)
	for _, t := range o.graph.Tasks() {
		if t.Status.Terminal() {
			continue
		}
		if _, err := o.registry.Lookup(t.WorkerRole); err != nil {
			missing[t.WorkerRole] = true
		}
	}
	if len(missing) == 0 {
		return nil
	}

	roles := make([]string, 0, len(missing))
	for role := range missing {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return fmt.Errorf("no executor registered for worker roles: %s", strings.Join(roles, ", "))
}

// taskOutcome carries one finished attempt from its worker goroutine back
// to the scheduling loop.
type taskOutcome struct {
	id      string
	started time.Time

	wsErr   error           // workspace creation failed, worker never ran
	result  executor.Result // valid once execErr is nil
	execErr error           // invocation failed after retries
	rec     *workspace.ReconcileResult
	recErr  error
	message string // commit message used for the reconcile
}

// runLoop drives scheduling to quiescence. Every graph transition, lock
// operation and snapshot write happens on this goroutine; workers only copy
// trees, invoke executors and reconcile, reporting back over results.
func (o *Orchestrator) runLoop(ctx context.Context, logger *logging.Logger) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.Concurrency)

	results := make(chan taskOutcome, o.config.Concurrency)
	inFlight := 0

	for {
		dispatched := 0
		if gctx.Err() == nil {
			for _, t := range o.graph.ReadyLayer() {
				if inFlight+dispatched >= o.config.Concurrency {
					o.graph.MarkPending(t.ID)
					continue
				}
				if err := o.locks.Acquire(t.ID, t.Resources); err != nil {
					o.deferOnConflict(t.ID, err, logger)
					continue
				}
				o.dispatch(gctx, g, t, results, logger)
				dispatched++
			}
		}
		if dispatched > 0 {
			inFlight += dispatched
			o.persist(logger)
		}

		if inFlight == 0 {
			break
		}

		out := <-results
		inFlight--
		o.handleOutcome(gctx, out, logger)
	}

	g.Wait()
}

// deferOnConflict returns a ready task to pending. Overlap with a running
// holder is a timing issue, resolved on a later pass, not a failure.
func (o *Orchestrator) deferOnConflict(id string, err error, logger *logging.Logger) {
	o.graph.MarkPending(id)

	var conflict *scheduler.LockConflictError
	if !errors.As(err, &conflict) {
		logger.Warn("lock acquisition failed", "task_id", id, "error", err)
		return
	}
	logger.Debug("task deferred",
		"task_id", id,
		"resource", conflict.Resource,
		"holder", conflict.Holder)
	o.bus.Publish(events.TaskDeferredEvent{
		ID:        id,
		Resource:  conflict.Resource,
		Holder:    conflict.Holder,
		Timestamp: time.Now().UTC(),
	})
}

func (o *Orchestrator) dispatch(ctx context.Context, g *errgroup.Group, t *task.Task, results chan<- taskOutcome, logger *logging.Logger) {
	o.graph.MarkRunning(t.ID)
	logger.Info("task started", "task_id", t.ID, "role", t.WorkerRole)
	o.bus.Publish(events.TaskStartedEvent{ID: t.ID, WorkerRole: t.WorkerRole, Timestamp: time.Now().UTC()})

	g.Go(func() error {
		results <- o.attempt(ctx, t, logger.WithTask(t.ID))
		return nil
	})
}

// attempt runs one task end to end: isolated copy, executor invocation,
// reconcile. It owns the workspace lifecycle; the scheduling loop owns
// every graph and lock transition.
func (o *Orchestrator) attempt(ctx context.Context, t *task.Task, logger *logging.Logger) taskOutcome {
	out := taskOutcome{id: t.ID, started: time.Now()}

	ex, err := o.registry.Lookup(t.WorkerRole)
	if err != nil {
		out.execErr = err
		return out
	}

	ws, err := o.workspaces.Create(ctx, t.ID)
	if err != nil {
		out.wsErr = err
		return out
	}
	defer func() {
		if err := o.workspaces.Discard(ws); err != nil {
			logger.Warn("workspace discard failed", "kind", "workspace", "path", ws.Root, "error", err)
		}
	}()
	logger.Debug("workspace created", "path", ws.Root, "base_revision", ws.BaseRevision)

	req := executor.Request{
		TaskID:        t.ID,
		Description:   t.Description,
		WorkerRole:    t.WorkerRole,
		WorkspaceRoot: ws.Root,
		Timeout:       o.config.TaskTimeout,
	}
	out.result, out.execErr = executeWithRetry(ctx, ex, req, o.breakers.get(t.WorkerRole), o.config.Retry)
	if out.execErr != nil || !out.result.Success {
		return out
	}
	if len(out.result.ChangedResources) == 0 {
		return out
	}

	out.message = persistence.CommitMessage(t.ID, t.Description)
	out.rec, out.recErr = o.workspaces.Reconcile(ctx, ws, out.result.ChangedResources, out.message)
	return out
}

func (o *Orchestrator) handleOutcome(ctx context.Context, out taskOutcome, logger *logging.Logger) {
	o.locks.Release(out.id)
	elapsed := time.Since(out.started)
	cancelled := ctx.Err() != nil

	switch {
	case out.wsErr != nil:
		logger.Error("workspace creation failed", "task_id", out.id, "kind", "workspace", "error", out.wsErr)
		o.fail(out.id, "workspace: "+out.wsErr.Error(), cancelled, elapsed, logger)

	case out.execErr != nil:
		retriable := cancelled || errors.Is(out.execErr, context.Canceled)
		o.fail(out.id, out.execErr.Error(), retriable, elapsed, logger)

	case !out.result.Success:
		msg := out.result.ErrorMessage
		if msg == "" {
			msg = "worker reported failure"
		}
		o.fail(out.id, msg, false, elapsed, logger)

	case out.recErr != nil:
		logger.Error("reconcile failed", "task_id", out.id, "kind", "workspace", "error", out.recErr)
		o.fail(out.id, "reconcile: "+out.recErr.Error(), cancelled, elapsed, logger)

	case out.rec != nil && !out.rec.Applied:
		o.bus.Publish(events.TaskReconciledEvent{
			ID:        out.id,
			Applied:   false,
			Conflicts: out.rec.Conflicts,
			Timestamp: time.Now().UTC(),
		})
		o.fail(out.id, "stale base revision: "+strings.Join(out.rec.Conflicts, ", "), true, elapsed, logger)

	default:
		var revision int64
		if out.rec != nil {
			revision = out.rec.Revision
			now := time.Now().UTC()
			o.bus.Publish(events.TaskReconciledEvent{
				ID:        out.id,
				Applied:   true,
				Revision:  revision,
				Timestamp: now,
			})
			o.bus.Publish(events.CommitAppendedEvent{
				Revision:  revision,
				ID:        out.id,
				Message:   out.message,
				Paths:     out.result.ChangedResources,
				Timestamp: now,
			})
		}
		o.graph.MarkCompleted(out.id, out.result.ChangedResources)
		logger.Info("task completed",
			"task_id", out.id,
			"duration", elapsed,
			"changed", len(out.result.ChangedResources),
			"revision", revision)
		o.bus.Publish(events.TaskCompletedEvent{
			ID:        out.id,
			Revision:  revision,
			Duration:  elapsed,
			Timestamp: time.Now().UTC(),
		})
	}

	o.persist(logger)
	o.publishProgress()
}

func (o *Orchestrator) fail(id, msg string, retriable bool, elapsed time.Duration, logger *logging.Logger) {
	o.graph.MarkFailed(id, msg, retriable)
	logger.Warn("task failed", "task_id", id, "retriable", retriable, "error", msg)
	o.bus.Publish(events.TaskFailedEvent{
		ID:        id,
		Err:       errors.New(msg),
		Retriable: retriable,
		Duration:  elapsed,
		Timestamp: time.Now().UTC(),
	})
}

// persist snapshots the full task list. A failed save degrades resume
// fidelity but never stops the run.
func (o *Orchestrator) persist(logger *logging.Logger) {
	if err := o.snapshot.Save(o.planHash, o.graph.Tasks()); err != nil {
		logger.Error("snapshot save failed", "error", err)
	}
}

func (o *Orchestrator) publishProgress() {
	var p events.RunProgressEvent
	for _, t := range o.graph.Tasks() {
		p.Total++
		switch t.Status {
		case task.StatusCompleted:
			p.Completed++
		case task.StatusRunning:
			p.Running++
		case task.StatusFailed:
			p.Failed++
		case task.StatusPending, task.StatusReady:
			p.Pending++
		}
	}
	p.Timestamp = time.Now().UTC()
	o.bus.Publish(p)
}

func (o *Orchestrator) summarize(runID string, elapsed time.Duration) Summary {
	blocked := make(map[string]bool)
	for _, id := range o.graph.Blocked() {
		blocked[id] = true
	}

	s := Summary{RunID: runID, Elapsed: elapsed}
	for _, t := range o.graph.Tasks() {
		s.Total++
		switch t.Status {
		case task.StatusCompleted:
			s.Completed++
		case task.StatusFailed:
			s.Failed++
		case task.StatusSplit:
			s.Split++
		default:
			if blocked[t.ID] {
				s.Blocked++
			} else {
				s.Pending++
			}
		}
	}
	if s.Failed == 0 && s.Blocked == 0 && s.Pending == 0 {
		s.Outcome = "fully completed"
	} else {
		s.Outcome = fmt.Sprintf("completed with %d failed/blocked", s.Failed)
	}
	return s
}
