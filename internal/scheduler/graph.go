// Package scheduler holds the dependency graph and the resource lock table
// that together decide which tasks may run, and in what order.
package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/toposort"

	"github.com/avessner/conductor/task"
)

// CycleError reports a dependency cycle. Cycle holds every task id on the
// cycle in dependency order.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	if len(e.Cycle) == 0 {
		return "dependency cycle"
	}
	// Close the loop in the rendering: A -> B -> A.
	return "dependency cycle: " + strings.Join(e.Cycle, " -> ") + " -> " + e.Cycle[0]
}

// Graph is the directed dependency graph over a plan's tasks. It owns the
// in-memory task records; the orchestrator drives every status transition
// through it and persists snapshots of Tasks() after each one.
type Graph struct {
	mu         sync.RWMutex
	tasks      map[string]*task.Task
	dependents map[string][]string // task id -> ids that depend on it
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		tasks:      make(map[string]*task.Task),
		dependents: make(map[string][]string),
	}
}

// FromTasks builds a graph from existing records, e.g. a reloaded snapshot.
func FromTasks(tasks []*task.Task) (*Graph, error) {
	g := NewGraph()
	for _, t := range tasks {
		if err := g.Add(t); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Add inserts a task. The id must be unique within the graph.
func (g *Graph) Add(t *task.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addLocked(t)
}

func (g *Graph) addLocked(t *task.Task) error {
	if _, exists := g.tasks[t.ID]; exists {
		return fmt.Errorf("duplicate task id %q", t.ID)
	}
	g.tasks[t.ID] = t
	for _, dep := range t.DependsOn {
		g.dependents[dep] = append(g.dependents[dep], t.ID)
	}
	return nil
}

// Validate checks the graph is well formed and returns a deterministic
// topological order. Unknown dependency ids and cycles are configuration
// errors; a cycle is reported as *CycleError naming the exact cycle. Nothing
// may be dispatched from a graph that has not validated.
func (g *Graph) Validate() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ordered, err := g.validateLocked()
	if err != nil {
		return nil, err
	}

	// Deterministic order for status output and logs. Roots get a nil
	// predecessor edge so isolated tasks are not lost from the sort.
	var edges []toposort.Edge
	for _, id := range ordered {
		t := g.tasks[id]
		if len(t.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, dep := range t.DependsOn {
			edges = append(edges, toposort.Edge{dep, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		// The traversal above already rejected cycles.
		return nil, fmt.Errorf("topological order: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != len(g.tasks) {
		return nil, fmt.Errorf("topological order lost %d of %d tasks", len(g.tasks)-len(order), len(g.tasks))
	}
	return order, nil
}

// Colors for the cycle-finding traversal.
const (
	white = iota // unvisited
	gray         // on the current traversal path
	black        // fully explored
)

// findCycleLocked runs a three-color depth-first traversal along dependency
// edges. Reaching a gray node again means the traversal path loops; the
// cycle is reconstructed from the parent chain. Start nodes are visited in
// creation order so the reported cycle is stable across runs.
func (g *Graph) findCycleLocked(ordered []string) []string {
	color := make(map[string]int, len(g.tasks))
	parent := make(map[string]string, len(g.tasks))

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		for _, dep := range g.tasks[id].DependsOn {
			switch color[dep] {
			case white:
				parent[dep] = id
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			case gray:
				// Walk back from id to dep along the parent chain.
				cycle := []string{dep}
				for n := id; n != dep; n = parent[n] {
					cycle = append(cycle, n)
				}
				// Parent-chain walk yields reverse dependency order;
				// flip so the cycle reads "A -> B" as "A depends on B".
				for i, j := 1, len(cycle)-1; i < j; i, j = i+1, j-1 {
					cycle[i], cycle[j] = cycle[j], cycle[i]
				}
				return cycle
			}
		}
		color[id] = black
		return nil
	}

	for _, id := range ordered {
		if color[id] == white {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// ReadyLayer returns every pending task whose dependencies are all completed,
// in creation order, and marks them ready. Tasks within one layer are
// mutually independent by construction.
func (g *Graph) ReadyLayer() []*task.Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ready []*task.Task
	for _, t := range g.tasks {
		if t.Status != task.StatusPending {
			continue
		}
		if !g.depsCompletedLocked(t) {
			continue
		}
		ready = append(ready, t)
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].Seq < ready[j].Seq })

	out := make([]*task.Task, len(ready))
	for i, t := range ready {
		t.Status = task.StatusReady
		out[i] = t.Clone()
	}
	return out
}

func (g *Graph) depsCompletedLocked(t *task.Task) bool {
	for _, dep := range t.DependsOn {
		d, exists := g.tasks[dep]
		if !exists || d.Status != task.StatusCompleted {
			return false
		}
	}
	return true
}

// Blocked returns pending or ready tasks downstream of a failed task, in
// creation order. These can never run unless the failure is resubmitted.
func (g *Graph) Blocked() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	queue := make([]string, 0, len(g.tasks))
	for _, t := range g.tasks {
		if t.Status == task.StatusFailed {
			queue = append(queue, t.ID)
		}
	}

	reached := make(map[string]bool)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range g.dependents[id] {
			if !reached[dep] {
				reached[dep] = true
				queue = append(queue, dep)
			}
		}
	}

	var blocked []*task.Task
	for id := range reached {
		t := g.tasks[id]
		if t.Status == task.StatusPending || t.Status == task.StatusReady {
			blocked = append(blocked, t)
		}
	}
	sort.Slice(blocked, func(i, j int) bool { return blocked[i].Seq < blocked[j].Seq })

	ids := make([]string, len(blocked))
	for i, t := range blocked {
		ids[i] = t.ID
	}
	return ids
}

// MarkPending returns a ready task to the pending pool, the deferral path
// for lock conflicts and the normalization path on reload.
func (g *Graph) MarkPending(id string) error {
	return g.transition(id, func(t *task.Task) {
		t.Status = task.StatusPending
	})
}

// MarkRunning transitions a task to running and stamps its start time.
func (g *Graph) MarkRunning(id string) error {
	return g.transition(id, func(t *task.Task) {
		t.Status = task.StatusRunning
		t.StartedAt = time.Now().UTC()
	})
}

// MarkCompleted records success and the executor-reported change set.
func (g *Graph) MarkCompleted(id string, changed []string) error {
	return g.transition(id, func(t *task.Task) {
		t.Status = task.StatusCompleted
		t.ChangedResources = append([]string(nil), changed...)
		t.Error = ""
		t.Retriable = false
		t.CompletedAt = time.Now().UTC()
	})
}

// MarkFailed records a failure. Retriable failures (reconcile conflicts,
// interrupted attempts) may be resubmitted against a fresh workspace.
func (g *Graph) MarkFailed(id, msg string, retriable bool) error {
	return g.transition(id, func(t *task.Task) {
		t.Status = task.StatusFailed
		t.Error = msg
		t.Retriable = retriable
		t.CompletedAt = time.Now().UTC()
	})
}

// Reset returns a failed task to the pending pool for another attempt,
// clearing the recorded failure. Completed work is never reset.
func (g *Graph) Reset(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, exists := g.tasks[id]
	if !exists {
		return fmt.Errorf("task %q not found", id)
	}
	if t.Status != task.StatusFailed {
		return fmt.Errorf("task %q is %s, only failed tasks can be reset", id, t.Status)
	}
	t.Status = task.StatusPending
	t.Error = ""
	t.Retriable = false
	t.StartedAt = time.Time{}
	t.CompletedAt = time.Time{}
	return nil
}

func (g *Graph) transition(id string, apply func(*task.Task)) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, exists := g.tasks[id]
	if !exists {
		return fmt.Errorf("task %q not found", id)
	}
	apply(t)
	return nil
}

// Split atomically replaces a failed task with its resubmitted sub-tasks.
// Replacements that declare no dependencies inherit the failed task's;
// direct dependents are re-parented onto every replacement. An empty
// replacement list waives the task: dependents drop the edge and unblock.
// The expanded graph is validated first, so a cycle or duplicate id leaves
// the graph untouched.
func (g *Graph) Split(id string, replacements []*task.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	failed, exists := g.tasks[id]
	if !exists {
		return fmt.Errorf("task %q not found", id)
	}
	if failed.Status != task.StatusFailed {
		return fmt.Errorf("task %q is %s, only failed tasks can be split", id, failed.Status)
	}

	replacementIDs := make([]string, len(replacements))
	for i, r := range replacements {
		replacementIDs[i] = r.ID
	}

	// Build the candidate task set on clones, then validate it before
	// adopting anything.
	candidate := NewGraph()
	for _, t := range g.tasks {
		cp := t.Clone()
		if cp.Status == task.StatusPending || cp.Status == task.StatusReady {
			cp.DependsOn = reparent(cp.DependsOn, id, replacementIDs)
		}
		if cp.ID == id {
			cp.Status = task.StatusSplit
		}
		if err := candidate.addLocked(cp); err != nil {
			return err
		}
	}
	for _, r := range replacements {
		cp := r.Clone()
		if len(cp.DependsOn) == 0 {
			cp.DependsOn = append([]string(nil), failed.DependsOn...)
		}
		if err := candidate.addLocked(cp); err != nil {
			return err
		}
	}
	if _, err := candidate.validateLocked(); err != nil {
		return fmt.Errorf("split of task %q: %w", id, err)
	}

	g.tasks = candidate.tasks
	g.dependents = candidate.dependents
	return nil
}

// validateLocked mirrors Validate without acquiring the mutex, for graphs
// still private to their builder.
func (g *Graph) validateLocked() ([]string, error) {
	ordered := g.idsBySeqLocked()
	for _, id := range ordered {
		for _, dep := range g.tasks[id].DependsOn {
			if _, exists := g.tasks[dep]; !exists {
				return nil, fmt.Errorf("task %q depends on unknown task %q", id, dep)
			}
		}
	}
	if cycle := g.findCycleLocked(ordered); cycle != nil {
		return nil, &CycleError{Cycle: cycle}
	}
	return ordered, nil
}

// reparent substitutes old with subs in deps, preserving order and skipping
// ids already present.
func reparent(deps []string, old string, subs []string) []string {
	out := make([]string, 0, len(deps)+len(subs))
	present := make(map[string]bool, len(deps))
	replaced := false
	for _, dep := range deps {
		if dep == old {
			replaced = true
			continue
		}
		present[dep] = true
		out = append(out, dep)
	}
	if replaced {
		for _, sub := range subs {
			if !present[sub] {
				out = append(out, sub)
			}
		}
	}
	return out
}

// Get returns a copy of the task, if present.
func (g *Graph) Get(id string) (*task.Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	t, exists := g.tasks[id]
	if !exists {
		return nil, false
	}
	return t.Clone(), true
}

// Tasks returns copies of every task in creation order.
func (g *Graph) Tasks() []*task.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*task.Task, 0, len(g.tasks))
	for _, id := range g.idsBySeqLocked() {
		out = append(out, g.tasks[id].Clone())
	}
	return out
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

func (g *Graph) idsBySeqLocked() []string {
	ids := make([]string, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return g.tasks[ids[i]].Seq < g.tasks[ids[j]].Seq })
	return ids
}
