package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// LockConflictError reports the first resource (in canonical order) that an
// acquisition attempt found held by another task.
type LockConflictError struct {
	Resource string
	Holder   string
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("resource %q is held by task %q", e.Resource, e.Holder)
}

type claim struct {
	holder string
	since  time.Time
}

// LockTable grants exclusive claims on named resources to running tasks.
// Acquisition is all-or-nothing: a task either claims its whole declared set
// or nothing. Requests are evaluated in canonical (sorted) order under a
// single table mutex, so conflicts are reported deterministically and a
// claimant never waits while holding, ruling out circular waits.
type LockTable struct {
	mu     sync.Mutex
	claims map[string]claim    // resource -> current holder
	held   map[string][]string // task id -> resources it holds, sorted
}

// NewLockTable creates an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{
		claims: make(map[string]claim),
		held:   make(map[string][]string),
	}
}

// Acquire claims every resource for taskID, or nothing. Duplicate entries in
// the request collapse; resources the task already holds count as claimed.
// On conflict the table is left untouched and a *LockConflictError names the
// blocking resource and its holder.
func (lt *LockTable) Acquire(taskID string, resources []string) error {
	if len(resources) == 0 {
		return nil
	}

	canonical := dedupeSorted(resources)

	lt.mu.Lock()
	defer lt.mu.Unlock()

	for _, res := range canonical {
		if c, taken := lt.claims[res]; taken && c.holder != taskID {
			return &LockConflictError{Resource: res, Holder: c.holder}
		}
	}

	now := time.Now().UTC()
	for _, res := range canonical {
		if _, taken := lt.claims[res]; taken {
			continue
		}
		lt.claims[res] = claim{holder: taskID, since: now}
		lt.held[taskID] = append(lt.held[taskID], res)
	}
	sort.Strings(lt.held[taskID])
	return nil
}

// Release frees every resource held by taskID. Idempotent: failure and
// cleanup paths may call it more than once.
func (lt *LockTable) Release(taskID string) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	for _, res := range lt.held[taskID] {
		if c, taken := lt.claims[res]; taken && c.holder == taskID {
			delete(lt.claims, res)
		}
	}
	delete(lt.held, taskID)
}

// Holder reports who holds a resource and since when.
func (lt *LockTable) Holder(resource string) (string, time.Time, bool) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	c, taken := lt.claims[resource]
	if !taken {
		return "", time.Time{}, false
	}
	return c.holder, c.since, true
}

// Held returns the resources currently claimed by taskID, in canonical order.
func (lt *LockTable) Held(taskID string) []string {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return append([]string(nil), lt.held[taskID]...)
}

func dedupeSorted(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)

	n := 0
	for i, s := range out {
		if i == 0 || s != out[i-1] {
			out[n] = s
			n++
		}
	}
	return out[:n]
}
