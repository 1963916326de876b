package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Publisher is the commit authority the manager reconciles against.
// *persistence.Ledger satisfies it.
type Publisher interface {
	Head(ctx context.Context) (int64, error)
	StalePaths(ctx context.Context, paths []string, since int64) ([]string, error)
	Append(ctx context.Context, taskID, message string, paths []string) (int64, error)
}

// Manager materializes isolated per-task copies of the shared tree and
// reconciles their changes back into it.
type Manager struct {
	config Config
	pub    Publisher
	treeMu sync.Mutex // Serializes shared-tree access so every copy matches its recorded revision
}

// NewManager creates a new workspace manager
func NewManager(cfg Config, pub Publisher) *Manager {
	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = ".workspaces"
	}
	return &Manager{config: cfg, pub: pub}
}

// Create materializes an isolated copy of the shared tree for the given task
// ID and records the ledger head revision the copy corresponds to.
func (m *Manager) Create(ctx context.Context, taskID string) (*Workspace, error) {
	root := filepath.Join(m.workspaceRoot(), taskID)
	if _, err := os.Stat(root); err == nil {
		return nil, fmt.Errorf("workspace for task %q already exists at %s", taskID, root)
	}

	m.treeMu.Lock()
	defer m.treeMu.Unlock()

	// Head read and copy happen under the same lock, so the copy is exactly
	// the tree at the recorded revision.
	head, err := m.pub.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read head revision: %w", err)
	}
	if err := m.copyTree(m.config.ProjectRoot, root); err != nil {
		os.RemoveAll(root)
		return nil, fmt.Errorf("failed to copy shared tree: %w", err)
	}

	return &Workspace{
		TaskID:       taskID,
		Root:         root,
		BaseRevision: head,
		State:        StateCreated,
	}, nil
}

// Reconcile merges the declared changed paths from the workspace back into
// the shared tree and publishes one commit covering them. If any changed path
// was committed by another task after the workspace's base revision, nothing
// is applied and the result carries the conflicting paths. Check, apply and
// publish form one critical section, so reconciles never interleave.
func (m *Manager) Reconcile(ctx context.Context, ws *Workspace, changedPaths []string, message string) (*ReconcileResult, error) {
	if ws.State != StateCreated {
		return nil, fmt.Errorf("workspace for task %q is %s, want %s", ws.TaskID, ws.State, StateCreated)
	}

	paths := canonical(changedPaths)
	for _, rel := range paths {
		if !filepath.IsLocal(rel) {
			return nil, fmt.Errorf("changed path %q escapes the workspace", rel)
		}
	}

	if len(paths) == 0 {
		// Nothing changed, nothing to publish.
		ws.State = StateReconciled
		return &ReconcileResult{Applied: true, Revision: ws.BaseRevision}, nil
	}

	ws.State = StateMerging
	m.treeMu.Lock()
	defer m.treeMu.Unlock()

	stale, err := m.pub.StalePaths(ctx, paths, ws.BaseRevision)
	if err != nil {
		return nil, fmt.Errorf("failed to check for stale paths: %w", err)
	}
	if len(stale) > 0 {
		return &ReconcileResult{Applied: false, Conflicts: stale}, nil
	}

	for _, rel := range paths {
		if err := m.applyPath(ws.Root, rel); err != nil {
			return nil, fmt.Errorf("failed to apply %s: %w", rel, err)
		}
	}

	rev, err := m.pub.Append(ctx, ws.TaskID, message, paths)
	if err != nil {
		return nil, fmt.Errorf("failed to publish commit: %w", err)
	}

	ws.State = StateReconciled
	return &ReconcileResult{Applied: true, Revision: rev}, nil
}

// Discard deletes the workspace's isolated copy. Safe on both the success
// and failure paths, and safe to call more than once.
func (m *Manager) Discard(ws *Workspace) error {
	if ws.Root == "" {
		return nil
	}
	if err := os.RemoveAll(ws.Root); err != nil {
		return fmt.Errorf("failed to remove workspace %s: %w", ws.Root, err)
	}
	ws.State = StateDiscarded
	return nil
}

// Sweep removes workspace directories left behind by a previous run. Task IDs
// in active keep their directories.
func (m *Manager) Sweep(active []string) error {
	keep := make(map[string]bool, len(active))
	for _, id := range active {
		keep[id] = true
	}

	entries, err := os.ReadDir(m.workspaceRoot())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to list workspaces: %w", err)
	}

	var errs []string
	for _, e := range entries {
		if !e.IsDir() || keep[e.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.workspaceRoot(), e.Name())); err != nil {
			errs = append(errs, fmt.Sprintf("remove %s: %v", e.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("sweep errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// List returns the task IDs that currently have a workspace directory
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.workspaceRoot())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func (m *Manager) workspaceRoot() string {
	return filepath.Join(m.config.ProjectRoot, m.config.WorkspaceDir)
}

// copyTree copies the shared tree into dst, skipping the workspace root
// itself and any configured skip paths.
func (m *Manager) copyTree(src, dst string) error {
	skip := map[string]bool{m.workspaceRoot(): true}
	for _, s := range m.config.Skip {
		skip[filepath.Join(src, s)] = true
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if skip[path] {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case d.Type().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			// Sockets, devices and symlinks are not part of the shared tree.
			return nil
		}
	})
}

// applyPath copies one changed path from the workspace into the shared tree.
// A path absent in the workspace is a deletion.
func (m *Manager) applyPath(wsRoot, rel string) error {
	src := filepath.Join(wsRoot, rel)
	dst := filepath.Join(m.config.ProjectRoot, rel)

	info, err := os.Stat(src)
	if errors.Is(err, fs.ErrNotExist) {
		return os.RemoveAll(dst)
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return os.MkdirAll(dst, info.Mode().Perm())
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return copyFile(src, dst, info.Mode().Perm())
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// canonical cleans, dedupes and sorts a changed-path list
func canonical(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = filepath.Clean(p)
		if p == "." || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
