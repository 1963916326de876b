package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Environment variables the command executor sets for the worker process.
const (
	EnvTaskID          = "CONDUCTOR_TASK_ID"
	EnvTaskDescription = "CONDUCTOR_TASK_DESCRIPTION"
	EnvWorkerRole      = "CONDUCTOR_WORKER_ROLE"
	EnvWorkspace       = "CONDUCTOR_WORKSPACE"
	EnvChangedFile     = "CONDUCTOR_CHANGED_FILE"
)

// CommandConfig configures a CommandExecutor.
type CommandConfig struct {
	Command string   // Worker binary
	Args    []string // Fixed arguments passed on every attempt
}

// CommandExecutor runs a configured worker command once per task attempt.
// The task is described to the worker through the CONDUCTOR_* environment
// variables and the workspace is its working directory. The worker reports
// the paths it changed by appending them, one per line, to the file named by
// CONDUCTOR_CHANGED_FILE, and signals failure with a non-zero exit.
type CommandExecutor struct {
	config  CommandConfig
	procMgr *ProcessManager
}

// NewCommandExecutor creates a command executor. The ProcessManager is
// optional; when present every worker subprocess is tracked so it can be
// killed on shutdown.
func NewCommandExecutor(cfg CommandConfig, procMgr *ProcessManager) (*CommandExecutor, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("worker command must not be empty")
	}
	return &CommandExecutor{config: cfg, procMgr: procMgr}, nil
}

// Execute runs the worker command inside the workspace.
func (e *CommandExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	manifest, err := os.CreateTemp("", "conductor-changed-*")
	if err != nil {
		return Result{}, fmt.Errorf("failed to create change manifest: %w", err)
	}
	manifestPath := manifest.Name()
	manifest.Close()
	defer os.Remove(manifestPath)

	cmd := newCommand(ctx, e.config.Command, e.config.Args...)
	cmd.Dir = req.WorkspaceRoot
	cmd.Env = append(os.Environ(),
		EnvTaskID+"="+req.TaskID,
		EnvTaskDescription+"="+req.Description,
		EnvWorkerRole+"="+req.WorkerRole,
		EnvWorkspace+"="+req.WorkspaceRoot,
		EnvChangedFile+"="+manifestPath,
	)

	_, stderr, err := executeCommand(cmd, e.procMgr)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("worker for task %s interrupted: %w", req.TaskID, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// The worker ran and failed. That is a result, not an
			// invocation error.
			return Result{Success: false, ErrorMessage: workerFailure(exitErr, stderr)}, nil
		}
		return Result{}, err
	}

	changed, err := readManifest(manifestPath, req.WorkspaceRoot)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read change manifest: %w", err)
	}
	return Result{Success: true, ChangedResources: changed}, nil
}

func workerFailure(exitErr *exec.ExitError, stderr []byte) string {
	msg := fmt.Sprintf("worker exited with code %d", exitErr.ExitCode())
	if s := strings.TrimSpace(string(stderr)); s != "" {
		msg += ": " + s
	}
	return msg
}

// readManifest parses the worker's changed-path report, one path per line.
// Absolute paths under the workspace root are rewritten relative to it.
func readManifest(path, workspaceRoot string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if filepath.IsAbs(line) {
			if rel, err := filepath.Rel(workspaceRoot, line); err == nil && filepath.IsLocal(rel) {
				line = rel
			}
		}
		paths = append(paths, line)
	}
	return paths, nil
}
