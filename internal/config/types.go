package config

import "time"

// WorkerConfig defines the command that carries out tasks for one worker
// role. Roles are referenced by task declarations; several roles may run the
// same binary with different arguments.
type WorkerConfig struct {
	Command string   `json:"command"`        // Worker binary name
	Args    []string `json:"args,omitempty"` // Fixed arguments passed on every attempt
}

// ConductorConfig is the top-level configuration.
type ConductorConfig struct {
	Concurrency        int                     `json:"concurrency"`          // Max tasks running at once
	TaskTimeoutSeconds int                     `json:"task_timeout_seconds"` // Per-attempt executor deadline, 0 means none
	StateDir           string                  `json:"state_dir"`            // Snapshot and ledger location; empty means {project}/.conductor
	WorkspaceDir       string                  `json:"workspace_dir"`        // Isolated copies, relative to the project root
	LogLevel           string                  `json:"log_level"`            // Run log verbosity: debug, info, warn, error
	Workers            map[string]WorkerConfig `json:"workers"`              // Worker role -> command
}

// TaskTimeout returns the per-attempt deadline as a duration.
func (c *ConductorConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}
