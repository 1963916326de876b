package config

// DefaultConfig returns the default configuration with built-in worker roles.
func DefaultConfig() *ConductorConfig {
	return &ConductorConfig{
		Concurrency:        3,
		TaskTimeoutSeconds: 600,
		WorkspaceDir:       ".workspaces",
		LogLevel:           "info",
		Workers: map[string]WorkerConfig{
			"builder": {
				Command: "conductor-worker",
				Args:    []string{"--role", "builder"},
			},
			"reviewer": {
				Command: "conductor-worker",
				Args:    []string{"--role", "reviewer"},
			},
			"tester": {
				Command: "conductor-worker",
				Args:    []string{"--role", "tester"},
			},
		},
	}
}
