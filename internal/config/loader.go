package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config,
// defaults. Missing files are not errors; malformed JSON is.
func Load(globalPath, projectPath string) (*ConductorConfig, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// LoadForProject loads configuration for one project root from conventional
// paths.
// Global: $XDG_CONFIG_HOME/conductor/config.json
// Project: {root}/.conductor/config.json
func LoadForProject(root string) (*ConductorConfig, error) {
	globalPath := filepath.Join(xdg.ConfigHome, "conductor", "config.json")
	projectPath := filepath.Join(root, ".conductor", "config.json")
	return Load(globalPath, projectPath)
}

// mergeConfigFile reads a JSON config file and merges it into the base
// config. Scalars override when set; worker entries merge per role.
func mergeConfigFile(base *ConductorConfig, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // Missing file is not an error
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded ConductorConfig
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if loaded.Concurrency > 0 {
		base.Concurrency = loaded.Concurrency
	}
	if loaded.TaskTimeoutSeconds > 0 {
		base.TaskTimeoutSeconds = loaded.TaskTimeoutSeconds
	}
	if loaded.StateDir != "" {
		base.StateDir = loaded.StateDir
	}
	if loaded.WorkspaceDir != "" {
		base.WorkspaceDir = loaded.WorkspaceDir
	}
	if loaded.LogLevel != "" {
		base.LogLevel = loaded.LogLevel
	}
	for role, worker := range loaded.Workers {
		base.Workers[role] = worker
	}

	return nil
}
