package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, name string, cfg *ConductorConfig) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshaling config: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name              string
		globalConfig      *ConductorConfig
		projectConfig     *ConductorConfig
		expectConcurrency int
		expectWorkers     int
		checkWorker       string
		expectCommand     string
	}{
		{
			name:              "No config files - returns defaults",
			expectConcurrency: 3,
			expectWorkers:     3,
		},
		{
			name: "Global only - adds new worker role",
			globalConfig: &ConductorConfig{
				Workers: map[string]WorkerConfig{
					"doc-writer": {Command: "doc-worker"},
				},
			},
			expectConcurrency: 3,
			expectWorkers:     4, // 3 defaults + 1 new
			checkWorker:       "doc-writer",
			expectCommand:     "doc-worker",
		},
		{
			name: "Project only - overrides worker command",
			projectConfig: &ConductorConfig{
				Workers: map[string]WorkerConfig{
					"builder": {Command: "project-builder"},
				},
			},
			expectConcurrency: 3,
			expectWorkers:     3, // Same count, builder modified
			checkWorker:       "builder",
			expectCommand:     "project-builder",
		},
		{
			name: "Both with merge - global adds, project overrides",
			globalConfig: &ConductorConfig{
				Concurrency: 8,
				Workers: map[string]WorkerConfig{
					"doc-writer": {Command: "doc-worker"},
				},
			},
			projectConfig: &ConductorConfig{
				Workers: map[string]WorkerConfig{
					"builder": {Command: "project-builder"},
				},
			},
			expectConcurrency: 8,
			expectWorkers:     4,
			checkWorker:       "builder",
			expectCommand:     "project-builder",
		},
		{
			name: "Project overrides global scalar - project wins",
			globalConfig: &ConductorConfig{
				Concurrency: 8,
			},
			projectConfig: &ConductorConfig{
				Concurrency: 2,
			},
			expectConcurrency: 2,
			expectWorkers:     3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()

			globalPath := ""
			if tt.globalConfig != nil {
				globalPath = writeConfig(t, tmpDir, "global.json", tt.globalConfig)
			}
			projectPath := ""
			if tt.projectConfig != nil {
				projectPath = writeConfig(t, tmpDir, "project.json", tt.projectConfig)
			}

			cfg, err := Load(globalPath, projectPath)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if cfg.Concurrency != tt.expectConcurrency {
				t.Errorf("concurrency = %d, want %d", cfg.Concurrency, tt.expectConcurrency)
			}
			if got := len(cfg.Workers); got != tt.expectWorkers {
				t.Errorf("workers count = %d, want %d", got, tt.expectWorkers)
			}

			if tt.checkWorker != "" {
				worker, exists := cfg.Workers[tt.checkWorker]
				if !exists {
					t.Errorf("expected worker %q not found", tt.checkWorker)
					return
				}
				if worker.Command != tt.expectCommand {
					t.Errorf("worker %q command = %q, want %q", tt.checkWorker, worker.Command, tt.expectCommand)
				}
			}
		})
	}
}

func TestLoad_MalformedJSON(t *testing.T) {
	tmpDir := t.TempDir()

	globalPath := filepath.Join(tmpDir, "global.json")
	if err := os.WriteFile(globalPath, []byte("{invalid json"), 0644); err != nil {
		t.Fatalf("writing malformed config: %v", err)
	}

	if _, err := Load(globalPath, ""); err == nil {
		t.Fatal("expected error for malformed JSON, got nil")
	}
}

func TestLoad_MissingFilesNotError(t *testing.T) {
	cfg, err := Load("/nonexistent/global.json", "/nonexistent/project.json")
	if err != nil {
		t.Fatalf("expected no error for missing files, got: %v", err)
	}

	if cfg.Concurrency != 3 {
		t.Errorf("concurrency = %d, want default 3", cfg.Concurrency)
	}
	if len(cfg.Workers) != 3 {
		t.Errorf("workers count = %d, want 3", len(cfg.Workers))
	}
	if cfg.WorkspaceDir != ".workspaces" {
		t.Errorf("workspace dir = %q, want default", cfg.WorkspaceDir)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log level = %q, want default info", cfg.LogLevel)
	}
}

func TestTaskTimeout(t *testing.T) {
	cfg := &ConductorConfig{TaskTimeoutSeconds: 90}
	if got := cfg.TaskTimeout(); got != 90*time.Second {
		t.Errorf("TaskTimeout() = %v, want 90s", got)
	}

	cfg = &ConductorConfig{}
	if got := cfg.TaskTimeout(); got != 0 {
		t.Errorf("TaskTimeout() = %v, want 0", got)
	}
}
