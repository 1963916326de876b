// Package persistence holds the two durable artifacts of a run: the task
// snapshot (one JSON document, rewritten atomically after every transition)
// and the commit ledger (append-only SQLite history of reconciled changes).
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/avessner/conductor/task"
)

// SchemaVersion identifies the snapshot document layout.
const SchemaVersion = 1

// Document is the serialized task store. LastUpdated is strictly monotonic
// across saves so readers can order snapshots even under clock skew.
type Document struct {
	SchemaVersion int          `json:"schemaVersion"`
	PlanHash      uint64       `json:"planHash,omitempty"`
	LastUpdated   time.Time    `json:"lastUpdated,omitzero"`
	Tasks         []*task.Task `json:"tasks"`
}

// Snapshot persists the full task list as one document. Writes go to a
// temporary file in the same directory and are renamed into place, so a
// reader never observes a half-written document. The orchestrator is the
// only writer.
type Snapshot struct {
	path string

	mu          sync.Mutex
	lastUpdated time.Time
}

// NewSnapshot creates a snapshot store writing to path. Nothing touches the
// filesystem until the first Load or Save.
func NewSnapshot(path string) *Snapshot {
	return &Snapshot{path: path}
}

// Path returns the document location.
func (s *Snapshot) Path() string {
	return s.path
}

// Load reads the current document. A missing file yields an empty document,
// not an error: a fresh state directory is a valid starting point.
func (s *Snapshot) Load() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &Document{SchemaVersion: SchemaVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot %s: %w", s.path, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing snapshot %s: %w", s.path, err)
	}
	if doc.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("snapshot %s has schema version %d, want %d", s.path, doc.SchemaVersion, SchemaVersion)
	}

	// Future saves must stay ahead of what is already on disk.
	if doc.LastUpdated.After(s.lastUpdated) {
		s.lastUpdated = doc.LastUpdated
	}
	return &doc, nil
}

// Save atomically replaces the document with the given task list.
func (s *Snapshot) Save(planHash uint64, tasks []*task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if !now.After(s.lastUpdated) {
		now = s.lastUpdated.Add(time.Nanosecond)
	}
	s.lastUpdated = now

	doc := Document{
		SchemaVersion: SchemaVersion,
		PlanHash:      planHash,
		LastUpdated:   now,
		Tasks:         tasks,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing snapshot temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// PlanHash fingerprints a submitted plan. Submitting over existing state is
// only a resume when the fingerprints match.
func PlanHash(specs []task.Spec) (uint64, error) {
	h, err := hashstructure.Hash(specs, hashstructure.FormatV2, nil)
	if err != nil {
		return 0, fmt.Errorf("hashing plan: %w", err)
	}
	return h, nil
}
