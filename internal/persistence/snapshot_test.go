package persistence

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/avessner/conductor/task"
)

func testSnapshot(t *testing.T) *Snapshot {
	t.Helper()
	return NewSnapshot(filepath.Join(t.TempDir(), "state", "tasks.json"))
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := testSnapshot(t)

	tasks := []*task.Task{
		task.New(task.Spec{ID: "A", Description: "first", WorkerRole: "coder"}, 0, time.Now()),
		task.New(task.Spec{ID: "B", Description: "second", WorkerRole: "coder", DependsOn: []string{"A"}, Resources: []string{"src/b.go"}}, 1, time.Now()),
	}
	tasks[0].Status = task.StatusCompleted
	tasks[0].ChangedResources = []string{"src/a.go"}

	if err := s.Save(42, tasks); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	doc, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if doc.PlanHash != 42 {
		t.Errorf("PlanHash = %d, want 42", doc.PlanHash)
	}
	if len(doc.Tasks) != 2 {
		t.Fatalf("loaded %d tasks, want 2", len(doc.Tasks))
	}
	got := doc.Tasks[0]
	if got.ID != "A" || got.Status != task.StatusCompleted || len(got.ChangedResources) != 1 {
		t.Errorf("task A round trip mismatch: %+v", got)
	}
	if doc.Tasks[1].Resources[0] != "src/b.go" {
		t.Errorf("task B resources lost: %+v", doc.Tasks[1])
	}
}

func TestSnapshotMissingFileIsEmpty(t *testing.T) {
	s := testSnapshot(t)

	doc, err := s.Load()
	if err != nil {
		t.Fatalf("Load() on missing file error = %v", err)
	}
	if len(doc.Tasks) != 0 || doc.PlanHash != 0 {
		t.Errorf("missing file produced non-empty document: %+v", doc)
	}
}

func TestSnapshotLastUpdatedMonotonic(t *testing.T) {
	s := testSnapshot(t)

	var prev time.Time
	for i := 0; i < 20; i++ {
		if err := s.Save(1, nil); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		doc, err := s.Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if !doc.LastUpdated.After(prev) {
			t.Fatalf("save %d: lastUpdated %v not after %v", i, doc.LastUpdated, prev)
		}
		prev = doc.LastUpdated
	}
}

func TestSnapshotMonotonicSurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")

	first := NewSnapshot(path)
	if err := first.Save(1, nil); err != nil {
		t.Fatal(err)
	}
	doc, err := first.Load()
	if err != nil {
		t.Fatal(err)
	}

	// A new store over the same file must keep advancing, never rewind.
	second := NewSnapshot(path)
	if _, err := second.Load(); err != nil {
		t.Fatal(err)
	}
	if err := second.Save(1, nil); err != nil {
		t.Fatal(err)
	}
	reloaded, err := second.Load()
	if err != nil {
		t.Fatal(err)
	}
	if !reloaded.LastUpdated.After(doc.LastUpdated) {
		t.Errorf("lastUpdated %v did not advance past %v after reload", reloaded.LastUpdated, doc.LastUpdated)
	}
}

func TestSnapshotLeavesNoTempFile(t *testing.T) {
	s := testSnapshot(t)
	if err := s.Save(1, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(s.Path() + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind after save")
	}
}

func TestSnapshotRejectsCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewSnapshot(path).Load(); err == nil {
		t.Error("Load() accepted corrupt document")
	}
}

func TestSnapshotRejectsUnknownSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	if err := os.WriteFile(path, []byte(`{"schemaVersion": 99, "tasks": []}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewSnapshot(path).Load(); err == nil {
		t.Error("Load() accepted unknown schema version")
	}
}

func TestPlanHash(t *testing.T) {
	plan := []task.Spec{
		{ID: "A", Description: "first", WorkerRole: "coder"},
		{ID: "B", Description: "second", WorkerRole: "tester", DependsOn: []string{"A"}},
	}

	h1, err := PlanHash(plan)
	if err != nil {
		t.Fatalf("PlanHash() error = %v", err)
	}
	h2, err := PlanHash([]task.Spec{plan[0], plan[1]})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Error("identical plans hash differently")
	}

	changed := []task.Spec{plan[0], {ID: "B", Description: "changed", WorkerRole: "tester", DependsOn: []string{"A"}}}
	h3, err := PlanHash(changed)
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h3 {
		t.Error("divergent plans hash identically")
	}
}
