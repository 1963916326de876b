package task

import (
	"testing"
	"time"
)

func TestSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{
			name: "valid spec",
			spec: Spec{ID: "A", Description: "do a", WorkerRole: "coder"},
		},
		{
			name:    "missing id",
			spec:    Spec{Description: "do a", WorkerRole: "coder"},
			wantErr: true,
		},
		{
			name:    "missing worker role",
			spec:    Spec{ID: "A", Description: "do a"},
			wantErr: true,
		},
		{
			name:    "self dependency",
			spec:    Spec{ID: "A", WorkerRole: "coder", DependsOn: []string{"A"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStatusString(t *testing.T) {
	pairs := map[Status]string{
		StatusPending:   "pending",
		StatusReady:     "ready",
		StatusRunning:   "running",
		StatusCompleted: "completed",
		StatusFailed:    "failed",
		StatusSplit:     "split",
	}
	for status, want := range pairs {
		if got := status.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", int(status), got, want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	if StatusPending.Terminal() || StatusReady.Terminal() || StatusRunning.Terminal() {
		t.Error("non-terminal statuses reported terminal")
	}
	if !StatusCompleted.Terminal() || !StatusFailed.Terminal() || !StatusSplit.Terminal() {
		t.Error("terminal statuses reported non-terminal")
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig := New(Spec{
		ID:         "A",
		WorkerRole: "coder",
		DependsOn:  []string{"B"},
		Resources:  []string{"src/a.go"},
	}, 0, time.Now())
	orig.ChangedResources = []string{"src/a.go", "src/a_test.go"}

	cp := orig.Clone()
	cp.DependsOn[0] = "X"
	cp.Resources[0] = "other"
	cp.ChangedResources[0] = "other"

	if orig.DependsOn[0] != "B" {
		t.Error("Clone shares DependsOn slice")
	}
	if orig.Resources[0] != "src/a.go" {
		t.Error("Clone shares Resources slice")
	}
	if orig.ChangedResources[0] != "src/a.go" {
		t.Error("Clone shares ChangedResources slice")
	}
}
