package workspace

// State tracks a workspace through its lifecycle
type State int

const (
	// StateCreated means the isolated copy exists and the task may mutate it
	StateCreated State = iota
	// StateMerging means a reconcile attempt is in progress
	StateMerging
	// StateReconciled means the changes were merged back and published
	StateReconciled
	// StateDiscarded means the isolated copy was deleted
	StateDiscarded
)

// String returns the lifecycle state name
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateMerging:
		return "merging"
	case StateReconciled:
		return "reconciled"
	case StateDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Workspace holds information about one task's isolated copy of the shared tree
type Workspace struct {
	TaskID       string // Task that owns the copy
	Root         string // Absolute path to the isolated directory
	BaseRevision int64  // Ledger head revision the copy was taken at
	State        State  // Lifecycle state
}

// ReconcileResult represents the outcome of merging a workspace back
type ReconcileResult struct {
	Applied   bool     // True if the changes were merged and committed
	Revision  int64    // Revision of the published commit when applied
	Conflicts []string // Paths committed by another task since the base revision
}

// Config configures the workspace manager
type Config struct {
	ProjectRoot  string   // Absolute path to the shared tree
	WorkspaceDir string   // Directory under the shared tree for isolated copies (default ".workspaces")
	Skip         []string // Additional paths under the shared tree excluded from copies
}
