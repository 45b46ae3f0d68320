// Package journal records conversion runs in a local SQLite database:
// what was converted, what external resources the run created, where the
// deliverables went, and how the run ended. Debug runs lean on it for
// postmortem inspection.
package journal

// Schema defines the run journal tables.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source TEXT NOT NULL,
    state TEXT NOT NULL CHECK(state IN ('running', 'succeeded', 'failed', 'cleaned')),
    work_dir TEXT,
    image_uuid TEXT,
    instance_uuid TEXT,
    artifact_path TEXT,
    manifest_path TEXT,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
`

// Run states.
const (
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
	StateCleaned   = "cleaned"
)

// Run is one conversion run.
type Run struct {
	ID           int64
	Source       string
	State        string
	WorkDir      string
	ImageUUID    string
	InstanceUUID string
	ArtifactPath string
	ManifestPath string
	ErrorMessage string
	CreatedAt    string
	UpdatedAt    string
}
