package schema

import (
	"encoding/json"
	"time"
)

// CreatorKind distinguishes authenticated respondents from anonymous ones.
type CreatorKind string

const (
	CreatorUser      CreatorKind = "user"
	CreatorAnonymous CreatorKind = "anonymous"
)

// Creator identifies who started a run.
type Creator struct {
	Kind CreatorKind `json:"kind"`
	ID   string      `json:"id,omitempty"`
}

// Run is one respondent's execution of a workflow version.
type Run struct {
	ID               string         `json:"id"`
	WorkflowID       string         `json:"workflow_id"`
	VersionID        string         `json:"version_id"`
	Status           RunStatus      `json:"status"`
	CurrentSectionID string         `json:"current_section_id,omitempty"`
	Mode             Mode           `json:"mode"`
	Creator          Creator        `json:"creator"`
	Progress         int            `json:"progress"`
	Answers          map[string]any `json:"answers"`
	Version          int64          `json:"version"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// Completed reports whether the run reached its terminal state.
func (r *Run) Completed() bool {
	return r.Status == RunStatusCompleted
}

// Snapshot is the view of a run handed to the UI layer.
type Snapshot struct {
	RunID            string         `json:"runId"`
	Completed        bool           `json:"completed"`
	Status           RunStatus      `json:"status"`
	Progress         int            `json:"progress"`
	Mode             Mode           `json:"mode"`
	CurrentSectionID string         `json:"currentSectionId,omitempty"`
	Answers          map[string]any `json:"answers"`
}

// SnapshotOf builds a snapshot from a run.
func SnapshotOf(r *Run) Snapshot {
	return Snapshot{
		RunID:            r.ID,
		Completed:        r.Completed(),
		Status:           r.Status,
		Progress:         r.Progress,
		Mode:             r.Mode,
		CurrentSectionID: r.CurrentSectionID,
		Answers:          r.Answers,
	}
}

// ConsoleEntry is one captured console.* call from a sandboxed script.
type ConsoleEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// ExecutionLog is the immutable audit record of one hook invocation.
type ExecutionLog struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id"`
	HookID     string          `json:"hook_id"`
	HookName   string          `json:"hook_name,omitempty"`
	Phase      Phase           `json:"phase"`
	SectionID  string          `json:"section_id,omitempty"`
	Language   Language        `json:"language"`
	Status     ExecStatus      `json:"status"`
	Console    []ConsoleEntry  `json:"console,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// RunEvent is an append-only telemetry record emitted by the coordinator.
type RunEvent struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Sequence  int64           `json:"sequence"`
	Type      string          `json:"type"`
	SectionID string          `json:"section_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
