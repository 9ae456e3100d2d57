package store

import (
	"time"

	"github.com/rendis/intake/pkg/schema"
)

// WorkflowVersion is an immutable, published snapshot of a definition.
type WorkflowVersion struct {
	ID          string                     `json:"id"`
	WorkflowID  string                     `json:"workflow_id"`
	Version     int                        `json:"version"`
	Name        string                     `json:"name,omitempty"`
	Definition  *schema.WorkflowDefinition `json:"definition"`
	Checksum    string                     `json:"checksum"`
	PublishedBy string                     `json:"published_by,omitempty"`
	PublishedAt time.Time                  `json:"published_at"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	WorkflowID string
	VersionID  string
	Status     schema.RunStatus
	Limit      int
}

// OutboxStatus is the delivery state of an outbox entry.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxDelivered OutboxStatus = "delivered"
	OutboxDead      OutboxStatus = "dead"
)

// OutboxRunInfo is the run identity stored with an outbox entry.
type OutboxRunInfo struct {
	RunID      string `json:"run_id"`
	WorkflowID string `json:"workflow_id"`
	VersionID  string `json:"version_id"`
}

// OutboxEntry is a failed live dispatch awaiting retry. Effect, payload and
// the answer set at failure time are frozen so a retry re-sends exactly what
// the first attempt tried to send.
type OutboxEntry struct {
	ID            string            `json:"id"`
	RunID         string            `json:"run_id"`
	EffectID      string            `json:"effect_id"`
	Kind          schema.EffectKind `json:"kind"`
	Effect        schema.Effect     `json:"effect"`
	Payload       map[string]any    `json:"payload"`
	Data          map[string]any    `json:"data,omitempty"`
	Run           OutboxRunInfo     `json:"run"`
	Status        OutboxStatus      `json:"status"`
	Attempts      int               `json:"attempts"`
	MaxAttempts   int               `json:"max_attempts"`
	LastError     string            `json:"last_error,omitempty"`
	NextAttemptAt time.Time         `json:"next_attempt_at"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// OutboxUpdate records the outcome of a retry attempt.
type OutboxUpdate struct {
	Status        OutboxStatus
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
}

// OutboxFilter narrows ListOutbox.
type OutboxFilter struct {
	RunID  string
	Status OutboxStatus
	Limit  int
}
