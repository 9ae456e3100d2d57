// Package store persists workflow versions, runs and their append-only
// telemetry, the dispatch outbox, and secrets.
package store

import (
	"context"

	"github.com/rendis/intake/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Versions
	PublishVersion(ctx context.Context, v *WorkflowVersion) error
	GetVersion(ctx context.Context, id string) (*WorkflowVersion, error)
	LatestVersion(ctx context.Context, workflowID string) (*WorkflowVersion, error)
	ListVersions(ctx context.Context, workflowID string) ([]*WorkflowVersion, error)

	// Runs. UpdateRun is an optimistic write: it fails with CONFLICT unless the
	// stored version equals expectedVersion, and appends events in the same
	// transaction.
	CreateRun(ctx context.Context, run *schema.Run, events ...*schema.RunEvent) error
	GetRun(ctx context.Context, id string) (*schema.Run, error)
	UpdateRun(ctx context.Context, run *schema.Run, expectedVersion int64, events ...*schema.RunEvent) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*schema.Run, error)

	// Run events (append-only)
	AppendEvents(ctx context.Context, events ...*schema.RunEvent) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*schema.RunEvent, error)

	// Execution logs (append-only)
	AppendExecutionLog(ctx context.Context, log *schema.ExecutionLog) error
	ListExecutionLogs(ctx context.Context, runID string) ([]*schema.ExecutionLog, error)

	// Outbox
	EnqueueOutbox(ctx context.Context, entry *OutboxEntry) error
	DueOutbox(ctx context.Context, limit int) ([]*OutboxEntry, error)
	UpdateOutbox(ctx context.Context, id string, update OutboxUpdate) error
	ListOutbox(ctx context.Context, filter OutboxFilter) ([]*OutboxEntry, error)

	// Secrets
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
