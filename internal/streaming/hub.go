// Package streaming fans run telemetry out to live subscribers (SSE clients,
// the MCP trace tool, tests).
package streaming

import (
	"context"

	"github.com/rendis/intake/pkg/schema"
)

// Stream kinds.
const (
	KindEvent = "event"
	KindLog   = "log"
)

// StreamEvent is one live notification about a run.
type StreamEvent struct {
	RunID     string `json:"run_id"`
	SectionID string `json:"section_id,omitempty"`
	Kind      string `json:"kind"`
	Type      string `json:"type"`
	Sequence  int64  `json:"sequence,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// EventFilter selects which events a subscriber receives. Zero values match all.
type EventFilter struct {
	RunID string   `json:"run_id,omitempty"`
	Kinds []string `json:"kinds,omitempty"`
	Types []string `json:"types,omitempty"`
}

// EventHub is a best-effort pub/sub for run telemetry. The durable record
// lives in the store; a slow subscriber may miss events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

// FromRunEvent wraps a persisted run event.
func FromRunEvent(e *schema.RunEvent) StreamEvent {
	return StreamEvent{
		RunID:     e.RunID,
		SectionID: e.SectionID,
		Kind:      KindEvent,
		Type:      e.Type,
		Sequence:  e.Sequence,
		Payload:   e.Payload,
	}
}

// FromExecutionLog wraps a hook execution log.
func FromExecutionLog(l *schema.ExecutionLog) StreamEvent {
	return StreamEvent{
		RunID:     l.RunID,
		SectionID: l.SectionID,
		Kind:      KindLog,
		Type:      "hook." + string(l.Status),
		Payload:   l,
	}
}
