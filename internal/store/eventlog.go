package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/intake/pkg/schema"
)

// RunReplay is the state of a run reconstructed from its event log alone.
type RunReplay struct {
	RunID            string
	Status           schema.RunStatus
	CurrentSectionID string
	Visited          []string
	Submitted        map[string]int
	Effects          map[string]string
	LastSequence     int64
}

// EffectPayload is the payload shape of effect.* events.
type EffectPayload struct {
	EffectID string `json:"effect_id"`
	Kind     string `json:"kind,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ReplayRun folds every event of a run into a RunReplay.
// Returns a STORE_ERROR if a sequence gap is detected.
func ReplayRun(ctx context.Context, s Store, runID string) (*RunReplay, error) {
	events, err := s.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}
	return Replay(runID, events)
}

// Replay folds an ordered event slice into a RunReplay.
func Replay(runID string, events []*schema.RunEvent) (*RunReplay, error) {
	r := &RunReplay{
		RunID:     runID,
		Status:    schema.RunStatusNotStarted,
		Submitted: make(map[string]int),
		Effects:   make(map[string]string),
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
		r.LastSequence = e.Sequence

		switch e.Type {
		case schema.EventRunStart:
			r.Status = schema.RunStatusInProgress

		case schema.EventSectionEnter:
			r.Status = schema.RunStatusInProgress
			r.CurrentSectionID = e.SectionID
			if !contains(r.Visited, e.SectionID) {
				r.Visited = append(r.Visited, e.SectionID)
			}

		case schema.EventSectionSubmit:
			r.Submitted[e.SectionID]++

		case schema.EventWorkflowComplete:
			r.Status = schema.RunStatusCompleted
			r.CurrentSectionID = ""

		case schema.EventEffectDispatched, schema.EventEffectSimulated, schema.EventEffectFailed,
			schema.EventEffectRetried, schema.EventDocumentTriggered:
			var p EffectPayload
			if len(e.Payload) > 0 {
				if err := json.Unmarshal(e.Payload, &p); err != nil {
					return nil, fmt.Errorf("decode %s payload at sequence %d: %w", e.Type, e.Sequence, err)
				}
			}
			if p.EffectID != "" {
				r.Effects[p.EffectID] = e.Type
			}
		}
	}

	return r, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
