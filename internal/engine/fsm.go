package engine

import (
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/rendis/intake/pkg/schema"
)

// TransitionHook is called before or after a run status transition. A before
// hook returning an error vetoes the transition.
type TransitionHook func(run *schema.Run, from, to schema.RunStatus) error

type runHookKey struct {
	from, to schema.RunStatus
}

// RunFSM enforces the run lifecycle not_started -> in_progress -> completed.
// It mutates the run in memory and returns the event describing the
// transition; the coordinator persists both in one optimistic write.
type RunFSM struct {
	mu     sync.Mutex
	before map[runHookKey][]TransitionHook
	after  map[runHookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM with no hooks.
func NewRunFSM() *RunFSM {
	return &RunFSM{
		before: make(map[runHookKey][]TransitionHook),
		after:  make(map[runHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a run transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a run transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and applies a status change to run. Entering
// completed stamps CompletedAt and clears the section pointer.
func (f *RunFSM) Transition(run *schema.Run, to schema.RunStatus, at time.Time) (*schema.RunEvent, error) {
	f.mu.Lock()
	before := slices.Clone(f.before[runHookKey{run.Status, to}])
	after := slices.Clone(f.after[runHookKey{run.Status, to}])
	f.mu.Unlock()

	from := run.Status
	if !isValidRunTransition(from, to) {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": run.ID, "from": string(from), "to": string(to)})
	}

	for _, hook := range before {
		if err := hook(run, from, to); err != nil {
			return nil, err
		}
	}

	run.Status = to
	run.UpdatedAt = at
	var payload json.RawMessage
	if to == schema.RunStatusCompleted {
		completedAt := at
		run.CompletedAt = &completedAt
		run.CurrentSectionID = ""
		run.Progress = 100
		payload, _ = json.Marshal(map[string]any{"answers": len(run.Answers)})
	}
	event := &schema.RunEvent{
		RunID:     run.ID,
		Type:      runEventType(to),
		Payload:   payload,
		Timestamp: at,
	}

	for _, hook := range after {
		if err := hook(run, from, to); err != nil {
			return event, err
		}
	}
	return event, nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	return slices.Contains(ValidRunTransitions[from], to)
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusInProgress:
		return schema.EventRunStart
	case schema.RunStatusCompleted:
		return schema.EventWorkflowComplete
	default:
		return ""
	}
}

// ValidRunTransitions defines the allowed run status transitions.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusNotStarted: {schema.RunStatusInProgress},
	schema.RunStatusInProgress: {schema.RunStatusCompleted},
	schema.RunStatusCompleted:  {},
}
