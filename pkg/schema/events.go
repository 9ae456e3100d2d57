package schema

// Run event types emitted by the coordinator.
const (
	EventRunCreated          = "run.created"
	EventRunStart            = "run.start"
	EventSectionEnter        = "section.enter"
	EventSectionSubmit       = "section.submit"
	EventSectionInvalid      = "section.validation_failed"
	EventEffectDispatched    = "effect.dispatched"
	EventEffectSimulated     = "effect.simulated"
	EventEffectFailed        = "effect.failed"
	EventEffectRetried       = "effect.retried"
	EventDocumentTriggered   = "document.triggered"
	EventWorkflowComplete    = "workflow.complete"
	EventCircuitBreakerOpen  = "circuit_breaker.open"
	EventCircuitBreakerClose = "circuit_breaker.closed"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusNotStarted RunStatus = "not_started"
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusCompleted  RunStatus = "completed"
)

// Mode selects whether external effects are simulated or performed.
type Mode string

const (
	ModePreview Mode = "preview"
	ModeLive    Mode = "live"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModePreview || m == ModeLive
}

// ExecStatus is the outcome of a single hook or script invocation.
type ExecStatus string

const (
	ExecStatusSuccess ExecStatus = "success"
	ExecStatusError   ExecStatus = "error"
	ExecStatusTimeout ExecStatus = "timeout"
	ExecStatusSkipped ExecStatus = "skipped"
)
