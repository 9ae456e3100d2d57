// Package engine drives runs through their lifecycle: it evaluates section
// visibility, validates submissions, runs phase hooks, dispatches effects and
// persists every transition with an optimistic version check.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/intake/internal/effects"
	"github.com/rendis/intake/internal/hooks"
	"github.com/rendis/intake/internal/logging"
	"github.com/rendis/intake/internal/logic"
	"github.com/rendis/intake/internal/scheduler"
	"github.com/rendis/intake/internal/store"
	"github.com/rendis/intake/internal/streaming"
	"github.com/rendis/intake/internal/validation"
	"github.com/rendis/intake/pkg/schema"
)

// DefaultPoolSize is the number of run mutations processed concurrently.
const DefaultPoolSize = 10

// Config holds the collaborators of a Coordinator. Hub, Pool and Logger are
// optional.
type Config struct {
	Store      store.Store
	Evaluator  *logic.Evaluator
	Hooks      *hooks.Orchestrator
	Dispatcher *effects.Dispatcher
	Validator  validation.Validator
	Hub        streaming.EventHub
	Pool       *WorkerPool
	Retry      scheduler.RetryPolicy
	Env        map[string]string
	Logger     *slog.Logger
}

// CreateRunParams are the inputs to CreateRun. Answers pre-fills the answer set.
type CreateRunParams struct {
	VersionID string         `json:"version_id"`
	Mode      schema.Mode    `json:"mode"`
	Creator   schema.Creator `json:"creator"`
	Answers   map[string]any `json:"answers,omitempty"`
}

// SubmitResult is the outcome of StartRun and SubmitSection.
type SubmitResult struct {
	Snapshot schema.Snapshot `json:"snapshot"`
	// NextSectionID is the section the respondent lands on; empty once the
	// run is completed.
	NextSectionID string `json:"next_section_id,omitempty"`
	// Visibility is the step visibility of the next section.
	Visibility map[string]bool          `json:"visibility,omitempty"`
	HookErrors []*schema.IntakeError    `json:"hook_errors,omitempty"`
	Console    []hooks.ConsoleLine      `json:"console,omitempty"`
	Effects    []effects.DispatchResult `json:"effects,omitempty"`
	Events     []*schema.RunEvent       `json:"events,omitempty"`
}

// Coordinator owns the answer set of every run and is the only component
// that advances a run.
type Coordinator struct {
	store      store.Store
	logic      *logic.Evaluator
	hooks      *hooks.Orchestrator
	dispatcher *effects.Dispatcher
	validator  validation.Validator
	hub        streaming.EventHub
	pool       *WorkerPool
	retry      scheduler.RetryPolicy
	env        map[string]string
	fsm        *RunFSM
	logger     *slog.Logger
	now        func() time.Time

	definitions sync.Map // version ID -> *schema.WorkflowDefinition
	locks       runLocks
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil || cfg.Evaluator == nil || cfg.Hooks == nil || cfg.Dispatcher == nil || cfg.Validator == nil {
		return nil, schema.NewError(schema.ErrCodeConfig, "coordinator requires store, evaluator, hooks, dispatcher and validator")
	}
	if cfg.Pool == nil {
		cfg.Pool = NewWorkerPool(DefaultPoolSize)
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = scheduler.DefaultRetryPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Coordinator{
		store:      cfg.Store,
		logic:      cfg.Evaluator,
		hooks:      cfg.Hooks,
		dispatcher: cfg.Dispatcher,
		validator:  cfg.Validator,
		hub:        cfg.Hub,
		pool:       cfg.Pool,
		retry:      cfg.Retry,
		env:        cfg.Env,
		fsm:        NewRunFSM(),
		logger:     cfg.Logger,
		now:        func() time.Time { return time.Now().UTC() },
		locks:      runLocks{held: make(map[string]*runLock)},
	}
	c.fsm.OnAfter(schema.RunStatusInProgress, schema.RunStatusCompleted, func(run *schema.Run, _, _ schema.RunStatus) error {
		c.logger.Info("run completed",
			slog.String("run_id", run.ID),
			slog.String("version_id", run.VersionID),
			slog.Int("answers", len(run.Answers)))
		return nil
	})
	return c, nil
}

// FSM exposes the run state machine so callers can register transition hooks.
func (c *Coordinator) FSM() *RunFSM {
	return c.fsm
}

// CreateRun creates a not_started run for a published version.
func (c *Coordinator) CreateRun(ctx context.Context, params CreateRunParams) (*schema.Run, error) {
	if params.Mode == "" {
		params.Mode = schema.ModePreview
	}
	if !params.Mode.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown run mode %q", params.Mode)
	}
	if params.Creator.Kind == "" {
		params.Creator.Kind = schema.CreatorAnonymous
	}
	def, err := c.definition(ctx, params.VersionID)
	if err != nil {
		return nil, err
	}

	now := c.now()
	answers := make(map[string]any, len(params.Answers))
	maps.Copy(answers, params.Answers)
	run := &schema.Run{
		ID:         uuid.New().String(),
		WorkflowID: def.ID,
		VersionID:  params.VersionID,
		Status:     schema.RunStatusNotStarted,
		Mode:       params.Mode,
		Creator:    params.Creator,
		Answers:    answers,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	payload := c.encodePayload(logging.WithRunID(ctx, run.ID), schema.EventRunCreated, map[string]any{
		"version_id": run.VersionID,
		"mode":       run.Mode,
		"creator":    run.Creator,
	})
	event := &schema.RunEvent{RunID: run.ID, Type: schema.EventRunCreated, Payload: payload, Timestamp: now}
	if err := c.store.CreateRun(ctx, run, event); err != nil {
		return nil, err
	}
	c.publish(ctx, []*schema.RunEvent{event})

	c.logger.InfoContext(logging.WithRunID(ctx, run.ID), "run created",
		slog.String("version_id", run.VersionID), slog.String("mode", string(run.Mode)))
	return run, nil
}

// StartRun moves a not_started run to in_progress, runs the run-start phase
// and enters the first visible section. A run with no visible section
// completes immediately.
func (c *Coordinator) StartRun(ctx context.Context, runID string) (*SubmitResult, error) {
	var out *SubmitResult
	err := c.mutate(ctx, runID, func(ctx context.Context) error {
		p, err := c.load(ctx, runID)
		if err != nil {
			return err
		}
		if err := c.begin(ctx, p); err != nil {
			return err
		}
		if err := c.commit(ctx, p); err != nil {
			return err
		}
		out = p.result
		return nil
	})
	return out, err
}

// SubmitSection accepts the answers for a section and advances the run.
// A completed run is left untouched and its snapshot returned. Submitting
// to a not_started run starts it first.
func (c *Coordinator) SubmitSection(ctx context.Context, runID, sectionID string, answers map[string]any) (*SubmitResult, error) {
	var out *SubmitResult
	err := c.mutate(ctx, runID, func(ctx context.Context) error {
		p, err := c.load(ctx, runID)
		if err != nil {
			return err
		}
		if p.run.Completed() {
			out = &SubmitResult{Snapshot: schema.SnapshotOf(p.run)}
			return nil
		}
		if p.run.Status == schema.RunStatusNotStarted {
			if err := c.begin(ctx, p); err != nil {
				return err
			}
			if p.run.Completed() {
				if err := c.commit(ctx, p); err != nil {
					return err
				}
				out = p.result
				return nil
			}
		}
		if sectionID == "" {
			sectionID = p.run.CurrentSectionID
		}
		if sectionID != p.run.CurrentSectionID {
			if p.started {
				if err := c.commit(ctx, p); err != nil {
					return err
				}
			}
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"section %s is not the current section", sectionID).
				WithDetails(map[string]any{"run_id": runID, "current_section_id": p.run.CurrentSectionID})
		}

		if verr := c.submit(ctx, p, sectionID, answers); verr != nil {
			if err := c.record(ctx, p); err != nil {
				return err
			}
			return verr
		}
		if err := c.commit(ctx, p); err != nil {
			return err
		}
		out = p.result
		return nil
	})
	return out, err
}

// Snapshot returns the current view of a run.
func (c *Coordinator) Snapshot(ctx context.Context, runID string) (schema.Snapshot, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return schema.Snapshot{}, err
	}
	return schema.SnapshotOf(run), nil
}

// Events returns the run's events with a sequence greater than since.
func (c *Coordinator) Events(ctx context.Context, runID string, since int64) ([]*schema.RunEvent, error) {
	if _, err := c.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return c.store.GetEvents(ctx, runID, since)
}

// Logs returns the run's hook execution logs.
func (c *Coordinator) Logs(ctx context.Context, runID string) ([]*schema.ExecutionLog, error) {
	if _, err := c.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return c.store.ListExecutionLogs(ctx, runID)
}

// Shutdown waits for in-flight run mutations and rejects new ones.
func (c *Coordinator) Shutdown() {
	c.pool.Shutdown()
}

// PoolMetrics reports the worker pool counters for run mutations.
func (c *Coordinator) PoolMetrics() PoolMetrics {
	return c.pool.Metrics()
}

// --- Run pass ---

// pass is the in-memory state of one mutation. Nothing is persisted until
// commit, except execution logs and outbox entries, which record work that
// already happened.
type pass struct {
	run      *schema.Run
	def      *schema.WorkflowDefinition
	expected int64
	started  bool
	result   *SubmitResult
}

func (p *pass) runInfo() effects.RunInfo {
	return effects.RunInfo{RunID: p.run.ID, WorkflowID: p.run.WorkflowID, VersionID: p.run.VersionID}
}

func (c *Coordinator) emit(p *pass, eventType, sectionID string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		raw = c.encodePayload(logging.WithRunID(context.Background(), p.run.ID), eventType, payload)
	}
	p.result.Events = append(p.result.Events, &schema.RunEvent{
		RunID:     p.run.ID,
		Type:      eventType,
		SectionID: sectionID,
		Payload:   raw,
		Timestamp: c.now(),
	})
}

// encodePayload marshals an event payload. An unencodable payload is logged
// and the event is recorded without one.
func (c *Coordinator) encodePayload(ctx context.Context, eventType string, payload any) json.RawMessage {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.logger.ErrorContext(ctx, "encode event payload failed",
			slog.String("event", eventType), slog.String("error", err.Error()))
		return nil
	}
	return raw
}

func (c *Coordinator) mutate(ctx context.Context, runID string, fn func(ctx context.Context) error) error {
	unlock := c.locks.lock(runID)
	defer unlock()
	return c.pool.Do(logging.WithRunID(ctx, runID), fn)
}

func (c *Coordinator) load(ctx context.Context, runID string) (*pass, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	def, err := c.definition(ctx, run.VersionID)
	if err != nil {
		return nil, err
	}
	if run.Answers == nil {
		run.Answers = make(map[string]any)
	}
	return &pass{run: run, def: def, expected: run.Version, result: &SubmitResult{}}, nil
}

func (c *Coordinator) commit(ctx context.Context, p *pass) error {
	if err := c.store.UpdateRun(ctx, p.run, p.expected, p.result.Events...); err != nil {
		return err
	}
	p.expected = p.run.Version
	p.result.Snapshot = schema.SnapshotOf(p.run)
	c.publish(ctx, p.result.Events)
	return nil
}

// record persists the events of a pass that did not change the run. A pass
// that started the run is committed instead.
func (c *Coordinator) record(ctx context.Context, p *pass) error {
	if p.started {
		return c.commit(ctx, p)
	}
	if err := c.store.AppendEvents(ctx, p.result.Events...); err != nil {
		return err
	}
	c.publish(ctx, p.result.Events)
	return nil
}

func (c *Coordinator) begin(ctx context.Context, p *pass) error {
	ev, err := c.fsm.Transition(p.run, schema.RunStatusInProgress, c.now())
	if err != nil {
		return err
	}
	p.result.Events = append(p.result.Events, ev)
	p.started = true

	c.runPhase(ctx, p, schema.PhaseRunStart, "")
	c.dispatchPhase(ctx, p, schema.PhaseRunStart, "")

	if first, ok := c.nextVisible(p, ""); ok {
		c.enter(ctx, p, first)
		return nil
	}
	return c.complete(ctx, p)
}

// submit runs steps 1-5 of a section submission. A validation failure is
// returned after recording the failure event; the run is not advanced.
func (c *Coordinator) submit(ctx context.Context, p *pass, sectionID string, answers map[string]any) error {
	ctx = logging.WithSectionID(ctx, sectionID)
	section, ok := p.def.Section(sectionID)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "section %s not found", sectionID)
	}

	merged := maps.Clone(p.run.Answers)
	maps.Copy(merged, answers)

	visible := c.logic.StepVisibility(p.def.Rules, merged, section)
	if vr := c.validator.ValidateSection(section, visible, merged); !vr.Valid() {
		c.emit(p, schema.EventSectionInvalid, sectionID, map[string]any{"fields": vr.FieldErrors()})
		c.logger.InfoContext(ctx, "section submission rejected", slog.Int("errors", len(vr.Errors)))
		return vr.ToError()
	}

	p.run.Answers = merged
	c.emit(p, schema.EventSectionSubmit, sectionID, map[string]any{"keys": slices.Sorted(maps.Keys(answers))})

	c.runPhase(ctx, p, schema.PhaseSectionSubmit, sectionID)
	c.dispatchPhase(ctx, p, schema.PhaseSectionSubmit, sectionID)

	if next, ok := c.nextVisible(p, sectionID); ok {
		c.enter(ctx, p, next)
		return nil
	}
	return c.complete(ctx, p)
}

func (c *Coordinator) enter(ctx context.Context, p *pass, section schema.Section) {
	ctx = logging.WithSectionID(ctx, section.ID)
	p.run.CurrentSectionID = section.ID

	c.runPhase(ctx, p, schema.PhaseSectionEnter, section.ID)
	c.dispatchPhase(ctx, p, schema.PhaseSectionEnter, section.ID)

	visibility := c.logic.StepVisibility(p.def.Rules, p.run.Answers, section)
	c.emit(p, schema.EventSectionEnter, section.ID, map[string]any{"visibility": visibility})
	p.result.NextSectionID = section.ID
	p.result.Visibility = visibility
	p.run.Progress = c.progress(p, section.ID)
}

// complete runs the completion phases in order: run-complete hooks and
// effects, document triggers, then the after-documents phase.
func (c *Coordinator) complete(ctx context.Context, p *pass) error {
	p.run.CurrentSectionID = ""
	p.result.NextSectionID = ""
	p.result.Visibility = nil

	c.runPhase(ctx, p, schema.PhaseRunComplete, "")
	var documents []schema.Effect
	for _, e := range p.def.EffectsFor(schema.PhaseRunComplete, "") {
		if e.Kind == schema.EffectDocument {
			documents = append(documents, e)
			continue
		}
		c.dispatch(ctx, p, schema.PhaseRunComplete, e)
	}
	for _, e := range documents {
		c.dispatch(ctx, p, schema.PhaseRunComplete, e)
	}
	c.runPhase(ctx, p, schema.PhaseDocumentsComplete, "")
	c.dispatchPhase(ctx, p, schema.PhaseDocumentsComplete, "")

	ev, err := c.fsm.Transition(p.run, schema.RunStatusCompleted, c.now())
	if err != nil {
		return err
	}
	p.result.Events = append(p.result.Events, ev)
	return nil
}

func (c *Coordinator) runPhase(ctx context.Context, p *pass, phase schema.Phase, sectionID string) {
	if len(hooks.Select(p.def.Hooks, phase, sectionID)) == 0 {
		return
	}
	res := c.hooks.RunPhase(ctx, hooks.PhaseRequest{
		Phase:     phase,
		Hooks:     p.def.Hooks,
		SectionID: sectionID,
		Data:      p.run.Answers,
		Run: hooks.RunContext{
			WorkflowID: p.run.WorkflowID,
			RunID:      p.run.ID,
			UserID:     p.run.Creator.ID,
			Mode:       p.run.Mode,
			Env:        c.env,
		},
		KnownKeys: validation.KnownKeys(p.def),
	})
	p.run.Answers = res.Data
	p.result.HookErrors = append(p.result.HookErrors, res.Errors...)
	p.result.Console = append(p.result.Console, res.ConsoleOutput...)
	if c.hub != nil {
		for i := range res.Logs {
			_ = c.hub.Publish(ctx, streaming.FromExecutionLog(&res.Logs[i]))
		}
	}
}

func (c *Coordinator) dispatchPhase(ctx context.Context, p *pass, phase schema.Phase, sectionID string) {
	for _, e := range p.def.EffectsFor(phase, sectionID) {
		c.dispatch(ctx, p, phase, e)
	}
}

type effectEvent struct {
	EffectID   string         `json:"effect_id"`
	Kind       string         `json:"kind"`
	Phase      schema.Phase   `json:"phase"`
	Mode       schema.Mode    `json:"mode"`
	Payload    map[string]any `json:"payload,omitempty"`
	Response   any            `json:"response,omitempty"`
	Error      string         `json:"error,omitempty"`
	Code       string         `json:"code,omitempty"`
	OutboxID   string         `json:"outbox_id,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// dispatch fires one effect and records its outcome. A retryable live
// failure is queued in the outbox; no effect failure stops the pass.
func (c *Coordinator) dispatch(ctx context.Context, p *pass, phase schema.Phase, effect schema.Effect) {
	res := c.dispatcher.Dispatch(ctx, effect, p.run.Answers, p.run.Mode, p.runInfo())
	p.result.Effects = append(p.result.Effects, res)

	payload := effectEvent{
		EffectID:   res.EffectID,
		Kind:       string(res.Kind),
		Phase:      phase,
		Mode:       res.Mode,
		Payload:    res.Payload,
		Response:   res.Response,
		DurationMs: res.DurationMs,
	}
	switch {
	case res.Error != nil:
		payload.Error = res.Error.Message
		payload.Code = res.Error.Code
		if p.run.Mode == schema.ModeLive && schema.IsRetryable(res.Error) {
			payload.OutboxID = c.enqueue(ctx, p, effect, res)
		}
		c.emit(p, schema.EventEffectFailed, effect.SectionID, payload)
	case !res.Sent:
		c.emit(p, schema.EventEffectSimulated, effect.SectionID, payload)
	case res.Kind == schema.EffectDocument:
		c.emit(p, schema.EventDocumentTriggered, effect.SectionID, payload)
	default:
		c.emit(p, schema.EventEffectDispatched, effect.SectionID, payload)
	}
}

func (c *Coordinator) enqueue(ctx context.Context, p *pass, effect schema.Effect, res effects.DispatchResult) string {
	now := c.now()
	entry := &store.OutboxEntry{
		ID:       uuid.New().String(),
		RunID:    p.run.ID,
		EffectID: effect.ID,
		Kind:     effect.Kind,
		Effect:   effect,
		Payload:  res.Payload,
		Data:     maps.Clone(p.run.Answers),
		Run: store.OutboxRunInfo{
			RunID:      p.run.ID,
			WorkflowID: p.run.WorkflowID,
			VersionID:  p.run.VersionID,
		},
		Status:        store.OutboxPending,
		Attempts:      1,
		MaxAttempts:   c.retry.MaxAttempts,
		LastError:     res.Error.Error(),
		NextAttemptAt: now.Add(c.retry.Backoff(1)),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.store.EnqueueOutbox(ctx, entry); err != nil {
		c.logger.ErrorContext(ctx, "enqueue outbox entry failed",
			slog.String("effect_id", effect.ID), slog.String("error", err.Error()))
		return ""
	}
	c.logger.WarnContext(ctx, "effect queued for retry",
		slog.String("effect_id", effect.ID), slog.Time("next_attempt_at", entry.NextAttemptAt))
	return entry.ID
}

// nextVisible returns the first section after the given one, in author
// order, that is visible for the current answers. An empty after starts
// from the beginning.
func (c *Coordinator) nextVisible(p *pass, after string) (schema.Section, bool) {
	sections := p.def.OrderedSections()
	start := 0
	if after != "" {
		for i, s := range sections {
			if s.ID == after {
				start = i + 1
				break
			}
		}
	}
	for _, s := range sections[start:] {
		if c.logic.SectionVisible(p.def.Rules, p.run.Answers, s) {
			return s, true
		}
	}
	return schema.Section{}, false
}

// progress is the share of visible sections before the current one.
func (c *Coordinator) progress(p *pass, current string) int {
	var visible, before int
	for _, s := range p.def.OrderedSections() {
		if !c.logic.SectionVisible(p.def.Rules, p.run.Answers, s) {
			continue
		}
		if s.ID == current {
			before = visible
		}
		visible++
	}
	if visible == 0 {
		return 0
	}
	return before * 100 / visible
}

func (c *Coordinator) definition(ctx context.Context, versionID string) (*schema.WorkflowDefinition, error) {
	if def, ok := c.definitions.Load(versionID); ok {
		return def.(*schema.WorkflowDefinition), nil
	}
	v, err := c.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if v.Definition == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "version %s has no definition", versionID)
	}
	c.definitions.Store(versionID, v.Definition)
	return v.Definition, nil
}

func (c *Coordinator) publish(ctx context.Context, events []*schema.RunEvent) {
	if c.hub == nil {
		return
	}
	for _, e := range events {
		_ = c.hub.Publish(ctx, streaming.FromRunEvent(e))
	}
}

// --- Per-run locks ---

type runLock struct {
	mu   sync.Mutex
	refs int
}

// runLocks serializes mutations of the same run within the process. Entries
// are dropped when no caller holds or waits on them.
type runLocks struct {
	mu   sync.Mutex
	held map[string]*runLock
}

func (l *runLocks) lock(runID string) func() {
	l.mu.Lock()
	rl, ok := l.held[runID]
	if !ok {
		rl = &runLock{}
		l.held[runID] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.held, runID)
		}
		l.mu.Unlock()
	}
}
