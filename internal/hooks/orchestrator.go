// Package hooks runs the hooks bound to a lifecycle phase as a sequential
// pipeline over the run's answer set.
package hooks

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rendis/intake/internal/expressions"
	"github.com/rendis/intake/internal/logging"
	"github.com/rendis/intake/internal/sandbox"
	"github.com/rendis/intake/pkg/schema"
)

// LogSink persists execution logs. Append failures are logged, never fatal.
type LogSink interface {
	AppendExecutionLog(ctx context.Context, log *schema.ExecutionLog) error
}

// RunContext identifies the run a phase executes for.
type RunContext struct {
	WorkflowID string
	RunID      string
	UserID     string
	Mode       schema.Mode
	Env        map[string]string
}

// PhaseRequest is the input to RunPhase. Hooks is the full candidate list;
// RunPhase selects the ones bound to Phase and SectionID.
type PhaseRequest struct {
	Phase     schema.Phase
	Hooks     []schema.Hook
	SectionID string
	Data      map[string]any
	Run       RunContext
	// KnownKeys, when set, is the set of answer-set keys a hook may declare
	// as input. An input key outside it is a configuration error.
	KnownKeys map[string]bool
}

// ConsoleLine is a console entry attributed to the hook that wrote it.
type ConsoleLine struct {
	HookID string `json:"hook_id"`
	schema.ConsoleEntry
}

// PhaseResult is the folded outcome of a phase. Data is always the
// accumulated answer set, even when some hooks failed.
type PhaseResult struct {
	Success       bool                  `json:"success"`
	Data          map[string]any        `json:"data"`
	Errors        []*schema.IntakeError `json:"errors,omitempty"`
	ConsoleOutput []ConsoleLine         `json:"console_output,omitempty"`
	Logs          []schema.ExecutionLog `json:"logs,omitempty"`
}

// Orchestrator selects, orders, and runs hooks.
type Orchestrator struct {
	transforms map[schema.Language]transform
	sink       LogSink
	logger     *slog.Logger
	now        func() time.Time
}

// NewOrchestrator wires the script sandbox and the declarative engines.
// sink may be nil.
func NewOrchestrator(scripts *sandbox.Engine, exprEngine *expressions.ExprEngine, jq *expressions.GoJQEngine, sink LogSink, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		transforms: map[schema.Language]transform{},
		sink:       sink,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
	if scripts != nil {
		for _, lang := range []schema.Language{schema.LangJavaScript, schema.LangPython, schema.LangLua} {
			if scripts.Supports(lang) {
				o.transforms[lang] = scriptTransform{engine: scripts}
			}
		}
	}
	if exprEngine != nil {
		o.transforms[schema.LangExpr] = exprTransform{engine: exprEngine}
	}
	if jq != nil {
		o.transforms[schema.LangJQ] = jqTransform{engine: jq}
	}
	return o
}

// Supports reports whether hooks in lang can run.
func (o *Orchestrator) Supports(lang schema.Language) bool {
	_, ok := o.transforms[lang]
	return ok
}

// Select returns the enabled hooks bound to phase (aliases folded) that are
// global or scoped to sectionID, stably sorted by Order.
func Select(hooks []schema.Hook, phase schema.Phase, sectionID string) []schema.Hook {
	var out []schema.Hook
	for _, h := range hooks {
		if !h.Enabled || h.Phase.Canonical() != phase.Canonical() {
			continue
		}
		if h.SectionID != "" && h.SectionID != sectionID {
			continue
		}
		out = append(out, h)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// RunPhase executes the selected hooks in order. Each hook sees the data
// accumulated so far and contributes only its declared output keys. Hook
// failures are collected and the pipeline continues.
func (o *Orchestrator) RunPhase(ctx context.Context, req PhaseRequest) *PhaseResult {
	acc := maps.Clone(req.Data)
	if acc == nil {
		acc = map[string]any{}
	}
	result := &PhaseResult{Data: acc}
	phase := req.Phase.Canonical()

	for _, hook := range Select(req.Hooks, phase, req.SectionID) {
		hctx := logging.WithHookID(logging.WithIDs(ctx, req.Run.RunID, req.SectionID), hook.ID)
		log := o.runHook(hctx, hook, phase, req, acc, result)
		o.persist(hctx, log)
		result.Logs = append(result.Logs, *log)
	}

	result.Success = len(result.Errors) == 0
	return result
}

func (o *Orchestrator) runHook(ctx context.Context, hook schema.Hook, phase schema.Phase, req PhaseRequest, acc map[string]any, result *PhaseResult) *schema.ExecutionLog {
	log := &schema.ExecutionLog{
		ID:        ulid.MustNew(ulid.Now(), rand.Reader).String(),
		RunID:     req.Run.RunID,
		HookID:    hook.ID,
		HookName:  hook.DisplayName(),
		Phase:     phase,
		SectionID: req.SectionID,
		Language:  hook.Language,
		StartedAt: o.now(),
	}
	fail := func(status schema.ExecStatus, err *schema.IntakeError) *schema.ExecutionLog {
		log.Status = status
		log.Error = err.Message
		log.FinishedAt = o.now()
		result.Errors = append(result.Errors, err.WithHook(hook.ID))
		o.logger.WarnContext(ctx, "hook failed", "code", err.Code, "error", err.Message)
		return log
	}

	if err := ctx.Err(); err != nil {
		return fail(schema.ExecStatusSkipped, schema.NewErrorf(schema.ErrCodeScript, "hook skipped: %s", err.Error()))
	}

	tr, err := o.precheck(hook, req.KnownKeys)
	if err != nil {
		return fail(schema.ExecStatusError, err)
	}

	inv := invocation{
		hook: hook,
		data: acc,
		context: sandbox.ExecContext{
			WorkflowID: req.Run.WorkflowID,
			RunID:      req.Run.RunID,
			Phase:      phase,
			SectionID:  req.SectionID,
			UserID:     req.Run.UserID,
			Mode:       req.Run.Mode,
			Env:        req.Run.Env,
		},
	}
	if input, perr := sandbox.Project(acc, hook.InputKeys); perr == nil {
		log.Input = marshalRaw(input)
	}

	res := tr.run(ctx, inv)
	log.DurationMs = res.DurationMs
	log.Console = res.ConsoleLogs
	for _, entry := range res.ConsoleLogs {
		result.ConsoleOutput = append(result.ConsoleOutput, ConsoleLine{HookID: hook.ID, ConsoleEntry: entry})
	}

	if !res.OK {
		code := res.ErrorCode
		if code == "" {
			code = schema.ErrCodeScript
		}
		return fail(res.Status, schema.NewError(code, res.Error))
	}

	applied, dropped := fold(acc, res.Output, hook)
	if len(dropped) > 0 {
		o.logger.WarnContext(ctx, "hook returned undeclared output keys", "keys", dropped)
	}
	log.Status = schema.ExecStatusSuccess
	log.Output = marshalRaw(applied)
	log.FinishedAt = o.now()
	o.logger.DebugContext(ctx, "hook finished", "duration_ms", res.DurationMs, "keys", len(applied))
	return log
}

// precheck rejects hooks that cannot run before anything executes.
func (o *Orchestrator) precheck(hook schema.Hook, known map[string]bool) (transform, *schema.IntakeError) {
	if hook.Code == "" {
		return nil, schema.NewError(schema.ErrCodeConfig, "hook has no code")
	}
	tr, ok := o.transforms[hook.Language]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "unsupported hook language %q", hook.Language)
	}
	for _, k := range append(append([]string{}, hook.InputKeys...), hook.OutputKeys...) {
		if k == "" {
			return nil, schema.NewError(schema.ErrCodeConfig, "hook declares an empty key")
		}
	}
	if known != nil {
		for _, k := range hook.InputKeys {
			if !known[k] {
				return nil, schema.NewErrorf(schema.ErrCodeConfig, "hook reads undeclared key %q", k).
					WithDetails(map[string]any{"key": k})
			}
		}
	}
	return tr, nil
}

// fold writes the declared keys of out into acc. Without mutation mode only
// keys absent from acc are written.
func fold(acc, out map[string]any, hook schema.Hook) (applied map[string]any, dropped []string) {
	declared := make(map[string]bool, len(hook.OutputKeys))
	for _, k := range hook.OutputKeys {
		declared[k] = true
	}
	applied = map[string]any{}
	for k, v := range out {
		if !declared[k] {
			dropped = append(dropped, k)
			continue
		}
		if _, exists := acc[k]; exists && !hook.MutationMode {
			continue
		}
		acc[k] = v
		applied[k] = v
	}
	sort.Strings(dropped)
	return applied, dropped
}

func (o *Orchestrator) persist(ctx context.Context, log *schema.ExecutionLog) {
	if o.sink == nil {
		return
	}
	if err := o.sink.AppendExecutionLog(ctx, log); err != nil {
		o.logger.ErrorContext(ctx, "append execution log", "error", err)
	}
}

func marshalRaw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf("%q", err.Error()))
	}
	return b
}
