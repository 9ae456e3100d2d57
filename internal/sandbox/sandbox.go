// Package sandbox executes author-supplied hook scripts under a hard
// wall-clock deadline with only an injected helper library for capabilities.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/rendis/intake/pkg/schema"
)

// DefaultTimeout applies when a hook declares no timeout.
const DefaultTimeout = 5 * time.Second

// MaxTimeout caps any declared timeout.
const MaxTimeout = 60 * time.Second

// ExecContext is the read-only context object handed to scripts.
type ExecContext struct {
	WorkflowID string            `json:"workflowId"`
	RunID      string            `json:"runId"`
	Phase      schema.Phase      `json:"phase"`
	SectionID  string            `json:"sectionId,omitempty"`
	UserID     string            `json:"userId,omitempty"`
	Mode       schema.Mode       `json:"mode,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

// Map renders the context as the object scripts see.
func (c ExecContext) Map() map[string]any {
	env := make(map[string]any, len(c.Env))
	for k, v := range c.Env {
		env[k] = v
	}
	return map[string]any{
		"workflowId": c.WorkflowID,
		"runId":      c.RunID,
		"phase":      string(c.Phase),
		"sectionId":  c.SectionID,
		"userId":     c.UserID,
		"mode":       string(c.Mode),
		"env":        env,
	}
}

// Params describes one script invocation.
type Params struct {
	Language  schema.Language
	Code      string
	InputKeys []string       // the only answer-set keys projected into the sandbox
	Data      map[string]any // full answer set; never mutated
	Context   ExecContext
	TimeoutMs int
}

// Result is always returned; Execute never panics or returns an error.
type Result struct {
	OK          bool                  `json:"ok"`
	Status      schema.ExecStatus     `json:"status"`
	Output      map[string]any        `json:"output,omitempty"`
	Error       string                `json:"error,omitempty"`
	ErrorCode   string                `json:"error_code,omitempty"`
	ConsoleLogs []schema.ConsoleEntry `json:"consoleLogs,omitempty"`
	DurationMs  int64                 `json:"durationMs"`
}

// Job is what a Runtime receives: a projected, private copy of the input.
type Job struct {
	Code    string
	Input   map[string]any
	Context map[string]any
	Console *Console
	Helpers *Library
}

// Runtime runs one script. Implementations must stop promptly once ctx is
// done; the engine stops waiting at the deadline either way.
type Runtime interface {
	Language() schema.Language
	Run(ctx context.Context, job *Job) (map[string]any, error)
}

// Engine dispatches scripts to language runtimes and enforces the deadline.
type Engine struct {
	runtimes map[schema.Language]Runtime
	helpers  *Library
	logger   *slog.Logger
	timeout  time.Duration
}

// NewEngine creates an Engine with the given helper library and runtimes.
func NewEngine(helpers *Library, logger *slog.Logger, runtimes ...Runtime) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		runtimes: make(map[schema.Language]Runtime, len(runtimes)),
		helpers:  helpers,
		logger:   logger,
		timeout:  DefaultTimeout,
	}
	for _, rt := range runtimes {
		e.runtimes[rt.Language()] = rt
	}
	return e
}

// SetDefaultTimeout changes the deadline used for hooks that declare none.
// Values outside (0, MaxTimeout] are ignored.
func (e *Engine) SetDefaultTimeout(d time.Duration) {
	if d > 0 && d <= MaxTimeout {
		e.timeout = d
	}
}

// Supports reports whether a runtime is registered for lang.
func (e *Engine) Supports(lang schema.Language) bool {
	_, ok := e.runtimes[lang]
	return ok
}

// Execute runs p.Code in the runtime for p.Language.
func (e *Engine) Execute(ctx context.Context, p Params) Result {
	start := time.Now()
	console := NewConsole()

	finish := func(r Result) Result {
		r.ConsoleLogs = console.Entries()
		r.DurationMs = time.Since(start).Milliseconds()
		return r
	}

	rt, ok := e.runtimes[p.Language]
	if !ok {
		return finish(failure(schema.ErrCodeConfig, fmt.Sprintf("unsupported script language %q", p.Language)))
	}

	input, err := Project(p.Data, p.InputKeys)
	if err != nil {
		return finish(failure(schema.ErrCodeScript, "input is not JSON-serializable: "+err.Error()))
	}

	timeout := effectiveTimeout(p.TimeoutMs, e.timeout)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	job := &Job{
		Code:    p.Code,
		Input:   input,
		Context: p.Context.Map(),
		Console: console,
		Helpers: e.helpers,
	}

	type outcome struct {
		out map[string]any
		err error
	}
	// Buffered so an abandoned runtime can still deliver and exit.
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("sandbox: runtime panic", "language", p.Language, "panic", r, "stack", string(debug.Stack()))
				done <- outcome{err: fmt.Errorf("runtime panic: %v", r)}
			}
		}()
		out, err := rt.Run(runCtx, job)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		if runCtx.Err() != nil {
			console.Close()
			return finish(e.expired(ctx, timeout))
		}
		if o.err != nil {
			return finish(failure(schema.ErrCodeScript, o.err.Error()))
		}
		out, err := Normalize(o.out)
		if err != nil {
			return finish(failure(schema.ErrCodeScript, "script output is not a JSON object: "+err.Error()))
		}
		return finish(Result{OK: true, Status: schema.ExecStatusSuccess, Output: out})
	case <-runCtx.Done():
		console.Close()
		return finish(e.expired(ctx, timeout))
	}
}

// expired distinguishes the script deadline from the caller giving up.
func (e *Engine) expired(parent context.Context, timeout time.Duration) Result {
	if parent.Err() != nil {
		return failure(schema.ErrCodeScript, "execution cancelled: "+parent.Err().Error())
	}
	return timedOut(timeout)
}

func effectiveTimeout(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	d := time.Duration(ms) * time.Millisecond
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}

func failure(code, msg string) Result {
	return Result{OK: false, Status: schema.ExecStatusError, Error: msg, ErrorCode: code}
}

func timedOut(d time.Duration) Result {
	return Result{
		OK:        false,
		Status:    schema.ExecStatusTimeout,
		Error:     fmt.Sprintf("script exceeded timeout of %s", d),
		ErrorCode: schema.ErrCodeScriptTimeout,
	}
}

// Project deep-copies the whitelisted keys of data. Keys absent from data are
// absent from the projection.
func Project(data map[string]any, keys []string) (map[string]any, error) {
	picked := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := data[k]; ok {
			picked[k] = v
		}
	}
	return Normalize(picked)
}

// Normalize round-trips v through JSON, yielding a detached map of plain
// JSON types (float64 numbers, []any, map[string]any).
func Normalize(v map[string]any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
