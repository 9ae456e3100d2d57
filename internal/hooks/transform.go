package hooks

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/intake/internal/expressions"
	"github.com/rendis/intake/internal/sandbox"
	"github.com/rendis/intake/pkg/schema"
)

// invocation is one hook call with its projected input.
type invocation struct {
	hook    schema.Hook
	data    map[string]any
	context sandbox.ExecContext
}

// transform is the closed set of ways a hook body can run.
type transform interface {
	run(ctx context.Context, inv invocation) sandbox.Result
}

// scriptTransform runs javascript, python, and lua hooks in the sandbox.
type scriptTransform struct {
	engine *sandbox.Engine
}

func (t scriptTransform) run(ctx context.Context, inv invocation) sandbox.Result {
	return t.engine.Execute(ctx, sandbox.Params{
		Language:  inv.hook.Language,
		Code:      inv.hook.Code,
		InputKeys: inv.hook.InputKeys,
		Data:      inv.data,
		Context:   inv.context,
		TimeoutMs: inv.hook.TimeoutMs,
	})
}

// exprTransform evaluates an expr-lang program whose environment is the
// projected input plus a `context` variable.
type exprTransform struct {
	engine *expressions.ExprEngine
}

func (t exprTransform) run(ctx context.Context, inv invocation) sandbox.Result {
	return evalDeclarative(ctx, inv, func(ctx context.Context, input map[string]any) (any, error) {
		env := make(map[string]any, len(input)+1)
		for k, v := range input {
			env[k] = v
		}
		env["context"] = inv.context.Map()
		return t.engine.Evaluate(ctx, inv.hook.Code, env)
	})
}

// jqTransform runs a jq filter over the projected input document.
type jqTransform struct {
	engine *expressions.GoJQEngine
}

func (t jqTransform) run(ctx context.Context, inv invocation) sandbox.Result {
	return evalDeclarative(ctx, inv, func(ctx context.Context, input map[string]any) (any, error) {
		return t.engine.Evaluate(ctx, inv.hook.Code, input)
	})
}

// evalDeclarative applies the same projection, deadline, and output shaping
// as the script sandbox to an in-process expression. A non-object result is
// accepted when the hook declares exactly one output key.
func evalDeclarative(ctx context.Context, inv invocation, eval func(context.Context, map[string]any) (any, error)) sandbox.Result {
	start := time.Now()
	finish := func(r sandbox.Result) sandbox.Result {
		r.DurationMs = time.Since(start).Milliseconds()
		return r
	}

	input, err := sandbox.Project(inv.data, inv.hook.InputKeys)
	if err != nil {
		return finish(failed(schema.ErrCodeScript, "input is not JSON-serializable: "+err.Error()))
	}

	timeout := sandbox.DefaultTimeout
	if inv.hook.TimeoutMs > 0 {
		timeout = min(time.Duration(inv.hook.TimeoutMs)*time.Millisecond, sandbox.MaxTimeout)
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		v   any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("evaluation panic: %v", r)}
			}
		}()
		v, err := eval(runCtx, input)
		done <- outcome{v: v, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-runCtx.Done():
	}
	if runCtx.Err() != nil {
		if ctx.Err() != nil {
			return finish(failed(schema.ErrCodeScript, "execution cancelled: "+ctx.Err().Error()))
		}
		return finish(sandbox.Result{
			Status:    schema.ExecStatusTimeout,
			Error:     fmt.Sprintf("expression exceeded timeout of %s", timeout),
			ErrorCode: schema.ErrCodeScriptTimeout,
		})
	}
	if o.err != nil {
		return finish(failed(schema.ErrCodeScript, o.err.Error()))
	}

	out, ok := o.v.(map[string]any)
	if !ok {
		if len(inv.hook.OutputKeys) != 1 {
			return finish(failed(schema.ErrCodeScript,
				fmt.Sprintf("%s hook must produce an object unless it declares exactly one output key", inv.hook.Language)))
		}
		out = map[string]any{inv.hook.OutputKeys[0]: o.v}
	}
	out, err = sandbox.Normalize(out)
	if err != nil {
		return finish(failed(schema.ErrCodeScript, "output is not JSON-serializable: "+err.Error()))
	}
	return finish(sandbox.Result{OK: true, Status: schema.ExecStatusSuccess, Output: out})
}

func failed(code, msg string) sandbox.Result {
	return sandbox.Result{Status: schema.ExecStatusError, Error: msg, ErrorCode: code}
}
