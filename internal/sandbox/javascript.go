package sandbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/dop251/goja"

	"github.com/rendis/intake/pkg/schema"
)

var consoleLevels = []string{"log", "info", "warn", "error", "debug"}

// JavaScriptRuntime runs hooks in an embedded goja VM. The script body is a
// function of (input, context); it may return an object or call emit(obj).
type JavaScriptRuntime struct{}

// NewJavaScriptRuntime creates a JavaScriptRuntime.
func NewJavaScriptRuntime() *JavaScriptRuntime { return &JavaScriptRuntime{} }

func (r *JavaScriptRuntime) Language() schema.Language { return schema.LangJavaScript }

func (r *JavaScriptRuntime) Run(ctx context.Context, job *Job) (map[string]any, error) {
	vm := goja.New()
	stop := context.AfterFunc(ctx, func() { vm.Interrupt("deadline exceeded") })
	defer stop()

	console := vm.NewObject()
	for _, level := range consoleLevels {
		_ = console.Set(level, func(call goja.FunctionCall) goja.Value {
			job.Console.Write(level, exportArgs(call)...)
			return goja.Undefined()
		})
	}
	_ = vm.Set("console", console)

	for _, ns := range job.Helpers.Namespaces() {
		obj := vm.NewObject()
		for _, name := range job.Helpers.Functions(ns) {
			_ = obj.Set(name, func(call goja.FunctionCall) goja.Value {
				res, err := job.Helpers.Call(ctx, ns, name, exportArgs(call))
				if err != nil {
					panic(vm.NewGoError(err))
				}
				return vm.ToValue(res)
			})
		}
		_ = vm.Set(ns, obj)
	}

	emitted := map[string]any{}
	_ = vm.Set("emit", func(call goja.FunctionCall) goja.Value {
		if m, ok := call.Argument(0).Export().(map[string]any); ok {
			for k, v := range m {
				emitted[k] = v
			}
			return goja.Undefined()
		}
		panic(vm.NewTypeError("emit expects an object"))
	})

	wrapped, err := vm.RunString("(function(input, context) {\n" + job.Code + "\n})")
	if err != nil {
		return nil, jsError(ctx, err)
	}
	fn, ok := goja.AssertFunction(wrapped)
	if !ok {
		return nil, errors.New("script did not compile to a function")
	}

	ret, err := fn(goja.Undefined(), vm.ToValue(job.Input), vm.ToValue(job.Context))
	if err != nil {
		return nil, jsError(ctx, err)
	}

	if ret == nil || goja.IsUndefined(ret) || goja.IsNull(ret) {
		return emitted, nil
	}
	out, ok := ret.Export().(map[string]any)
	if !ok {
		return nil, fmt.Errorf("script must return an object, got %s", ret.ExportType())
	}
	for k, v := range emitted {
		if _, set := out[k]; !set {
			out[k] = v
		}
	}
	return out, nil
}

func exportArgs(call goja.FunctionCall) []any {
	args := make([]any, len(call.Arguments))
	for i, a := range call.Arguments {
		args[i] = a.Export()
	}
	return args
}

func jsError(ctx context.Context, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.New("script interrupted")
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return errors.New(ex.Value().String())
	}
	return err
}
