package expressions

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/intake/pkg/schema"
)

// ExprEngine evaluates `expr` transform hooks. The hook's projected input keys
// are the expression environment, so `income * 12` reads answers.income. A key
// named like a builtin (`first`, `len`, `now`) resolves to the answer.
// Thread-safe: programs are cached per expression and key set.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache: make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Compile checks expression syntax against an empty environment.
func (e *ExprEngine) Compile(expression string) error {
	_, err := e.getOrCompile(expression, nil)
	return err
}

// CompileTransform checks expression against the keys a hook reads.
func (e *ExprEngine) CompileTransform(expression string, inputKeys []string) error {
	_, err := e.getOrCompile(expression, append(slices.Clone(inputKeys), "context"))
	return err
}

// Evaluate runs expression with data as its environment.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	prg, err := e.getOrCompile(expression, slices.Collect(maps.Keys(env)))
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeScript,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out, nil
}

// getOrCompile compiles against keys typed as unknown, so one program serves
// every answer set with the same keys whatever their value types. Names not
// in keys resolve to nil at run time.
func (e *ExprEngine) getOrCompile(expression string, keys []string) (*vm.Program, error) {
	keys = slices.Compact(slices.Sorted(slices.Values(keys)))
	cacheKey := strings.Join(keys, ",") + "\x00" + expression

	e.mu.RLock()
	if prg, ok := e.cache[cacheKey]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[cacheKey]; ok {
		return prg, nil
	}

	shape := make(map[string]any, len(keys))
	for _, k := range keys {
		shape[k] = nil
	}
	prg, err := expr.Compile(expression, expr.Env(shape), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[cacheKey] = prg
	return prg, nil
}

var (
	_ Engine            = (*ExprEngine)(nil)
	_ Compiler          = (*ExprEngine)(nil)
	_ TransformCompiler = (*ExprEngine)(nil)
)
