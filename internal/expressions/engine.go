package expressions

import "context"

// Engine evaluates an expression against a data map.
// CEL drives visibility rules; Expr and GoJQ drive declarative transform hooks.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Compiler checks an expression without evaluating it. Used at publish time.
type Compiler interface {
	Compile(expression string) error
}

// TransformCompiler checks a transform hook body against the input keys it
// declares.
type TransformCompiler interface {
	CompileTransform(expression string, inputKeys []string) error
}
