package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/intake/pkg/schema"
)

func newCEL(t *testing.T) *CELEngine {
	t.Helper()
	e, err := NewCELEngine()
	require.NoError(t, err)
	return e
}

func TestCELEngine_Name(t *testing.T) {
	assert.Equal(t, "cel", newCEL(t).Name())
}

func TestCELEngine_EvalBool(t *testing.T) {
	e := newCEL(t)
	ctx := context.Background()
	data := map[string]any{
		"answers": map[string]any{"email": "x@y.com", "age": int64(34)},
		"run":     map[string]any{"mode": "preview"},
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"contains", `answers.email.contains("@")`, true},
		{"numeric compare", `answers.age > 18`, true},
		{"has on missing key", `has(answers.phone)`, false},
		{"run metadata", `run.mode == "preview"`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.EvalBool(ctx, tt.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCELEngine_MissingVariablesDefaultToEmptyMaps(t *testing.T) {
	e := newCEL(t)
	got, err := e.EvalBool(context.Background(), `size(answers) == 0`, nil)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestCELEngine_NonBoolResult(t *testing.T) {
	e := newCEL(t)
	_, err := e.EvalBool(context.Background(), `"text"`, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestCELEngine_CompileError(t *testing.T) {
	e := newCEL(t)
	err := e.Compile(`answers.email ==`)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	err = e.Compile(`unknown_var == 1`)
	require.Error(t, err, "only answers and run are declared")
}

func TestCELEngine_RuntimeMissingKeyIsScriptError(t *testing.T) {
	e := newCEL(t)
	_, err := e.Evaluate(context.Background(), `answers.phone == "1"`, map[string]any{"answers": map[string]any{}})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeScript))
}

func TestCELEngine_CachesPrograms(t *testing.T) {
	e := newCEL(t)
	require.NoError(t, e.Compile(`true`))
	require.NoError(t, e.Compile(`true`))
	assert.Len(t, e.cache, 1)
}
