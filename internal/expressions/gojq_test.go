package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/intake/pkg/schema"
)

func TestGoJQEngine_Evaluate(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()
	data := map[string]any{
		"applicants": []any{
			map[string]any{"name": "a", "income": 10},
			map[string]any{"name": "b", "income": 20},
		},
	}

	got, err := e.Evaluate(ctx, `{total_income: ([.applicants[].income] | add)}`, data)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"total_income": float64(30)}, got)

	got, err = e.Evaluate(ctx, `.applicants[].name`, data)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, got)

	got, err = e.Evaluate(ctx, `empty`, data)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGoJQEngine_NoEnvironment(t *testing.T) {
	t.Setenv("INTAKE_TEST_SECRET", "leak")
	e := NewGoJQEngine()
	got, err := e.Evaluate(context.Background(), `$ENV.INTAKE_TEST_SECRET`, nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGoJQEngine_Errors(t *testing.T) {
	e := NewGoJQEngine()
	assert.True(t, schema.IsCode(e.Compile(`.[`), schema.ErrCodeValidation))

	_, err := e.Evaluate(context.Background(), `error("bad input")`, map[string]any{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeScript))
}
