package logic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/intake/internal/expressions"
	"github.com/rendis/intake/pkg/schema"
)

func newEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	return NewEvaluator(cel)
}

func showIf(id, target, step, op string, value any) schema.Rule {
	return schema.Rule{
		ID:         id,
		Targets:    []string{target},
		Action:     schema.RuleShow,
		Conditions: []schema.Condition{{Step: step, Operator: op, Value: value}},
	}
}

func TestEvaluate_NoRulesAllVisible(t *testing.T) {
	e := newEvaluator(t)
	got := e.Evaluate(nil, map[string]any{}, []string{"a", "b"})
	assert.Equal(t, map[string]bool{"a": true, "b": true}, got)
}

func TestEvaluate_RuleOverridesDefault(t *testing.T) {
	e := newEvaluator(t)
	rules := []schema.Rule{showIf("r1", "phone", "email", schema.OpContains, "@")}

	got := e.Evaluate(rules, map[string]any{"email": "nope"}, []string{"email", "phone"})
	assert.True(t, got["email"], "untargeted questions stay visible")
	assert.False(t, got["phone"])

	got = e.Evaluate(rules, map[string]any{"email": "x@y.com"}, []string{"email", "phone"})
	assert.True(t, got["phone"])
}

func TestEvaluate_LastRuleWins(t *testing.T) {
	e := newEvaluator(t)
	answers := map[string]any{"country": "PE"}

	hideFirst := []schema.Rule{
		{ID: "hide", Targets: []string{"tax_id"}, Action: schema.RuleHide,
			Conditions: []schema.Condition{{Step: "country", Operator: schema.OpEquals, Value: "PE"}}},
		{ID: "show", Targets: []string{"tax_id"}, Action: schema.RuleShow,
			Conditions: []schema.Condition{{Step: "country", Operator: schema.OpEquals, Value: "PE"}}},
	}
	assert.True(t, e.Evaluate(hideFirst, answers, []string{"tax_id"})["tax_id"])

	showFirst := []schema.Rule{hideFirst[1], hideFirst[0]}
	assert.False(t, e.Evaluate(showFirst, answers, []string{"tax_id"})["tax_id"])
}

func TestEvaluate_Deterministic(t *testing.T) {
	e := newEvaluator(t)
	rules := []schema.Rule{
		showIf("r1", "b", "a", schema.OpEquals, "yes"),
		{ID: "r2", Targets: []string{"c"}, Expression: `has(answers.a) && answers.a == "yes"`},
	}
	answers := map[string]any{"a": "yes"}
	page := []string{"a", "b", "c"}

	first := e.Evaluate(rules, answers, page)
	second := e.Evaluate(rules, answers, page)
	assert.Equal(t, first, second)
	assert.Equal(t, map[string]any{"a": "yes"}, answers, "answers must not be mutated")
}

func TestEvaluate_MissingKeyIsFalsy(t *testing.T) {
	e := newEvaluator(t)
	page := []string{"x"}

	tests := []struct {
		name string
		rule schema.Rule
		want bool
	}{
		{"equals on missing", showIf("r", "x", "ghost", schema.OpEquals, "v"), false},
		{"not_equals on missing", showIf("r", "x", "ghost", schema.OpNotEquals, "v"), true},
		{"is_empty on missing", showIf("r", "x", "ghost", schema.OpIsEmpty, nil), true},
		{"greater_than on missing", showIf("r", "x", "ghost", schema.OpGreaterThan, 1), false},
		{"cel on missing key", schema.Rule{ID: "r", Targets: []string{"x"}, Expression: `answers.ghost == "v"`}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Evaluate([]schema.Rule{tt.rule}, map[string]any{}, page)
			assert.Equal(t, tt.want, got["x"])
		})
	}
}

func TestEvaluate_Operators(t *testing.T) {
	e := newEvaluator(t)
	answers := map[string]any{
		"age":   float64(30),
		"tags":  []any{"vip", "new"},
		"name":  "Ada",
		"blank": "  ",
		"count": "7",
	}

	tests := []struct {
		op    string
		step  string
		value any
		want  bool
	}{
		{schema.OpEquals, "age", 30, true},
		{schema.OpEquals, "count", 7, true},
		{schema.OpNotEquals, "name", "Bob", true},
		{schema.OpContains, "tags", "vip", true},
		{schema.OpNotContains, "tags", "old", true},
		{schema.OpGreaterThan, "age", 18, true},
		{schema.OpLessThan, "age", 18, false},
		{schema.OpIsEmpty, "blank", nil, true},
		{schema.OpIsNotEmpty, "name", nil, true},
		{"unknown_op", "name", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.op+"_"+tt.step, func(t *testing.T) {
			got := e.Evaluate([]schema.Rule{showIf("r", "q", tt.step, tt.op, tt.value)}, answers, []string{"q"})
			assert.Equal(t, tt.want, got["q"])
		})
	}
}

func TestEvaluate_Logic(t *testing.T) {
	e := newEvaluator(t)
	conds := []schema.Condition{
		{Step: "a", Operator: schema.OpEquals, Value: "1"},
		{Step: "b", Operator: schema.OpEquals, Value: "1"},
	}
	answers := map[string]any{"a": "1", "b": "2"}

	and := schema.Rule{ID: "and", Targets: []string{"q"}, Conditions: conds}
	or := schema.Rule{ID: "or", Targets: []string{"q"}, Logic: "or", Conditions: conds}

	assert.False(t, e.Evaluate([]schema.Rule{and}, answers, []string{"q"})["q"])
	assert.True(t, e.Evaluate([]schema.Rule{or}, answers, []string{"q"})["q"])
}

func TestEvaluate_IgnoresTargetsOffPage(t *testing.T) {
	e := newEvaluator(t)
	rules := []schema.Rule{showIf("r", "elsewhere", "a", schema.OpEquals, "x")}
	got := e.Evaluate(rules, map[string]any{}, []string{"a"})
	assert.Equal(t, map[string]bool{"a": true}, got)
}

func TestSectionVisible(t *testing.T) {
	e := newEvaluator(t)
	sectionB := schema.Section{ID: "B", Steps: []schema.Step{{ID: "phone"}}}
	rules := []schema.Rule{showIf("r", "B", "email", schema.OpContains, "@")}

	assert.True(t, e.SectionVisible(rules, map[string]any{"email": "x@y.com"}, sectionB))
	assert.False(t, e.SectionVisible(rules, map[string]any{"email": "xy"}, sectionB))
	assert.False(t, e.SectionVisible(rules, map[string]any{}, sectionB))

	t.Run("entirely hidden steps hide the section", func(t *testing.T) {
		hidePhone := []schema.Rule{{ID: "h", Targets: []string{"phone"}, Action: schema.RuleHide}}
		assert.False(t, e.SectionVisible(hidePhone, map[string]any{}, sectionB))
	})

	t.Run("section without steps is visible", func(t *testing.T) {
		assert.True(t, e.SectionVisible(nil, nil, schema.Section{ID: "intro"}))
	})
}
