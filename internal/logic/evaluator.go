// Package logic decides which steps and sections of a workflow are visible for
// a given answer set.
package logic

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/rendis/intake/internal/expressions"
	"github.com/rendis/intake/pkg/schema"
)

// Evaluator computes visibility from conditional rules. It holds no per-call
// state; the CEL engine only caches compiled programs.
type Evaluator struct {
	cel *expressions.CELEngine
}

// NewEvaluator creates an Evaluator. cel may be nil, in which case rules with
// an Expression never match.
func NewEvaluator(cel *expressions.CELEngine) *Evaluator {
	return &Evaluator{cel: cel}
}

// Evaluate returns the visibility of each question on the page.
// Every question starts visible; each rule targeting a question overwrites its
// visibility in declaration order, so the last rule wins.
func (e *Evaluator) Evaluate(rules []schema.Rule, answers map[string]any, questionsOnPage []string) map[string]bool {
	visible := make(map[string]bool, len(questionsOnPage))
	for _, q := range questionsOnPage {
		visible[q] = true
	}
	if len(rules) == 0 {
		return visible
	}

	for _, rule := range rules {
		var result *bool
		for _, target := range rule.Targets {
			if _, onPage := visible[target]; !onPage {
				continue
			}
			if result == nil {
				v := e.ruleVisibility(rule, answers)
				result = &v
			}
			visible[target] = *result
		}
	}
	return visible
}

// SectionVisible reports whether a section should be presented: rules
// targeting the section ID leave it visible and, when the section has steps,
// at least one of them is visible.
func (e *Evaluator) SectionVisible(rules []schema.Rule, answers map[string]any, section schema.Section) bool {
	if !e.Evaluate(rules, answers, []string{section.ID})[section.ID] {
		return false
	}
	if len(section.Steps) == 0 {
		return true
	}
	for _, v := range e.StepVisibility(rules, answers, section) {
		if v {
			return true
		}
	}
	return false
}

// StepVisibility evaluates the steps of a section by step ID.
func (e *Evaluator) StepVisibility(rules []schema.Rule, answers map[string]any, section schema.Section) map[string]bool {
	ids := make([]string, len(section.Steps))
	for i, st := range section.Steps {
		ids[i] = st.ID
	}
	return e.Evaluate(rules, answers, ids)
}

// ruleVisibility is the visibility a rule assigns to its targets.
func (e *Evaluator) ruleVisibility(rule schema.Rule, answers map[string]any) bool {
	matched := e.matches(rule, answers)
	if rule.Action == schema.RuleHide {
		return !matched
	}
	return matched
}

func (e *Evaluator) matches(rule schema.Rule, answers map[string]any) bool {
	if rule.Expression != "" {
		if e.cel == nil {
			return false
		}
		// Evaluation errors (e.g. a key that is not answered yet) count as not matched.
		ok, err := e.cel.EvalBool(context.Background(), rule.Expression, map[string]any{"answers": answers})
		return err == nil && ok
	}
	if len(rule.Conditions) == 0 {
		return true
	}

	anyOf := strings.EqualFold(rule.Logic, "or")
	for _, c := range rule.Conditions {
		ok := evalCondition(c, answers)
		if anyOf && ok {
			return true
		}
		if !anyOf && !ok {
			return false
		}
	}
	return !anyOf
}

func evalCondition(c schema.Condition, answers map[string]any) bool {
	actual, present := answers[c.Step]
	if !present {
		actual = nil
	}

	switch c.Operator {
	case schema.OpIsEmpty:
		return isEmpty(actual)
	case schema.OpIsNotEmpty:
		return !isEmpty(actual)
	case schema.OpEquals:
		return present && equal(actual, c.Value)
	case schema.OpNotEquals:
		return !present || !equal(actual, c.Value)
	case schema.OpContains:
		return present && contains(actual, c.Value)
	case schema.OpNotContains:
		return !present || !contains(actual, c.Value)
	case schema.OpGreaterThan, schema.OpLessThan:
		a, aok := toFloat(actual)
		b, bok := toFloat(c.Value)
		if !present || !aok || !bok {
			return false
		}
		if c.Operator == schema.OpGreaterThan {
			return a > b
		}
		return a < b
	}
	return false
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	case bool:
		return !val
	}
	return false
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return sa == sb
		}
	}
	return reflect.DeepEqual(a, b)
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, fmt.Sprint(needle))
	case []any:
		for _, item := range h {
			if equal(item, needle) {
				return true
			}
		}
	case []string:
		for _, item := range h {
			if item == fmt.Sprint(needle) {
				return true
			}
		}
	case map[string]any:
		_, ok := h[fmt.Sprint(needle)]
		return ok
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
