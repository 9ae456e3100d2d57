package validation

import (
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/intake/pkg/schema"
)

// ValidateSection checks the submitted answers of one section. Hidden steps
// are skipped. Issues are keyed by the step's answer key.
func (wv *WorkflowValidator) ValidateSection(section schema.Section, visible map[string]bool, answers map[string]any) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	for _, st := range section.Steps {
		if v, ok := visible[st.ID]; ok && !v {
			continue
		}
		key := st.Key()
		val, present := answers[key]
		if !present || isBlank(val) {
			if st.Required {
				result.AddError(key, schema.ErrCodeValidation, fmt.Sprintf("%s is required", label(st)))
			}
			continue
		}
		if msg := checkType(st, val); msg != "" {
			result.AddError(key, schema.ErrCodeValidation, msg)
			continue
		}
		if len(st.Schema) > 0 {
			msgs, err := wv.jsonSchema.ValidateValue(val, st.Schema)
			if err != nil {
				result.AddError(key, schema.ErrCodeConfig, fmt.Sprintf("step schema is invalid: %v", err))
				continue
			}
			for _, m := range msgs {
				result.AddError(key, schema.ErrCodeValidation, m)
			}
		}
	}
	return result
}

func label(st schema.Step) string {
	if st.Title != "" {
		return st.Title
	}
	return st.Key()
}

func isBlank(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	case []string:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}

// checkType applies the built-in checks of a step type.
func checkType(st schema.Step, v any) string {
	switch st.Type {
	case "email":
		s, ok := v.(string)
		if !ok {
			return "must be a string"
		}
		if addr, err := mail.ParseAddress(s); err != nil || addr.Address != strings.TrimSpace(s) {
			return fmt.Sprintf("%q is not a valid email address", s)
		}
	case "number":
		switch x := v.(type) {
		case int, int32, int64, float32, float64:
		case string:
			if _, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err != nil {
				return fmt.Sprintf("%q is not a number", x)
			}
		default:
			return "must be a number"
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return "must be true or false"
		}
	case "date":
		s, ok := v.(string)
		if !ok {
			return "must be a date string"
		}
		if _, err := time.Parse(time.DateOnly, s); err != nil {
			if _, err := time.Parse(time.RFC3339, s); err != nil {
				return fmt.Sprintf("%q is not a date (YYYY-MM-DD)", s)
			}
		}
	}
	return ""
}
