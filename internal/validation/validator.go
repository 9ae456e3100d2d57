// Package validation checks workflow definitions before they are published
// and respondent answers before a section is accepted.
package validation

import "github.com/rendis/intake/pkg/schema"

// Validator is the publish-time and submit-time validation contract.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateSection(section schema.Section, visible map[string]bool, answers map[string]any) *schema.ValidationResult
}
