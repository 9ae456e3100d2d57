package validation

import (
	"fmt"

	"github.com/rendis/intake/pkg/schema"
)

// WorkflowValidator runs the publish-time pipeline:
//  1. structural (generated JSON Schema)
//  2. semantic (IDs, references, languages, keys, expressions, effects)
//  3. dataflow (hook read-before-write warnings)
//
// and validates section answers at submit time.
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	opts       Options
}

var _ Validator = (*WorkflowValidator)(nil)

// NewWorkflowValidator creates a WorkflowValidator.
func NewWorkflowValidator(opts Options) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, opts: opts}, nil
}

// Validate runs the full pipeline. Structural errors short-circuit.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := wv.jsonSchema.ValidateDefinition(def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.opts))
	for i, sec := range def.Sections {
		for j, st := range sec.Steps {
			if len(st.Schema) == 0 {
				continue
			}
			if err := wv.jsonSchema.CompileStepSchema(st.Schema); err != nil {
				result.AddError(fmt.Sprintf("sections[%d].steps[%d].schema", i, j), schema.ErrCodeValidation, err.Error())
			}
		}
	}
	if result.Valid() {
		result.Merge(validateDataflow(def))
	}
	return result
}

// ValidateDefinition returns the pipeline outcome as an error.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}
