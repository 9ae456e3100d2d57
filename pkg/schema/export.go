package schema

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// DefinitionSchemaID is the canonical $id of the generated definition schema.
const DefinitionSchemaID = "https://github.com/rendis/intake/schemas/workflow-v1.json"

// GenerateJSONSchema produces the JSON Schema document for WorkflowDefinition.
func GenerateJSONSchema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	r.DoNotReference = false

	s := r.Reflect(&WorkflowDefinition{})
	s.ID = DefinitionSchemaID
	s.Title = "Intake workflow definition v1"
	s.Description = "Sections, visibility rules, hooks and effects of an intake workflow"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return data, nil
}
