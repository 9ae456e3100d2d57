package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// DecodeDefinition parses a workflow definition from JSON or YAML. YAML input
// is normalized through JSON so both formats produce identical values.
// Unknown fields are rejected.
func DecodeDefinition(data []byte) (*WorkflowDefinition, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, NewError(ErrCodeValidation, "definition is empty")
	}

	if trimmed[0] != '{' {
		var doc any
		if err := yaml.Unmarshal(trimmed, &doc); err != nil {
			return nil, NewErrorf(ErrCodeValidation, "parse yaml: %v", err).WithCause(err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, NewErrorf(ErrCodeValidation, "yaml is not representable as json: %v", err).WithCause(err)
		}
		trimmed = converted
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	var def WorkflowDefinition
	if err := dec.Decode(&def); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "decode definition: %v", err).WithCause(err)
	}
	if dec.More() {
		return nil, NewError(ErrCodeValidation, fmt.Sprintf("trailing data after definition at offset %d", dec.InputOffset()))
	}
	return &def, nil
}
