package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlDefinition = `
id: lead
name: Lead capture
sections:
  - id: contact
    steps:
      - id: email
        type: email
        required: true
rules:
  - id: r1
    targets: [contact]
    conditions:
      - step: age
        operator: greater_than
        value: 18
hooks:
  - id: h1
    phase: onNext
    language: expr
    code: "1"
    enabled: true
`

func TestDecodeDefinition_YAMLMatchesJSON(t *testing.T) {
	fromYAML, err := DecodeDefinition([]byte(yamlDefinition))
	require.NoError(t, err)

	fromJSON, err := DecodeDefinition([]byte(`{
		"id": "lead", "name": "Lead capture",
		"sections": [{"id": "contact", "steps": [{"id": "email", "type": "email", "required": true}]}],
		"rules": [{"id": "r1", "targets": ["contact"], "conditions": [{"step": "age", "operator": "greater_than", "value": 18}]}],
		"hooks": [{"id": "h1", "phase": "onNext", "language": "expr", "code": "1", "enabled": true}]
	}`))
	require.NoError(t, err)

	assert.Equal(t, fromJSON, fromYAML)
	assert.Equal(t, float64(18), fromYAML.Rules[0].Conditions[0].Value)
	assert.Equal(t, PhaseSectionSubmit, fromYAML.Hooks[0].Phase.Canonical())
}

func TestDecodeDefinition_Errors(t *testing.T) {
	tests := map[string]string{
		"empty":         "   ",
		"bad yaml":      "id: [unterminated",
		"unknown field": `{"id": "x", "name": "x", "sections": [], "colour": "red"}`,
		"trailing":      `{"id": "x"} {"id": "y"}`,
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeDefinition([]byte(input))
			require.Error(t, err)
			assert.True(t, IsCode(err, ErrCodeValidation))
		})
	}
}
