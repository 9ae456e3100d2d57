package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/intake/pkg/schema"
)

// JSONSchemaValidator checks definitions against the schema generated from
// schema.WorkflowDefinition and answers against per-step schemas.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	definitionSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the generated definition schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	raw, err := schema.GenerateJSONSchema()
	if err != nil {
		return nil, fmt.Errorf("generate definition schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}

	c := newCompiler()
	if err := c.AddResource(schema.DefinitionSchemaID, doc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}
	compiled, err := c.Compile(schema.DefinitionSchemaID)
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}

	return &JSONSchemaValidator{
		definitionSchema: compiled,
		cache:            make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition reports structural violations as one issue each.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return result
	}

	doc, err := toJSONValue(def)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "definition is not JSON-serializable: "+err.Error())
		return result
	}
	if err := v.definitionSchema.Validate(doc); err != nil {
		for _, vi := range violations(err) {
			result.AddError(vi.path, schema.ErrCodeValidation, vi.message)
		}
	}
	return result
}

// ValidateValue checks a single answer against a step schema. Compiled
// schemas are cached by their JSON encoding.
func (v *JSONSchemaValidator) ValidateValue(value any, stepSchema map[string]any) ([]string, error) {
	if len(stepSchema) == 0 {
		return nil, nil
	}
	compiled, err := v.compileStepSchema(stepSchema)
	if err != nil {
		return nil, err
	}
	doc, err := toJSONValue(value)
	if err != nil {
		return nil, err
	}
	if err := compiled.Validate(doc); err != nil {
		var msgs []string
		for _, vi := range violations(err) {
			msgs = append(msgs, vi.message)
		}
		return msgs, nil
	}
	return nil, nil
}

// CompileStepSchema reports whether a step schema compiles.
func (v *JSONSchemaValidator) CompileStepSchema(stepSchema map[string]any) error {
	_, err := v.compileStepSchema(stepSchema)
	return err
}

func (v *JSONSchemaValidator) compileStepSchema(stepSchema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(stepSchema)
	if err != nil {
		return nil, fmt.Errorf("marshal step schema: %w", err)
	}
	key := string(raw)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal step schema: %w", err)
	}
	url := fmt.Sprintf("intake://step-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add step schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile step schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft2020)
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through encoding/json so numbers become
// json.Number, as the validator expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

type violation struct {
	path    string
	message string
}

// violations flattens a ValidationError tree into its leaves.
func violations(err error) []violation {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []violation{{path: "/", message: err.Error()}}
	}
	return collect(verr)
}

func collect(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []violation{{path: loc, message: leafMessage(verr)}}
	}
	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, collect(cause)...)
	}
	return out
}

// leafMessage strips the "at '<pointer>': " prefix the library puts on leaf errors.
func leafMessage(verr *jsonschema.ValidationError) string {
	msg := verr.Error()
	if strings.HasPrefix(msg, "at ") {
		if i := strings.Index(msg, ": "); i > 0 {
			return msg[i+2:]
		}
	}
	return msg
}
