package validation

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/intake/internal/effects"
	"github.com/rendis/intake/internal/expressions"
	"github.com/rendis/intake/internal/sandbox"
	"github.com/rendis/intake/pkg/schema"
)

// LanguageLookup reports which hook languages the runtime can execute.
// Satisfied by *hooks.Orchestrator.
type LanguageLookup interface {
	Supports(lang schema.Language) bool
}

// Options wires the optional collaborators of semantic validation.
type Options struct {
	Languages  LanguageLookup                                    // nil accepts every known language
	Rules      expressions.Compiler                              // CEL; nil skips expression checks
	Transforms map[schema.Language]expressions.TransformCompiler // expr and jq hooks
}

// runLevelPhases fire once per run outside any section.
var runLevelPhases = map[schema.Phase]bool{
	schema.PhaseRunStart:          true,
	schema.PhaseRunComplete:       true,
	schema.PhaseDocumentsComplete: true,
}

// KnownKeys returns every key a hook may read: step keys plus every hook output key.
func KnownKeys(def *schema.WorkflowDefinition) map[string]bool {
	keys := def.StepKeys()
	for _, h := range def.Hooks {
		for _, k := range h.OutputKeys {
			keys[k] = true
		}
	}
	return keys
}

func validateSemantic(def *schema.WorkflowDefinition, opts Options) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	sectionIDs := make(map[string]bool, len(def.Sections))
	stepIDs := make(map[string]bool)
	stepKeys := make(map[string]string)
	for i, sec := range def.Sections {
		path := fmt.Sprintf("sections[%d]", i)
		if sectionIDs[sec.ID] {
			result.AddError(path+".id", schema.ErrCodeValidation, fmt.Sprintf("duplicate section id %q", sec.ID))
		}
		sectionIDs[sec.ID] = true

		for j, st := range sec.Steps {
			stepPath := fmt.Sprintf("%s.steps[%d]", path, j)
			if stepIDs[st.ID] {
				result.AddError(stepPath+".id", schema.ErrCodeValidation, fmt.Sprintf("duplicate step id %q", st.ID))
			}
			stepIDs[st.ID] = true
			if owner, taken := stepKeys[st.Key()]; taken {
				result.AddError(stepPath+".alias", schema.ErrCodeValidation,
					fmt.Sprintf("answer key %q is already used by step %q", st.Key(), owner))
			} else {
				stepKeys[st.Key()] = st.ID
			}
		}
		if len(sec.Steps) == 0 {
			result.AddWarning(path+".steps", schema.ErrCodeValidation, "section has no steps")
		}
	}

	known := KnownKeys(def)
	validateRules(def, sectionIDs, stepIDs, known, opts, result)
	validateHooks(def, sectionIDs, stepKeys, known, opts, result)
	validateEffects(def, sectionIDs, known, result)
	return result
}

func validateRules(def *schema.WorkflowDefinition, sectionIDs, stepIDs, known map[string]bool, opts Options, result *schema.ValidationResult) {
	seen := make(map[string]bool, len(def.Rules))
	for i, r := range def.Rules {
		path := fmt.Sprintf("rules[%d]", i)
		if seen[r.ID] {
			result.AddError(path+".id", schema.ErrCodeValidation, fmt.Sprintf("duplicate rule id %q", r.ID))
		}
		seen[r.ID] = true

		for j, target := range r.Targets {
			if !stepIDs[target] && !sectionIDs[target] {
				result.AddError(fmt.Sprintf("%s.targets[%d]", path, j), schema.ErrCodeValidation,
					fmt.Sprintf("rule targets unknown step or section %q", target))
			}
		}
		for j, c := range r.Conditions {
			if !known[c.Step] {
				result.AddWarning(fmt.Sprintf("%s.conditions[%d].step", path, j), schema.ErrCodeValidation,
					fmt.Sprintf("condition reads %q, which no step or hook produces; it will always be empty", c.Step))
			}
		}

		if r.Expression != "" {
			if len(r.Conditions) > 0 {
				result.AddWarning(path+".conditions", schema.ErrCodeValidation,
					"rule has both an expression and conditions; conditions are ignored")
			}
			if opts.Rules != nil {
				if err := opts.Rules.Compile(r.Expression); err != nil {
					result.AddError(path+".expression", schema.ErrCodeValidation,
						fmt.Sprintf("expression does not compile: %v", err))
				}
			}
		}
	}
}

func validateHooks(def *schema.WorkflowDefinition, sectionIDs map[string]bool, stepKeys map[string]string, known map[string]bool, opts Options, result *schema.ValidationResult) {
	seen := make(map[string]bool, len(def.Hooks))
	for i, h := range def.Hooks {
		path := fmt.Sprintf("hooks[%d]", i)
		if seen[h.ID] {
			result.AddError(path+".id", schema.ErrCodeValidation, fmt.Sprintf("duplicate hook id %q", h.ID))
		}
		seen[h.ID] = true

		if !h.Phase.Valid() {
			result.AddError(path+".phase", schema.ErrCodeValidation, fmt.Sprintf("unknown phase %q", h.Phase))
		}
		validateScope(path, h.Phase, h.SectionID, sectionIDs, result)

		if opts.Languages != nil && !opts.Languages.Supports(h.Language) {
			result.AddError(path+".language", schema.ErrCodeConfig,
				fmt.Sprintf("language %q is not available in this runtime", h.Language))
		}
		if strings.TrimSpace(h.Code) == "" {
			result.AddError(path+".code", schema.ErrCodeConfig, "hook has no code")
		} else if c, ok := opts.Transforms[h.Language]; ok && c != nil {
			if err := c.CompileTransform(h.Code, h.InputKeys); err != nil {
				result.AddError(path+".code", schema.ErrCodeConfig, fmt.Sprintf("%s does not compile: %v", h.Language, err))
			}
		}

		for j, k := range h.InputKeys {
			if k == "" || !known[k] {
				result.AddError(fmt.Sprintf("%s.input_keys[%d]", path, j), schema.ErrCodeConfig,
					fmt.Sprintf("hook declares undeclared input key %q", k))
			}
		}
		if len(h.OutputKeys) == 0 {
			result.AddWarning(path+".output_keys", schema.ErrCodeValidation, "hook declares no output keys; its results are discarded")
		}
		for j, k := range h.OutputKeys {
			keyPath := fmt.Sprintf("%s.output_keys[%d]", path, j)
			if k == "" {
				result.AddError(keyPath, schema.ErrCodeConfig, "hook declares an empty output key")
				continue
			}
			if owner, ok := stepKeys[k]; ok && !h.MutationMode {
				result.AddWarning(keyPath, schema.ErrCodeValidation,
					fmt.Sprintf("output key %q is answered by step %q and is only written when unanswered (mutation_mode is off)", k, owner))
			}
		}

		if h.TimeoutMs < 0 {
			result.AddError(path+".timeout_ms", schema.ErrCodeValidation, "timeout_ms must not be negative")
		} else if time.Duration(h.TimeoutMs)*time.Millisecond > sandbox.MaxTimeout {
			result.AddWarning(path+".timeout_ms", schema.ErrCodeValidation,
				fmt.Sprintf("timeout_ms exceeds the %s cap and will be clamped", sandbox.MaxTimeout))
		}
	}
}

func validateEffects(def *schema.WorkflowDefinition, sectionIDs, known map[string]bool, result *schema.ValidationResult) {
	seen := make(map[string]bool, len(def.Effects))
	for i, e := range def.Effects {
		path := fmt.Sprintf("effects[%d]", i)
		if seen[e.ID] {
			result.AddError(path+".id", schema.ErrCodeValidation, fmt.Sprintf("duplicate effect id %q", e.ID))
		}
		seen[e.ID] = true

		if !e.Phase.Valid() {
			result.AddError(path+".phase", schema.ErrCodeValidation, fmt.Sprintf("unknown phase %q", e.Phase))
		}
		validateScope(path, e.Phase, e.SectionID, sectionIDs, result)

		if err := effects.ValidateEffect(e); err != nil {
			result.AddError(path, schema.CodeOf(err), messageOf(err))
			continue
		}
		if e.Kind == schema.EffectSend && !strings.Contains(e.Destination, "${{") {
			u, err := url.Parse(e.Destination)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				result.AddError(path+".destination", schema.ErrCodeConfig,
					fmt.Sprintf("send destination %q is not an http(s) URL", e.Destination))
			}
		}
		for _, target := range e.MappingTargets() {
			src := e.Mapping[target]
			if !known[src] {
				result.AddWarning(fmt.Sprintf("%s.mapping.%s", path, target), schema.ErrCodeValidation,
					fmt.Sprintf("mapping source %q is never produced; it will be null", src))
			}
		}
	}
}

func validateScope(path string, phase schema.Phase, sectionID string, sectionIDs map[string]bool, result *schema.ValidationResult) {
	if sectionID == "" {
		return
	}
	if !sectionIDs[sectionID] {
		result.AddError(path+".section_id", schema.ErrCodeValidation, fmt.Sprintf("unknown section %q", sectionID))
		return
	}
	if runLevelPhases[phase.Canonical()] {
		result.AddWarning(path+".section_id", schema.ErrCodeValidation,
			fmt.Sprintf("run-level phase %q has no current section, so a section-scoped binding never fires", phase))
	}
}

func messageOf(err error) string {
	var ie *schema.IntakeError
	if errors.As(err, &ie) {
		return ie.Message
	}
	return err.Error()
}
