package schema

import "sort"

// WorkflowDefinition is a published, read-only snapshot of an intake workflow.
// Runs reference exactly one definition version for their whole lifetime.
type WorkflowDefinition struct {
	ID       string         `yaml:"id"                 json:"id"                 jsonschema:"required"`
	Name     string         `yaml:"name"               json:"name"               jsonschema:"required"`
	Version  int            `yaml:"version,omitempty"  json:"version,omitempty"`
	Sections []Section      `yaml:"sections"           json:"sections"           jsonschema:"required,minItems=1"`
	Rules    []Rule         `yaml:"rules,omitempty"    json:"rules,omitempty"`
	Hooks    []Hook         `yaml:"hooks,omitempty"    json:"hooks,omitempty"`
	Effects  []Effect       `yaml:"effects,omitempty"  json:"effects,omitempty"`
	Metadata map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Section is one page of the workflow.
type Section struct {
	ID    string `yaml:"id"              json:"id"              jsonschema:"required"`
	Title string `yaml:"title,omitempty" json:"title,omitempty"`
	Order int    `yaml:"order,omitempty" json:"order,omitempty"`
	Steps []Step `yaml:"steps,omitempty" json:"steps,omitempty"`
}

// Step is a single question within a section.
type Step struct {
	ID       string         `yaml:"id"                 json:"id"                 jsonschema:"required"`
	Alias    string         `yaml:"alias,omitempty"    json:"alias,omitempty"`
	Title    string         `yaml:"title,omitempty"    json:"title,omitempty"`
	Type     string         `yaml:"type,omitempty"     json:"type,omitempty"     jsonschema:"enum=text,enum=email,enum=number,enum=boolean,enum=choice,enum=date,enum=file,enum=computed"`
	Required bool           `yaml:"required,omitempty" json:"required,omitempty"`
	Schema   map[string]any `yaml:"schema,omitempty"   json:"schema,omitempty"`
}

// Key returns the answer-set key of the step: its alias when set, else its ID.
func (s Step) Key() string {
	if s.Alias != "" {
		return s.Alias
	}
	return s.ID
}

// RuleAction is the visibility effect of a matching rule.
type RuleAction string

const (
	RuleShow RuleAction = "show"
	RuleHide RuleAction = "hide"
)

// Rule is a conditional visibility rule targeting steps or sections.
type Rule struct {
	ID         string      `yaml:"id"                   json:"id"                   jsonschema:"required"`
	Targets    []string    `yaml:"targets"              json:"targets"              jsonschema:"required,minItems=1"`
	Action     RuleAction  `yaml:"action,omitempty"     json:"action,omitempty"     jsonschema:"enum=show,enum=hide,default=show"`
	Logic      string      `yaml:"logic,omitempty"      json:"logic,omitempty"      jsonschema:"enum=and,enum=or,default=and"`
	Conditions []Condition `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Expression string      `yaml:"expression,omitempty" json:"expression,omitempty"` // CEL over `answers`
}

// Condition operators.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpIsEmpty     = "is_empty"
	OpIsNotEmpty  = "is_not_empty"
)

// Condition compares one answer-set key against a literal.
type Condition struct {
	Step     string `yaml:"step"            json:"step"            jsonschema:"required"`
	Operator string `yaml:"operator"        json:"operator"        jsonschema:"required,enum=equals,enum=not_equals,enum=contains,enum=not_contains,enum=greater_than,enum=less_than,enum=is_empty,enum=is_not_empty"`
	Value    any    `yaml:"value,omitempty" json:"value,omitempty"`
}

// Phase names a point in the run lifecycle at which hooks and effects are bound.
type Phase string

const (
	PhaseRunStart          Phase = "onRunStart"
	PhaseSectionEnter      Phase = "onSectionEnter"
	PhaseSectionSubmit     Phase = "onSectionSubmit"
	PhaseRunComplete       Phase = "onRunComplete"
	PhaseDocumentsComplete Phase = "afterDocumentsGenerated"

	// Aliases accepted in definitions.
	PhaseNext          Phase = "onNext"
	PhaseAfterComplete Phase = "afterComplete"
)

// Canonical folds phase aliases onto their canonical name.
func (p Phase) Canonical() Phase {
	switch p {
	case PhaseNext:
		return PhaseSectionSubmit
	case PhaseAfterComplete:
		return PhaseRunComplete
	}
	return p
}

// Valid reports whether p (or its alias) is a known phase.
func (p Phase) Valid() bool {
	switch p.Canonical() {
	case PhaseRunStart, PhaseSectionEnter, PhaseSectionSubmit, PhaseRunComplete, PhaseDocumentsComplete:
		return true
	}
	return false
}

// Language is the runtime a hook is written for.
type Language string

const (
	LangJavaScript Language = "javascript"
	LangPython     Language = "python"
	LangLua        Language = "lua"
	LangExpr       Language = "expr"
	LangJQ         Language = "jq"
)

// IsScript reports whether the language runs inside the script sandbox.
func (l Language) IsScript() bool {
	return l == LangJavaScript || l == LangPython || l == LangLua
}

// Hook is an author-supplied transform bound to a phase.
type Hook struct {
	ID           string   `yaml:"id"                      json:"id"                      jsonschema:"required"`
	Name         string   `yaml:"name,omitempty"          json:"name,omitempty"`
	Phase        Phase    `yaml:"phase"                   json:"phase"                   jsonschema:"required"`
	SectionID    string   `yaml:"section_id,omitempty"    json:"section_id,omitempty"`
	Language     Language `yaml:"language"                json:"language"                jsonschema:"required,enum=javascript,enum=python,enum=lua,enum=expr,enum=jq"`
	Code         string   `yaml:"code"                    json:"code"                    jsonschema:"required"`
	InputKeys    []string `yaml:"input_keys,omitempty"    json:"input_keys,omitempty"`
	OutputKeys   []string `yaml:"output_keys,omitempty"   json:"output_keys,omitempty"`
	Enabled      bool     `yaml:"enabled"                 json:"enabled"`
	Order        int      `yaml:"order,omitempty"         json:"order,omitempty"`
	TimeoutMs    int      `yaml:"timeout_ms,omitempty"    json:"timeout_ms,omitempty"`
	MutationMode bool     `yaml:"mutation_mode,omitempty" json:"mutation_mode,omitempty"`
}

// DisplayName returns the hook name, falling back to its ID.
func (h Hook) DisplayName() string {
	if h.Name != "" {
		return h.Name
	}
	return h.ID
}

// EffectKind enumerates side-effecting block kinds.
type EffectKind string

const (
	EffectSend      EffectKind = "send"
	EffectWriteback EffectKind = "writeback"
	EffectDocument  EffectKind = "document"
)

// Effect binds an external side effect to a phase.
// Destination is a webhook URL for sends, a table ID for writebacks and a
// template ID for document triggers. Mapping is target field -> answer-set key.
type Effect struct {
	ID          string            `yaml:"id"                   json:"id"                   jsonschema:"required"`
	Kind        EffectKind        `yaml:"kind"                 json:"kind"                 jsonschema:"required,enum=send,enum=writeback,enum=document"`
	Phase       Phase             `yaml:"phase"                json:"phase"                jsonschema:"required"`
	SectionID   string            `yaml:"section_id,omitempty" json:"section_id,omitempty"`
	Destination string            `yaml:"destination"          json:"destination"          jsonschema:"required"`
	Mapping     map[string]string `yaml:"mapping,omitempty"    json:"mapping,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty"    json:"headers,omitempty"`
	Enabled     bool              `yaml:"enabled"              json:"enabled"`
	Order       int               `yaml:"order,omitempty"      json:"order,omitempty"`
	TimeoutMs   int               `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
}

// MappingTargets returns the mapping's target fields in sorted order.
func (e Effect) MappingTargets() []string {
	keys := make([]string, 0, len(e.Mapping))
	for k := range e.Mapping {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// OrderedSections returns the sections sorted by Order, ties by declaration.
func (d *WorkflowDefinition) OrderedSections() []Section {
	out := make([]Section, len(d.Sections))
	copy(out, d.Sections)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Section returns the section with the given ID.
func (d *WorkflowDefinition) Section(id string) (Section, bool) {
	for _, s := range d.Sections {
		if s.ID == id {
			return s, true
		}
	}
	return Section{}, false
}

// HooksFor returns the hooks bound to phase (aliases folded), in declaration order.
func (d *WorkflowDefinition) HooksFor(phase Phase) []Hook {
	var out []Hook
	for _, h := range d.Hooks {
		if h.Phase.Canonical() == phase.Canonical() {
			out = append(out, h)
		}
	}
	return out
}

// EffectsFor returns the enabled effects bound to phase and section, sorted by Order.
// Effects without a section apply to every section of the phase.
func (d *WorkflowDefinition) EffectsFor(phase Phase, sectionID string) []Effect {
	var out []Effect
	for _, e := range d.Effects {
		if !e.Enabled || e.Phase.Canonical() != phase.Canonical() {
			continue
		}
		if e.SectionID != "" && e.SectionID != sectionID {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// StepKeys returns the answer-set keys of every step in the definition.
func (d *WorkflowDefinition) StepKeys() map[string]bool {
	keys := make(map[string]bool)
	for _, s := range d.Sections {
		for _, st := range s.Steps {
			keys[st.Key()] = true
			keys[st.ID] = true
		}
	}
	return keys
}
