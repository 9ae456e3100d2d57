package validation

import (
	"fmt"
	"math"

	"github.com/rendis/intake/pkg/schema"
)

// slot orders hook firings within a run: section position, then phase, then Order.
type slot struct {
	section int
	phase   int
	order   int
}

func (a slot) before(b slot) bool {
	if a.section != b.section {
		return a.section < b.section
	}
	if a.phase != b.phase {
		return a.phase < b.phase
	}
	return a.order < b.order
}

var phaseRank = map[schema.Phase]int{
	schema.PhaseRunStart:          0,
	schema.PhaseSectionEnter:      1,
	schema.PhaseSectionSubmit:     2,
	schema.PhaseRunComplete:       3,
	schema.PhaseDocumentsComplete: 4,
}

// window returns the earliest and latest slot at which h can fire.
func window(h schema.Hook, sectionIndex map[string]int, last int) (slot, slot) {
	phase := h.Phase.Canonical()
	rank := phaseRank[phase]
	switch phase {
	case schema.PhaseRunStart:
		s := slot{section: -1, phase: rank, order: h.Order}
		return s, s
	case schema.PhaseRunComplete, schema.PhaseDocumentsComplete:
		s := slot{section: math.MaxInt, phase: rank, order: h.Order}
		return s, s
	}
	if h.SectionID != "" {
		s := slot{section: sectionIndex[h.SectionID], phase: rank, order: h.Order}
		return s, s
	}
	return slot{section: 0, phase: rank, order: h.Order}, slot{section: last, phase: rank, order: h.Order}
}

// validateDataflow warns when a hook reads a hook-produced key that no hook
// can have written before it fires.
func validateDataflow(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if len(def.Hooks) == 0 {
		return result
	}

	ordered := def.OrderedSections()
	sectionIndex := make(map[string]int, len(ordered))
	for i, s := range ordered {
		sectionIndex[s.ID] = i
	}
	last := len(ordered) - 1
	stepKeys := def.StepKeys()

	producers := make(map[string][]int)
	for i, h := range def.Hooks {
		if !h.Enabled {
			continue
		}
		for _, k := range h.OutputKeys {
			producers[k] = append(producers[k], i)
		}
	}

	for i, h := range def.Hooks {
		if !h.Enabled {
			continue
		}
		_, latest := window(h, sectionIndex, last)
		for j, k := range h.InputKeys {
			if stepKeys[k] {
				continue
			}
			prods := producers[k]
			if len(prods) == 0 {
				continue
			}
			reachable := false
			for _, p := range prods {
				if p == i {
					continue
				}
				earliest, _ := window(def.Hooks[p], sectionIndex, last)
				if earliest.before(latest) {
					reachable = true
					break
				}
			}
			if !reachable {
				result.AddWarning(fmt.Sprintf("hooks[%d].input_keys[%d]", i, j), schema.ErrCodeValidation,
					fmt.Sprintf("input key %q is only produced by hooks that fire after %q", k, h.ID))
			}
		}
	}
	return result
}
