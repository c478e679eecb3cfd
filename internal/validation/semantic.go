package validation

import (
	"fmt"
	"sort"

	"github.com/crewmesh/crewmesh/pkg/schema"
)

// validateSemantic checks the rules JSON Schema cannot express: binding
// references, execution ordering, and per-strategy constraints.
func validateSemantic(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepIDs := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		stepIDs[s.ID] = true
	}

	for i := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		step := &def.Steps[i]

		validateBinding(step.Input, path+".input_binding", def.Strategy, stepIDs, result)

		if step.Retry != nil && step.Retry.Max > 10 {
			result.AddWarning(path+".retry.max", schema.ErrCodeValidation,
				fmt.Sprintf("high retry count (%d) may cause excessive delays", step.Retry.Max))
		}
	}

	switch def.Strategy {
	case schema.StrategySequential, schema.StrategyConditional:
		validateUniqueOrder(def, result)
		validateBindingOrder(def, result)
	case schema.StrategyPipeline:
		validateUniqueOrder(def, result)
		validatePipelineChain(def, result)
	case schema.StrategyParallel:
		// result_of bindings are rejected in validateBinding; nothing
		// order-related applies.
	}

	if def.Strategy == schema.StrategyConditional {
		validateConditionalGates(def, result)
	}

	return result
}

// validateBinding checks one binding tree: referenced steps exist,
// result_of carries a step_id, combined carries sources, and parallel
// strategies never read other steps' results.
func validateBinding(b *schema.InputBinding, path string, strategy schema.Strategy, stepIDs map[string]bool, result *schema.ValidationResult) {
	if b == nil {
		return
	}

	switch b.Source {
	case schema.BindResultOf:
		if strategy == schema.StrategyParallel {
			result.AddError(path, schema.ErrCodeValidation,
				"result_of bindings are not allowed in parallel strategy: concurrent steps have no completion order")
			return
		}
		if b.StepID == "" {
			result.AddError(path+".step_id", schema.ErrCodeValidation,
				"result_of binding requires a step_id")
		} else if !stepIDs[b.StepID] {
			result.AddError(path+".step_id", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent step %q", b.StepID))
		}

	case schema.BindCombined:
		if len(b.Sources) == 0 {
			result.AddError(path+".sources", schema.ErrCodeValidation,
				"combined binding requires at least one source")
		}
		for i := range b.Sources {
			validateBinding(&b.Sources[i], fmt.Sprintf("%s.sources[%d]", path, i), strategy, stepIDs, result)
		}
	}
}

// validateUniqueOrder requires distinct execution_order values for
// strategies that schedule by it.
func validateUniqueOrder(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	seen := make(map[int]string, len(def.Steps))
	for i, s := range def.Steps {
		if other, dup := seen[s.ExecutionOrder]; dup {
			result.AddError(fmt.Sprintf("steps[%d].execution_order", i), schema.ErrCodeValidation,
				fmt.Sprintf("execution_order %d already used by step %q", s.ExecutionOrder, other))
			continue
		}
		seen[s.ExecutionOrder] = s.ID
	}
}

// validateBindingOrder ensures every result_of reference points at a
// step scheduled earlier, so a binding can never read a result that
// does not exist yet.
func validateBindingOrder(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	order := make(map[string]int, len(def.Steps))
	for _, s := range def.Steps {
		order[s.ID] = s.ExecutionOrder
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		for _, ref := range bindingRefs(step.Input) {
			refOrder, ok := order[ref]
			if !ok {
				continue // missing refs already reported
			}
			if refOrder >= step.ExecutionOrder {
				result.AddError(fmt.Sprintf("steps[%d].input_binding", i), schema.ErrCodeValidation,
					fmt.Sprintf("step %q reads result of step %q which does not run earlier", step.ID, ref))
			}
		}
	}
}

// validatePipelineChain requires pipeline steps to form one linear
// chain: any explicit result_of binding must target the immediately
// preceding step.
func validatePipelineChain(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	ordered := make([]*schema.StepSpec, 0, len(def.Steps))
	for i := range def.Steps {
		ordered = append(ordered, &def.Steps[i])
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ExecutionOrder < ordered[j].ExecutionOrder
	})

	for i, step := range ordered {
		refs := bindingRefs(step.Input)
		if len(refs) == 0 {
			continue
		}
		var prev string
		if i > 0 {
			prev = ordered[i-1].ID
		}
		for _, ref := range refs {
			if ref != prev {
				result.AddError(fmt.Sprintf("steps[%s].input_binding", step.ID), schema.ErrCodeValidation,
					fmt.Sprintf("pipeline step %q may only consume its predecessor %q, not %q", step.ID, prev, ref))
			}
		}
	}
}

// validateConditionalGates requires every conditional step after the
// first to declare how it is gated.
func validateConditionalGates(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	ordered := make([]*schema.StepSpec, 0, len(def.Steps))
	for i := range def.Steps {
		ordered = append(ordered, &def.Steps[i])
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ExecutionOrder < ordered[j].ExecutionOrder
	})

	for i, step := range ordered {
		if i == 0 {
			continue
		}
		if len(step.Conditions) == 0 && step.When == nil && !step.AlwaysRun {
			result.AddError(fmt.Sprintf("steps[%s]", step.ID), schema.ErrCodeValidation,
				fmt.Sprintf("conditional step %q needs conditions, a when expression, or always_run", step.ID))
		}
	}
}

// bindingRefs collects every step id a binding tree reads from.
func bindingRefs(b *schema.InputBinding) []string {
	if b == nil {
		return nil
	}
	var refs []string
	if b.Source == schema.BindResultOf && b.StepID != "" {
		refs = append(refs, b.StepID)
	}
	for i := range b.Sources {
		refs = append(refs, bindingRefs(&b.Sources[i])...)
	}
	return refs
}
