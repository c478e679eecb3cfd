package validation

import (
	"sort"

	"github.com/crewmesh/crewmesh/pkg/schema"
)

// validateGraph runs cycle detection (Kahn's algorithm) over the data
// dependencies implied by result_of bindings. Ordering checks already
// reject forward references, but a cycle through combined bindings can
// survive them when two steps share an execution_order error path, so
// the graph stage is kept as the final gate.
func validateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepIDs := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		stepIDs[s.ID] = true
	}

	// edges[id] = steps that id reads from, reverse[id] = readers of id.
	edges := make(map[string][]string, len(def.Steps))
	reverse := make(map[string][]string, len(def.Steps))

	for i := range def.Steps {
		s := &def.Steps[i]
		seen := make(map[string]bool)
		for _, ref := range bindingRefs(s.Input) {
			if !stepIDs[ref] || seen[ref] {
				continue // invalid refs already caught by semantic
			}
			seen[ref] = true
			edges[s.ID] = append(edges[s.ID], ref)
			reverse[ref] = append(reverse[ref], s.ID)
		}
	}

	inDegree := make(map[string]int, len(def.Steps))
	for id := range stepIDs {
		inDegree[id] = len(edges[id])
	}

	queue := make([]string, 0, len(def.Steps))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	// Sort roots for deterministic output.
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, reader := range reverse[node] {
			inDegree[reader]--
			if inDegree[reader] == 0 {
				queue = append(queue, reader)
			}
		}
	}

	if visited != len(stepIDs) {
		result.AddError("steps", schema.ErrCodeCycleDetected,
			"workflow contains a binding dependency cycle")
	}

	return result
}
