// Package diagram renders workflow definitions as Mermaid flowcharts.
package diagram

import (
	"fmt"
	"sort"
	"strings"

	"github.com/crewmesh/crewmesh/pkg/schema"
)

// RenderMermaid renders a workflow definition as a Mermaid flowchart.
// Statuses, when non-nil, colorize steps by their execution state.
func RenderMermaid(def *schema.WorkflowDefinition, statuses map[string]schema.StepStatus) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	b.WriteString(fmt.Sprintf("    %%%% strategy: %s\n", def.Strategy))
	b.WriteString("    start((start))\n")

	for i := range def.Steps {
		b.WriteString(fmt.Sprintf("    %s\n", nodeDef(&def.Steps[i])))
	}

	for _, e := range edges(def) {
		label := ""
		if e.label != "" {
			label = fmt.Sprintf("|%s|", e.label)
		}
		b.WriteString(fmt.Sprintf("    %s -->%s %s\n", safeID(e.from), label, safeID(e.to)))
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for i := range def.Steps {
		id := def.Steps[i].ID
		if st, ok := statuses[id]; ok && st != "" {
			b.WriteString(fmt.Sprintf("    class %s %s\n", safeID(id), string(st)))
		}
	}

	return b.String()
}

// nodeDef picks the node shape: diamond for gated steps, rectangle
// otherwise.
func nodeDef(step *schema.StepSpec) string {
	label := step.ID
	if step.AgentRef != "" && step.AgentRef != step.ID {
		label = fmt.Sprintf("%s<br/>%s", step.ID, step.AgentRef)
	}
	if len(step.Conditions) > 0 || step.When != nil {
		return fmt.Sprintf("%s{\"%s\"}", safeID(step.ID), label)
	}
	return fmt.Sprintf("%s[\"%s\"]", safeID(step.ID), label)
}

type edge struct {
	from, to, label string
}

// edges derives flow edges from the strategy: ordered strategies chain
// steps by execution_order, parallel fans out from start.
func edges(def *schema.WorkflowDefinition) []edge {
	if def.Strategy == schema.StrategyParallel {
		out := make([]edge, 0, len(def.Steps))
		for i := range def.Steps {
			out = append(out, edge{from: "start", to: def.Steps[i].ID})
		}
		return out
	}

	ordered := make([]*schema.StepSpec, 0, len(def.Steps))
	for i := range def.Steps {
		ordered = append(ordered, &def.Steps[i])
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ExecutionOrder < ordered[j].ExecutionOrder
	})

	out := make([]edge, 0, len(ordered))
	prev := "start"
	for _, step := range ordered {
		label := ""
		if def.Strategy == schema.StrategyConditional {
			switch {
			case step.AlwaysRun:
				label = "always"
			case len(step.Conditions) > 0 || step.When != nil:
				label = "if"
			}
		}
		out = append(out, edge{from: prev, to: step.ID, label: label})
		prev = step.ID
	}
	return out
}

// safeID sanitizes a step id for use as a Mermaid node identifier.
func safeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
