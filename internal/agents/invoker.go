// Package agents defines the boundary between the orchestration engine
// and whatever actually runs an agent. The engine only knows how to
// hand an invocation to an Invoker and interpret its result; model
// providers, tool runtimes and test doubles all plug in behind it.
package agents

import (
	"context"

	"github.com/crewmesh/crewmesh/pkg/schema"
)

// Invocation is one attempt to run a step's agent. Input is the fully
// resolved binding value for this attempt.
type Invocation struct {
	ExecutionID string
	StepID      string
	AgentRef    string
	Role        schema.Role
	Input       any
	Attempt     int
}

// Result is what a successful invocation produced.
type Result struct {
	Output  any
	Metrics schema.StepMetrics
}

// Invoker runs an agent invocation to completion. Implementations must
// honor ctx cancellation and deadlines; the engine enforces step
// timeouts through the context it passes in. Errors should be
// *schema.CrewError so the retry classifier can read the code.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (*Result, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, inv Invocation) (*Result, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	return f(ctx, inv)
}
