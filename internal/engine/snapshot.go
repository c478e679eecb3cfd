package engine

import (
	"time"

	"github.com/crewmesh/crewmesh/pkg/schema"
)

// StepSnapshot is a point-in-time view of one step within an execution.
type StepSnapshot struct {
	StepID      string             `json:"step_id"`
	AgentRef    string             `json:"agent_ref"`
	Role        schema.Role        `json:"role,omitempty"`
	Status      schema.StepStatus  `json:"status"`
	Attempt     int                `json:"attempt"`
	Output      any                `json:"output,omitempty"`
	Error       *schema.CrewError  `json:"error,omitempty"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Metrics     schema.StepMetrics `json:"metrics,omitempty"`
}

// ExecutionSnapshot is a consistent point-in-time view of an execution:
// overall status, per-step states, shared context, and accumulated cost
// and usage. Snapshots are immutable copies; holding one never observes
// later changes.
type ExecutionSnapshot struct {
	ExecutionID   string                 `json:"execution_id"`
	WorkflowID    string                 `json:"workflow_id,omitempty"`
	Strategy      schema.Strategy        `json:"strategy"`
	Status        schema.ExecutionStatus `json:"status"`
	Steps         []StepSnapshot         `json:"steps"`
	SharedContext map[string]any         `json:"shared_context,omitempty"`
	Cost          schema.CostMetrics     `json:"cost"`
	Usage         schema.UsageMetrics    `json:"usage"`
	Error         *schema.CrewError      `json:"error,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	LastSequence  int64                  `json:"last_sequence"`
}

// Step returns the snapshot for a step id, or nil.
func (s *ExecutionSnapshot) Step(stepID string) *StepSnapshot {
	for i := range s.Steps {
		if s.Steps[i].StepID == stepID {
			return &s.Steps[i]
		}
	}
	return nil
}
