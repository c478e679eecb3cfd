package store

import (
	"encoding/json"
	"time"

	"github.com/crewmesh/crewmesh/pkg/schema"
)

// Workflow is one version of a registered workflow definition. Saving
// under an existing id appends a new version; old versions stay
// readable so running executions keep the definition they started with.
type Workflow struct {
	ID          string                    `json:"id"`
	Version     int                       `json:"version"`
	Name        string                    `json:"name,omitempty"`
	Description string                    `json:"description,omitempty"`
	Definition  schema.WorkflowDefinition `json:"definition"`
	InputSchema json.RawMessage           `json:"input_schema,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
}

// Execution is the persisted record of one workflow run.
type Execution struct {
	ID              string                 `json:"id"`
	WorkflowID      string                 `json:"workflow_id,omitempty"`
	WorkflowVersion int                    `json:"workflow_version,omitempty"`
	Strategy        schema.Strategy        `json:"strategy"`
	Status          schema.ExecutionStatus `json:"status"`
	Input           json.RawMessage        `json:"input,omitempty"`
	Config          json.RawMessage        `json:"config,omitempty"`
	Output          json.RawMessage        `json:"output,omitempty"`
	Error           json.RawMessage        `json:"error,omitempty"`
	Metrics         json.RawMessage        `json:"metrics,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// StepExecution is the materialized view of a step's latest state within
// an execution. Retries update the row in place; Attempt counts them.
type StepExecution struct {
	ExecutionID string            `json:"execution_id"`
	StepID      string            `json:"step_id"`
	AgentRef    string            `json:"agent_ref"`
	Status      schema.StepStatus `json:"status"`
	Attempt     int               `json:"attempt"`
	Input       json.RawMessage   `json:"input,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	CostUSD     float64           `json:"cost_usd,omitempty"`
	InTokens    int64             `json:"input_tokens,omitempty"`
	OutTokens   int64             `json:"output_tokens,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// Event is an immutable entry in the per-execution audit log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// LogEntry is one execution log line.
type LogEntry struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id,omitempty"`
	Level       schema.LogLevel `json:"level"`
	Message     string          `json:"message"`
	Fields      json.RawMessage `json:"fields,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// ScheduledRun is a cron-triggered execution of a registered workflow.
type ScheduledRun struct {
	ID              string          `json:"id"`
	WorkflowID      string          `json:"workflow_id"`
	WorkflowVersion int             `json:"workflow_version,omitempty"`
	CronExpression  string          `json:"cron_expression"`
	Input           json.RawMessage `json:"input,omitempty"`
	Config          json.RawMessage `json:"config,omitempty"`
	Enabled         bool            `json:"enabled"`
	LastRunAt       *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus   string          `json:"last_run_status,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Name  string `json:"name,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	WorkflowID string                  `json:"workflow_id,omitempty"`
	Since      *time.Time              `json:"since,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
	Offset     int                     `json:"offset,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution.
type ExecutionUpdate struct {
	Status      *schema.ExecutionStatus `json:"status,omitempty"`
	Output      json.RawMessage         `json:"output,omitempty"`
	Error       json.RawMessage         `json:"error,omitempty"`
	Metrics     json.RawMessage         `json:"metrics,omitempty"`
	StartedAt   *time.Time              `json:"started_at,omitempty"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
}

// ScheduledRunUpdate specifies mutable fields of a scheduled run.
type ScheduledRunUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledRunFilter specifies criteria for listing scheduled runs.
type ScheduledRunFilter struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}
