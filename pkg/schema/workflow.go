package schema

import "time"

// Strategy is the scheduling discipline governing how a team's steps are
// ordered and dispatched.
type Strategy string

const (
	StrategySequential  Strategy = "sequential"
	StrategyParallel    Strategy = "parallel"
	StrategyPipeline    Strategy = "pipeline"
	StrategyConditional Strategy = "conditional"
)

// Valid reports whether s is a recognized strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategySequential, StrategyParallel, StrategyPipeline, StrategyConditional:
		return true
	}
	return false
}

// Role describes a step's position within the team. Informational only:
// scheduling never looks at it.
type Role string

const (
	RoleLeader      Role = "leader"
	RoleMember      Role = "member"
	RoleCoordinator Role = "coordinator"
)

// WorkflowDefinition is the JSON-serializable team workflow format.
// Definitions are immutable once bound to an execution; edits create a
// new version in the catalog.
type WorkflowDefinition struct {
	Strategy Strategy       `json:"strategy"`
	Steps    []StepSpec     `json:"steps"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StepSpec describes a single agent invocation within a workflow.
type StepSpec struct {
	ID             string        `json:"id"`
	AgentRef       string        `json:"agent_ref"`
	Role           Role          `json:"role,omitempty"`
	ExecutionOrder int           `json:"execution_order"`
	Input          *InputBinding `json:"input_binding,omitempty"` // nil means initial_prompt
	Conditions     []Condition   `json:"conditions,omitempty"`    // all must hold (AND)
	When           *WhenExpr     `json:"when,omitempty"`          // expression condition, ANDed with Conditions
	AlwaysRun      bool          `json:"always_run,omitempty"`    // conditional strategy: run unconditionally
	Timeout        string        `json:"timeout,omitempty"`       // per-step budget (e.g. "30s"), overrides run config
	Retry          *RetryPolicy  `json:"retry,omitempty"`         // overrides run config retry defaults
}

// BindingSource selects how a step's input is resolved.
type BindingSource string

const (
	BindInitialPrompt BindingSource = "initial_prompt"
	BindResultOf      BindingSource = "result_of"
	BindCombined      BindingSource = "combined"
)

// InputBinding is the rule for resolving a step's input from prior context.
// For combined bindings, sources merge in list order with later sources
// overriding earlier ones on key conflict.
type InputBinding struct {
	Source    BindingSource  `json:"source"`
	StepID    string         `json:"step_id,omitempty"`   // result_of target
	Sources   []InputBinding `json:"sources,omitempty"`   // combined members
	Transform string         `json:"transform,omitempty"` // optional jq filter applied to the resolved value
}

// Operator is a condition comparison operator.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
)

// Condition is one (path, operator, value) triple evaluated against the
// execution's shared context and prior step outputs. Evaluation is total:
// type mismatches yield false, never an error.
type Condition struct {
	Path     string   `json:"path"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// WhenExpr is a free-form expression condition. Lang selects the engine
// (cel, expr, jq); cel is the default.
type WhenExpr struct {
	Lang string `json:"lang,omitempty"`
	Expr string `json:"expr"`
}

// RetryPolicy configures retry behavior for a step.
type RetryPolicy struct {
	Max      int    `json:"max"`                 // max retry attempts after the first try
	Backoff  string `json:"backoff,omitempty"`   // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty"`     // initial delay (e.g. "1s", "500ms")
	MaxDelay string `json:"max_delay,omitempty"` // cap on the computed delay
}

// DefaultParallelLimit bounds concurrent step dispatch when the caller
// does not configure one.
const DefaultParallelLimit = 3

// DefaultMaxRetries is the per-step retry budget when retry_failed is on
// and the step declares no policy of its own.
const DefaultMaxRetries = 2

// RunConfig is the per-execution configuration recognized at start time.
// Pointer fields distinguish "unset" from explicit false.
type RunConfig struct {
	ParallelLimit  int    `json:"parallel_limit,omitempty"`
	RetryFailed    *bool  `json:"retry_failed,omitempty"`
	TimeoutPerStep string `json:"timeout_per_step,omitempty"`
	AbortOnFailure *bool  `json:"abort_on_failure,omitempty"`
}

// Normalized returns a copy with defaults applied:
// parallel_limit=3, retry_failed=true, abort_on_failure=true.
func (c RunConfig) Normalized() RunConfig {
	out := c
	if out.ParallelLimit <= 0 {
		out.ParallelLimit = DefaultParallelLimit
	}
	if out.RetryFailed == nil {
		t := true
		out.RetryFailed = &t
	}
	if out.AbortOnFailure == nil {
		t := true
		out.AbortOnFailure = &t
	}
	return out
}

// StepTimeout resolves the effective timeout for a step: the step's own
// budget wins over the run-level timeout_per_step. Zero means unlimited.
func (c RunConfig) StepTimeout(step *StepSpec) time.Duration {
	if step != nil && step.Timeout != "" {
		if d, err := time.ParseDuration(step.Timeout); err == nil && d > 0 {
			return d
		}
	}
	if c.TimeoutPerStep != "" {
		if d, err := time.ParseDuration(c.TimeoutPerStep); err == nil && d > 0 {
			return d
		}
	}
	return 0
}
