package schema

// StepMetrics is what one agent invocation reports back: monetary cost
// plus token and wall-clock usage.
type StepMetrics struct {
	CostUSD      float64 `json:"cost_usd,omitempty"`
	InputTokens  int64   `json:"input_tokens,omitempty"`
	OutputTokens int64   `json:"output_tokens,omitempty"`
	DurationMs   int64   `json:"duration_ms,omitempty"`
}

// CostMetrics are execution-level monetary totals, accumulated as steps
// complete. PerAgent is keyed by agent_ref.
type CostMetrics struct {
	TotalUSD float64            `json:"total_usd"`
	PerAgent map[string]float64 `json:"per_agent,omitempty"`
}

// UsageMetrics are execution-level token/time totals.
type UsageMetrics struct {
	InputTokens    int64 `json:"input_tokens"`
	OutputTokens   int64 `json:"output_tokens"`
	TotalTokens    int64 `json:"total_tokens"`
	WallClockMs    int64 `json:"wall_clock_ms"`
	StepsCompleted int   `json:"steps_completed"`
	StepsFailed    int   `json:"steps_failed"`
	StepsSkipped   int   `json:"steps_skipped"`
	Retries        int   `json:"retries"`
}
