package engine

import (
	"sync"

	"github.com/crewmesh/crewmesh/pkg/schema"
)

// Aggregator accumulates cost and usage totals for one execution. The
// driver goroutine is the only writer; Status snapshots read from other
// goroutines, hence the mutex.
type Aggregator struct {
	mu    sync.Mutex
	cost  schema.CostMetrics
	usage schema.UsageMetrics
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		cost: schema.CostMetrics{PerAgent: make(map[string]float64)},
	}
}

// RecordStep folds one completed attempt's metrics into the totals.
func (a *Aggregator) RecordStep(agentRef string, m schema.StepMetrics) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cost.TotalUSD += m.CostUSD
	a.cost.PerAgent[agentRef] += m.CostUSD
	a.usage.InputTokens += m.InputTokens
	a.usage.OutputTokens += m.OutputTokens
	a.usage.TotalTokens += m.InputTokens + m.OutputTokens
}

// CountStep records a step reaching a terminal status.
func (a *Aggregator) CountStep(status schema.StepStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch status {
	case schema.StepStatusCompleted:
		a.usage.StepsCompleted++
	case schema.StepStatusFailed:
		a.usage.StepsFailed++
	case schema.StepStatusSkipped:
		a.usage.StepsSkipped++
	}
}

// CountRetry records one retry attempt.
func (a *Aggregator) CountRetry() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usage.Retries++
}

// SetWallClock records the execution's total wall-clock duration.
func (a *Aggregator) SetWallClock(ms int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usage.WallClockMs = ms
}

// Snapshot returns copies of the current totals.
func (a *Aggregator) Snapshot() (schema.CostMetrics, schema.UsageMetrics) {
	a.mu.Lock()
	defer a.mu.Unlock()

	perAgent := make(map[string]float64, len(a.cost.PerAgent))
	for k, v := range a.cost.PerAgent {
		perAgent[k] = v
	}
	cost := a.cost
	cost.PerAgent = perAgent
	return cost, a.usage
}
