// Package events carries live progress events from executions to
// subscribers. The engine publishes; transport adapters (sockets, log
// sinks, test harnesses) subscribe. The event schema here is the wire
// contract; framing is someone else's job.
package events

import (
	"time"

	"github.com/crewmesh/crewmesh/pkg/schema"
)

// Event is one entry in an execution's progress stream. Sequence is
// strictly monotonic per execution and delivery order matches
// production order for every subscriber.
type Event struct {
	ExecutionID string    `json:"execution_id"`
	StepID      string    `json:"step_id,omitempty"`
	Type        string    `json:"type"`
	Sequence    int64     `json:"sequence"`
	Timestamp   time.Time `json:"timestamp"`
	Payload     any       `json:"payload,omitempty"`
}

// StatusChange is the payload of execution_status_changed.
type StatusChange struct {
	From schema.ExecutionStatus `json:"from"`
	To   schema.ExecutionStatus `json:"to"`
}

// StepStatusChange is the payload of step_status_changed.
type StepStatusChange struct {
	From    schema.StepStatus `json:"from"`
	To      schema.StepStatus `json:"to"`
	Attempt int               `json:"attempt,omitempty"`
}

// Progress is the payload of progress_update.
type Progress struct {
	CompletedSteps int `json:"completed_steps"`
	TotalSteps     int `json:"total_steps"`
}

// PartialResult is the payload of result_partial.
type PartialResult struct {
	Output any `json:"output,omitempty"`
}

// ErrorUpdate is the payload of error_update.
type ErrorUpdate struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Publisher assigns sequences and fans one execution's events into a
// hub. It is owned by the execution's driving goroutine; no locking.
type Publisher struct {
	hub         Hub
	executionID string
	seq         int64
}

// NewPublisher creates a publisher for one execution's topic.
func NewPublisher(hub Hub, executionID string) *Publisher {
	return &Publisher{hub: hub, executionID: executionID}
}

// Seq returns the sequence of the most recently published event.
func (p *Publisher) Seq() int64 { return p.seq }

func (p *Publisher) publish(stepID, eventType string, payload any) {
	p.seq++
	p.hub.Publish(Event{
		ExecutionID: p.executionID,
		StepID:      stepID,
		Type:        eventType,
		Sequence:    p.seq,
		Timestamp:   time.Now().UTC(),
		Payload:     payload,
	})
}

// ExecutionStatus publishes an execution_status_changed event.
func (p *Publisher) ExecutionStatus(from, to schema.ExecutionStatus) {
	p.publish("", schema.ProgressExecutionStatusChanged, StatusChange{From: from, To: to})
}

// StepStatus publishes a step_status_changed event.
func (p *Publisher) StepStatus(stepID string, from, to schema.StepStatus, attempt int) {
	p.publish(stepID, schema.ProgressStepStatusChanged, StepStatusChange{From: from, To: to, Attempt: attempt})
}

// Progress publishes a progress_update event.
func (p *Publisher) Progress(completed, total int) {
	p.publish("", schema.ProgressUpdate, Progress{CompletedSteps: completed, TotalSteps: total})
}

// Partial publishes a result_partial event with a step's output.
func (p *Publisher) Partial(stepID string, output any) {
	p.publish(stepID, schema.ProgressResultPartial, PartialResult{Output: output})
}

// Error publishes an error_update event.
func (p *Publisher) Error(stepID, code, message string) {
	p.publish(stepID, schema.ProgressErrorUpdate, ErrorUpdate{Code: code, Message: message})
}
