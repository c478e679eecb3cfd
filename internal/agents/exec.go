package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	"github.com/crewmesh/crewmesh/pkg/schema"
)

// CommandSpec declares how one agent_ref maps onto a local process.
type CommandSpec struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
	Dir     string   `json:"dir,omitempty"`
}

// execRequest is the JSON document written to the agent's stdin.
type execRequest struct {
	ExecutionID string `json:"execution_id"`
	StepID      string `json:"step_id"`
	AgentRef    string `json:"agent_ref"`
	Role        string `json:"role,omitempty"`
	Attempt     int    `json:"attempt"`
	Input       any    `json:"input"`
}

// execResponse is the JSON document an agent may write to stdout. Plain
// (non-JSON-object) stdout is treated as a string output with no
// metrics.
type execResponse struct {
	Output  any                 `json:"output"`
	Metrics *schema.StepMetrics `json:"metrics,omitempty"`
}

// CommandInvoker runs agents as local subprocesses. Each agent_ref maps
// to an executable; the invocation is passed as JSON on stdin and the
// result is read from stdout. Context cancellation kills the process.
type CommandInvoker struct {
	commands map[string]CommandSpec
}

// NewCommandInvoker creates an invoker from an agent_ref -> command map.
func NewCommandInvoker(commands map[string]CommandSpec) *CommandInvoker {
	if commands == nil {
		commands = map[string]CommandSpec{}
	}
	return &CommandInvoker{commands: commands}
}

// Invoke runs the configured command for inv.AgentRef.
func (c *CommandInvoker) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	spec, ok := c.commands[inv.AgentRef]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeAgent,
			"no command configured for agent %q", inv.AgentRef).WithStep(inv.StepID)
	}

	reqBody, err := json.Marshal(execRequest{
		ExecutionID: inv.ExecutionID,
		StepID:      inv.StepID,
		AgentRef:    inv.AgentRef,
		Role:        string(inv.Role),
		Attempt:     inv.Attempt,
		Input:       inv.Input,
	})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAgent, "encode invocation").
			WithStep(inv.StepID).WithCause(err)
	}

	started := time.Now()
	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdin = bytes.NewReader(reqBody)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Kill on cancellation, then allow a short drain of the pipes.
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Run(); err != nil {
		// Surface the context error so timeout and cancel classify
		// correctly upstream.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, schema.NewErrorf(schema.ErrCodeAgent,
			"agent %q failed: %s", inv.AgentRef, msg).
			WithStep(inv.StepID).WithCause(err)
	}

	res := &Result{Metrics: schema.StepMetrics{
		DurationMs: time.Since(started).Milliseconds(),
	}}

	raw := bytes.TrimSpace(stdout.Bytes())
	var resp execResponse
	if len(raw) > 0 && raw[0] == '{' && json.Unmarshal(raw, &resp) == nil && (resp.Output != nil || resp.Metrics != nil) {
		res.Output = resp.Output
		if resp.Metrics != nil {
			res.Metrics.CostUSD = resp.Metrics.CostUSD
			res.Metrics.InputTokens = resp.Metrics.InputTokens
			res.Metrics.OutputTokens = resp.Metrics.OutputTokens
			if resp.Metrics.DurationMs > 0 {
				res.Metrics.DurationMs = resp.Metrics.DurationMs
			}
		}
		return res, nil
	}

	res.Output = string(raw)
	return res, nil
}

// Refs lists the configured agent references, for startup logging.
func (c *CommandInvoker) Refs() []string {
	refs := make([]string, 0, len(c.commands))
	for ref := range c.commands {
		refs = append(refs, ref)
	}
	return refs
}

var _ Invoker = (*CommandInvoker)(nil)
