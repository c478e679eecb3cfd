package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/crewmesh/crewmesh/pkg/schema"
)

// IsRetryableError classifies whether a step failure should be retried.
// Retryable: agent and transport failures, timeouts, network errors.
// Non-retryable: validation errors, unresolved bindings, cancellation.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Step deadline exceeded is retryable; the next attempt gets a
	// fresh timeout.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Context cancelled means the execution is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var crewErr *schema.CrewError
	if errors.As(err, &crewErr) {
		return crewErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for untyped transport failures.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
		"rate limit",
		"overloaded",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable. The retry policy caps attempts.
	return true
}

// ComputeBackoff calculates the delay before the next retry attempt.
// Supports none, constant, linear, and exponential backoff with an
// optional max_delay cap. attempt is zero-based: the first retry after
// the initial attempt passes attempt=0.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		multiplier := time.Duration(1)
		for i := 0; i < attempt; i++ {
			multiplier *= 2
		}
		delay = base * multiplier
	case "linear":
		delay = base * time.Duration(attempt+1)
	case "constant":
		delay = base
	default: // "none" or empty
		delay = base
	}

	if policy.MaxDelay != "" {
		maxDelay, parseErr := time.ParseDuration(policy.MaxDelay)
		if parseErr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}

	return delay
}

// WaitForBackoff sleeps for the backoff duration or returns early when
// the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// maxRetries resolves a step's retry budget: the step policy if set,
// otherwise the run-level retry_failed toggle with the default budget.
func maxRetries(step *schema.StepSpec, cfg schema.RunConfig) int {
	if step.Retry != nil {
		return step.Retry.Max
	}
	if cfg.RetryFailed != nil && !*cfg.RetryFailed {
		return 0
	}
	return schema.DefaultMaxRetries
}
