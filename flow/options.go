package flow

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/convoflow-ai/convoflow/flow/provider"
)

// DefaultStepCap bounds the number of nodes one invocation may visit.
const DefaultStepCap = 64

// Option configures an Engine.
type Option func(*Engine)

// WithStepCap overrides the step cap. Values below 1 keep the default.
func WithStepCap(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.stepCap = n
		}
	}
}

// WithTimeout sets the wall-clock budget for one invocation. Zero means no
// deadline beyond the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets the engine logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithRetryPolicy overrides the transient-failure retry policy handed to
// nodes for their model calls.
func WithRetryPolicy(p provider.RetryPolicy) Option {
	return func(e *Engine) {
		e.retry = p
	}
}
