package agentic

import (
	"time"

	"github.com/invoqio/invoq/runtime/fn"
)

// runConfig is the effective loop configuration after overlaying the
// invocation config over the definition over the loop defaults.
type runConfig struct {
	timeout       time.Duration
	maxIterations int
	maxToolCalls  int
	model         string
	budget        int64
	approvalWait  time.Duration
}

// resolveRunConfig flattens the agentic spec and the two config layers.
// Iteration bounds only tighten: an override above the definition's
// bound does not widen the loop.
func resolveRunConfig(def *fn.Definition, invocation *fn.InvokeConfig) runConfig {
	spec := def.Agentic
	rc := runConfig{
		timeout:       DefaultTimeout,
		maxIterations: DefaultMaxIterations,
		maxToolCalls:  DefaultMaxToolCalls,
	}
	if spec != nil {
		if spec.Timeout > 0 {
			rc.timeout = spec.Timeout.Duration()
		}
		if spec.MaxIterations > 0 {
			rc.maxIterations = spec.MaxIterations
		}
		if spec.MaxToolCallsPerIteration > 0 {
			rc.maxToolCalls = spec.MaxToolCallsPerIteration
		}
		rc.model = spec.Model
	}
	for _, layer := range []*fn.InvokeConfig{def.Config, invocation} {
		if layer == nil {
			continue
		}
		if layer.Timeout != nil && *layer.Timeout > 0 {
			rc.timeout = layer.Timeout.Duration()
		}
		if layer.MaxIterations != nil && *layer.MaxIterations > 0 && *layer.MaxIterations < rc.maxIterations {
			rc.maxIterations = *layer.MaxIterations
		}
		if layer.Model != "" {
			rc.model = layer.Model
		}
		if layer.TokenBudget != nil && *layer.TokenBudget > 0 {
			rc.budget = *layer.TokenBudget
		}
		if layer.ApprovalTimeout != nil && *layer.ApprovalTimeout > 0 {
			rc.approvalWait = layer.ApprovalTimeout.Duration()
		}
	}
	return rc
}
