// Package policy decides whether a derived delivery hint may be used.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Engine is the OPA policy engine gating delivery-hint channels.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.delivery_policy.allow"),
		rego.Module("delivery_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// AllowChannel reports whether a delivery hint on the given channel may be
// adopted, given the host's configured channel set.
func (e *Engine) AllowChannel(ctx context.Context, channel string, configured []string) (bool, error) {
	if configured == nil {
		configured = []string{}
	}
	input := map[string]any{
		"channel":             channel,
		"configured_channels": configured,
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	allowed, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("unexpected policy return type %T", results[0].Expressions[0].Value)
	}
	return allowed, nil
}

// DefaultPolicy adopts a hint when its channel is configured on the host,
// with a permissive fallback when no channels are configured at all.
const DefaultPolicy = `
package delivery_policy

import rego.v1

default allow := false

allow if count(input.configured_channels) == 0

allow if input.channel in input.configured_channels
`
