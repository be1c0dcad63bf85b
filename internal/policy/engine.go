// Package policy decides approval requests locally with an OPA policy.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/xiaot623/gogo/runsync/internal/domain"
)

// Decision is the outcome of evaluating an approval request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
	DecisionAsk     Decision = "ask"
)

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
// The policy must define data.approval_policy.decision.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.approval_policy.decision"),
		rego.Module("approval_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Input builds the policy input for a run that is awaiting input.
func Input(sessionID string, run *domain.Run) map[string]interface{} {
	input := map[string]interface{}{
		"session_id": sessionID,
		"run_id":     run.ID,
		"status":     string(run.Status),
	}
	if run.InputRequest != nil {
		input["input_type"] = string(run.InputRequest.Type)
		input["prompt"] = run.InputRequest.Prompt
	}
	if last := run.LastMessage(); last != nil {
		input["last_message"] = map[string]interface{}{
			"source":  last.Source,
			"content": last.Content.Summary(),
		}
	}
	return input
}

// Evaluate returns the decision for the input. A policy that yields nothing
// or something other than a known decision leaves the request to the user.
func (e *Engine) Evaluate(ctx context.Context, input interface{}) (Decision, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return DecisionAsk, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAsk, nil
	}

	s, _ := results[0].Expressions[0].Value.(string)
	switch d := Decision(s); d {
	case DecisionApprove, DecisionDeny:
		return d, nil
	}
	return DecisionAsk, nil
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package approval_policy

default decision = "ask"

# Plans containing destructive steps are never approved unattended.
decision = "deny" {
	input.input_type == "approval"
	contains(lower(input.last_message.content), "rm -rf")
}
`
