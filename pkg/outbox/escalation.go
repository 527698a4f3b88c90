package outbox

import (
	"context"
	_ "embed"

	"github.com/open-policy-agent/opa/rego"

	pipelineerrors "github.com/ctriangulate/ctp/pkg/shared/errors"
)

//go:embed escalation_policy.rego
var escalationPolicySource string

// EscalationDecision is the outcome of evaluating the escalation policy
// against one relationship.
type EscalationDecision struct {
	Escalate bool
	Level    string
	Reason   string
}

// Escalator decides, via an in-process Rego evaluation, whether a
// relationship's confidence is low enough to route onto
// relationship-confidence-escalation instead of being accepted outright.
// spec.md leaves the exact threshold logic unspecified beyond "low
// confidence"; this repository expresses it as policy data rather than a
// hardcoded Go conditional. The policy file is embedded at build time, so
// changing the threshold means editing escalation_policy.rego and
// rebuilding.
type Escalator struct {
	query rego.PreparedEvalQuery
}

// NewEscalator compiles the embedded escalation policy once at startup.
func NewEscalator(ctx context.Context) (*Escalator, error) {
	r := rego.New(
		rego.Query("data.outbox.escalation"),
		rego.Module("escalation_policy.rego", escalationPolicySource),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, pipelineerrors.ConfigurationError("escalation_policy.rego", err.Error())
	}
	return &Escalator{query: query}, nil
}

// Decide evaluates the policy for one relationship finding.
func (e *Escalator) Decide(ctx context.Context, relationshipType string, confidence float64, evidenceCount int) (EscalationDecision, error) {
	input := map[string]interface{}{
		"relationship_type": relationshipType,
		"confidence":         confidence,
		"evidence_count":     evidenceCount,
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return EscalationDecision{}, pipelineerrors.FailedTo("evaluate escalation policy", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return EscalationDecision{}, pipelineerrors.FailedTo("evaluate escalation policy", nil)
	}

	out, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return EscalationDecision{}, pipelineerrors.FailedTo("parse escalation policy result", nil)
	}

	decision := EscalationDecision{}
	if v, ok := out["escalate"].(bool); ok {
		decision.Escalate = v
	}
	if v, ok := out["level"].(string); ok {
		decision.Level = v
	}
	if v, ok := out["reason"].(string); ok {
		decision.Reason = v
	}
	return decision, nil
}
