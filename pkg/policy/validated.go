package policy

import (
	"context"
	"time"

	"github.com/openfroyo/connector/pkg/transfer"
)

// ValidatedPolicy proves that a policy passed evaluation in a given scope.
// The zero value is not valid; the only constructor is Validate.
type ValidatedPolicy struct {
	policy      *Policy
	scope       string
	validatedAt time.Time
}

// Validate evaluates p and returns a token on success. A rejected policy yields a
// POLICY_REJECTED error; an evaluator failure yields a transient error.
func Validate(ctx context.Context, ev Evaluator, scope string, p *Policy, ectx EvaluationContext) (ValidatedPolicy, error) {
	result, err := ev.Evaluate(ctx, scope, p, ectx)
	if err != nil {
		return ValidatedPolicy{}, transfer.NewTransientError("policy evaluation failed", err).
			WithOperation("validate-policy")
	}
	if !result.Allowed {
		return ValidatedPolicy{}, transfer.NewPolicyRejectedError(result.Failures()).
			WithDetail("scope", scope)
	}
	at := ectx.Now
	if at.IsZero() {
		at = time.Now()
	}
	return ValidatedPolicy{policy: p, scope: scope, validatedAt: at}, nil
}

// Policy returns the validated policy.
func (v ValidatedPolicy) Policy() *Policy {
	return v.policy
}

// Scope returns the scope the policy was validated in.
func (v ValidatedPolicy) Scope() string {
	return v.scope
}

// ValidatedAt returns the evaluation time the policy was validated at.
func (v ValidatedPolicy) ValidatedAt() time.Time {
	return v.validatedAt
}

// Valid reports whether the token came from a successful validation.
func (v ValidatedPolicy) Valid() bool {
	return v.policy != nil
}
