package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Evaluation scopes used by the transfer core.
const (
	// ScopeConsumerProvisioning gates consumer-side manifest generation.
	ScopeConsumerProvisioning = "transfer.provisioning.consumer"

	// ScopeProviderTransfer is evaluated once when a provider accepts a transfer request.
	ScopeProviderTransfer = "transfer.request.provider"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityWarning is for findings that are reported but do not block.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that deny the evaluation.
	SeverityError Severity = "error"
)

// Operator compares a constraint's left operand with its right operand.
type Operator string

const (
	OperatorEq  Operator = "eq"
	OperatorNeq Operator = "neq"
	OperatorGt  Operator = "gt"
	OperatorGeq Operator = "geq"
	OperatorLt  Operator = "lt"
	OperatorLeq Operator = "leq"
	OperatorIn  Operator = "in"
)

// Policy is a usage policy attached to a contract agreement.
type Policy struct {
	// UID identifies the policy.
	UID string `json:"uid,omitempty"`

	// Type is "set", "offer" or "contract".
	Type string `json:"type,omitempty"`

	// Assigner is the party granting the permissions.
	Assigner string `json:"assigner,omitempty"`

	// Assignee is the party receiving the permissions.
	Assignee string `json:"assignee,omitempty"`

	// Target is the asset the policy applies to.
	Target string `json:"target,omitempty"`

	// Permissions must all have their constraints satisfied.
	Permissions []Rule `json:"permissions,omitempty"`

	// Prohibitions deny the evaluation when their constraints are satisfied.
	Prohibitions []Rule `json:"prohibitions,omitempty"`

	// Obligations are carried for reference and not enforced here.
	Obligations []Rule `json:"obligations,omitempty"`
}

// Rule is a permission, prohibition or obligation.
type Rule struct {
	// Action is the governed action, typically "use".
	Action string `json:"action"`

	// Constraints all have to hold for the rule to apply.
	Constraints []Constraint `json:"constraints,omitempty"`
}

// Constraint is a single atomic condition.
type Constraint struct {
	LeftOperand  string   `json:"leftOperand"`
	Operator     Operator `json:"operator"`
	RightOperand string   `json:"rightOperand"`
}

// LoadPolicyFile reads a JSON policy document.
func LoadPolicyFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	return &p, nil
}

// EvaluationContext carries the facts a policy is evaluated against.
type EvaluationContext struct {
	// Now is the evaluation time. Zero means time.Now().
	Now time.Time

	// AgreementSignedAt anchors "contractAgreement+<duration>" operands.
	AgreementSignedAt time.Time

	// ParticipantID is this connector's identity.
	ParticipantID string

	// CounterPartyID is the other side of the agreement.
	CounterPartyID string

	// Attributes resolve any other left operand by name.
	Attributes map[string]string
}

// Violation is a single reason an evaluation failed or warned.
type Violation struct {
	// Module is the rego module that reported the violation.
	Module string `json:"module"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result represents the outcome of a policy evaluation.
type Result struct {
	// Allowed is false when any error-severity violation was found.
	Allowed bool `json:"allowed"`

	// Scope is the scope the policy was evaluated in.
	Scope string `json:"scope"`

	// Violations lists every finding.
	Violations []Violation `json:"violations,omitempty"`

	// EvaluatedModules lists the modules that ran.
	EvaluatedModules []string `json:"evaluated_modules"`

	// EvaluatedAt is when the evaluation finished.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Failures returns the messages of blocking violations.
func (r *Result) Failures() []string {
	var out []string
	for _, v := range r.Violations {
		if v.Severity == SeverityError {
			out = append(out, v.Message)
		}
	}
	return out
}

// Evaluator decides whether a policy permits an action in a scope. A returned
// error means the evaluation itself could not run.
type Evaluator interface {
	Evaluate(ctx context.Context, scope string, p *Policy, ectx EvaluationContext) (*Result, error)
}

// Module is a rego module loaded into the engine.
type Module struct {
	// Name is the unique name of the module.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the module source.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the module is evaluated.
	Enabled bool `json:"enabled"`

	// Scopes restricts the module to the listed scopes. Empty means every scope.
	Scopes []string `json:"scopes,omitempty"`

	// Metadata contains additional module metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// LoadedAt is when the module was read.
	LoadedAt time.Time `json:"loaded_at"`
}

// AppliesTo reports whether the module runs in scope.
func (m *Module) AppliesTo(scope string) bool {
	if len(m.Scopes) == 0 {
		return true
	}
	for _, s := range m.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
