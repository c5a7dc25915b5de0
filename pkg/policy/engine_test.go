package policy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/connector/pkg/transfer"
	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	modules := eng.ListModules()
	if len(modules) != 1 || modules[0].Name != "constraints" {
		t.Fatalf("expected the built-in constraints module, got %+v", modules)
	}
}

func TestEvaluate_EmptyPolicyIsAllowed(t *testing.T) {
	eng := newTestEngine(t)

	result, err := eng.Evaluate(context.Background(), ScopeConsumerProvisioning, &Policy{}, EvaluationContext{})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("empty policy should be allowed, got violations %v", result.Violations)
	}
	if result.Scope != ScopeConsumerProvisioning {
		t.Errorf("Scope = %s", result.Scope)
	}
}

func TestEvaluate_NilPolicy(t *testing.T) {
	eng := newTestEngine(t)
	if _, err := eng.Evaluate(context.Background(), ScopeConsumerProvisioning, nil, EvaluationContext{}); err == nil {
		t.Error("expected error for nil policy")
	}
}

func TestEvaluate_InForceDate(t *testing.T) {
	eng := newTestEngine(t)

	window := &Policy{
		UID: "window",
		Permissions: []Rule{{
			Action: "use",
			Constraints: []Constraint{
				{LeftOperand: "inForceDate", Operator: OperatorGeq, RightOperand: "2024-01-01T00:00:00Z"},
				{LeftOperand: "inForceDate", Operator: OperatorLeq, RightOperand: "2024-12-31T23:59:59Z"},
			},
		}},
	}
	relative := &Policy{
		UID: "relative",
		Permissions: []Rule{{
			Action: "use",
			Constraints: []Constraint{
				{LeftOperand: "inForceDate", Operator: "LEQ", RightOperand: "contractAgreement+1h"},
			},
		}},
	}

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		policy  *Policy
		ectx    EvaluationContext
		allowed bool
		message string
	}{
		{"inside window", window, EvaluationContext{Now: now}, true, ""},
		{"before window", window, EvaluationContext{Now: now.AddDate(-1, 0, 0)}, false, "inForceDate geq"},
		{"after window", window, EvaluationContext{Now: now.AddDate(1, 0, 0)}, false, "inForceDate leq"},
		{"relative within", relative, EvaluationContext{Now: now, AgreementSignedAt: now.Add(-30 * time.Minute)}, true, ""},
		{"relative expired", relative, EvaluationContext{Now: now, AgreementSignedAt: now.Add(-2 * time.Hour)}, false, "contractAgreement+1h"},
		{"relative without agreement", relative, EvaluationContext{Now: now}, false, "not satisfied"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.Evaluate(context.Background(), ScopeConsumerProvisioning, tt.policy, tt.ectx)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if result.Allowed != tt.allowed {
				t.Fatalf("Allowed = %v, want %v (violations %v)", result.Allowed, tt.allowed, result.Violations)
			}
			if tt.message != "" && !strings.Contains(strings.Join(result.Failures(), "\n"), tt.message) {
				t.Errorf("failures %v do not mention %q", result.Failures(), tt.message)
			}
		})
	}
}

func TestEvaluate_PartyAndAttributes(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name       string
		constraint Constraint
		ectx       EvaluationContext
		allowed    bool
	}{
		{
			name:       "counterparty matches",
			constraint: Constraint{LeftOperand: "counterPartyId", Operator: OperatorEq, RightOperand: "urn:consumer"},
			ectx:       EvaluationContext{CounterPartyID: "urn:consumer"},
			allowed:    true,
		},
		{
			name:       "counterparty differs",
			constraint: Constraint{LeftOperand: "counterPartyId", Operator: OperatorEq, RightOperand: "urn:consumer"},
			ectx:       EvaluationContext{CounterPartyID: "urn:other"},
			allowed:    false,
		},
		{
			name:       "counterparty unknown",
			constraint: Constraint{LeftOperand: "counterPartyId", Operator: OperatorNeq, RightOperand: "urn:consumer"},
			ectx:       EvaluationContext{},
			allowed:    false,
		},
		{
			name:       "counterparty in list",
			constraint: Constraint{LeftOperand: "participantId", Operator: OperatorIn, RightOperand: "urn:a, urn:b"},
			ectx:       EvaluationContext{CounterPartyID: "urn:b"},
			allowed:    true,
		},
		{
			name:       "attribute matches",
			constraint: Constraint{LeftOperand: "region", Operator: OperatorEq, RightOperand: "eu"},
			ectx:       EvaluationContext{Attributes: map[string]string{"region": "eu"}},
			allowed:    true,
		},
		{
			name:       "attribute missing",
			constraint: Constraint{LeftOperand: "region", Operator: OperatorEq, RightOperand: "eu"},
			ectx:       EvaluationContext{},
			allowed:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Policy{Permissions: []Rule{{Action: "use", Constraints: []Constraint{tt.constraint}}}}
			result, err := eng.Evaluate(context.Background(), ScopeConsumerProvisioning, p, tt.ectx)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if result.Allowed != tt.allowed {
				t.Errorf("Allowed = %v, want %v (violations %v)", result.Allowed, tt.allowed, result.Violations)
			}
		})
	}
}

func TestEvaluate_Prohibitions(t *testing.T) {
	eng := newTestEngine(t)
	ectx := EvaluationContext{Attributes: map[string]string{"purpose": "marketing"}}

	tests := []struct {
		name        string
		prohibition Rule
		allowed     bool
	}{
		{"unconditional", Rule{Action: "use"}, false},
		{"condition holds", Rule{Action: "use", Constraints: []Constraint{{LeftOperand: "purpose", Operator: OperatorEq, RightOperand: "marketing"}}}, false},
		{"condition fails", Rule{Action: "use", Constraints: []Constraint{{LeftOperand: "purpose", Operator: OperatorEq, RightOperand: "research"}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Policy{Prohibitions: []Rule{tt.prohibition}}
			result, err := eng.Evaluate(context.Background(), ScopeProviderTransfer, p, ectx)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if result.Allowed != tt.allowed {
				t.Errorf("Allowed = %v, want %v", result.Allowed, tt.allowed)
			}
		})
	}
}

func TestEvaluate_ScopedModule(t *testing.T) {
	eng := newTestEngine(t)

	err := eng.AddModules(context.Background(), []Module{{
		Name:     "provider-only",
		Enabled:  true,
		Severity: SeverityError,
		Scopes:   []string{ScopeProviderTransfer},
		Rego: `package connector.policy.provideronly

import rego.v1

deny contains "provider transfers are frozen" if true
`,
	}})
	if err != nil {
		t.Fatalf("AddModules failed: %v", err)
	}

	consumer, err := eng.Evaluate(context.Background(), ScopeConsumerProvisioning, &Policy{}, EvaluationContext{})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !consumer.Allowed {
		t.Error("scoped module should not run in consumer scope")
	}

	provider, err := eng.Evaluate(context.Background(), ScopeProviderTransfer, &Policy{}, EvaluationContext{})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if provider.Allowed {
		t.Error("scoped module should deny in provider scope")
	}

	if err := eng.DisableModule("provider-only"); err != nil {
		t.Fatalf("DisableModule failed: %v", err)
	}
	provider, _ = eng.Evaluate(context.Background(), ScopeProviderTransfer, &Policy{}, EvaluationContext{})
	if !provider.Allowed {
		t.Error("disabled module should not run")
	}

	if err := eng.EnableModule("provider-only"); err != nil {
		t.Fatalf("EnableModule failed: %v", err)
	}
	provider, _ = eng.Evaluate(context.Background(), ScopeProviderTransfer, &Policy{}, EvaluationContext{})
	if provider.Allowed {
		t.Error("re-enabled module should deny again")
	}
	if err := eng.EnableModule("missing"); err == nil {
		t.Error("expected error for unknown module")
	}
}

func TestAddModules_RejectsInvalidRego(t *testing.T) {
	eng := newTestEngine(t)
	err := eng.AddModules(context.Background(), []Module{{Name: "broken", Enabled: true, Rego: "package x\ndeny contains {"}})
	if err == nil {
		t.Fatal("expected compile error")
	}
	if len(eng.ListModules()) != 1 {
		t.Error("a failed batch must not install modules")
	}
}

func TestReloadModules_KeepsBuiltins(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	extra := Module{Name: "extra", Enabled: true, Rego: "package extra\n\nimport rego.v1\n\ndeny contains \"x\" if false\n"}
	if err := eng.AddModules(ctx, []Module{extra}); err != nil {
		t.Fatalf("AddModules failed: %v", err)
	}
	if err := eng.ReloadModules(ctx, nil); err != nil {
		t.Fatalf("ReloadModules failed: %v", err)
	}

	modules := eng.ListModules()
	if len(modules) != 1 || modules[0].Name != "constraints" {
		t.Errorf("after reload expected only built-ins, got %d modules", len(modules))
	}
}

type stubEvaluator struct {
	result *Result
	err    error
}

func (s stubEvaluator) Evaluate(context.Context, string, *Policy, EvaluationContext) (*Result, error) {
	return s.result, s.err
}

func TestValidate(t *testing.T) {
	ctx := context.Background()
	p := &Policy{UID: "p1"}

	token, err := Validate(ctx, stubEvaluator{result: &Result{Allowed: true}}, ScopeProviderTransfer, p, EvaluationContext{})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !token.Valid() || token.Policy() != p || token.Scope() != ScopeProviderTransfer {
		t.Errorf("unexpected token %+v", token)
	}

	rejected := &Result{Allowed: false, Violations: []Violation{{Message: "expired", Severity: SeverityError}}}
	token, err = Validate(ctx, stubEvaluator{result: rejected}, ScopeProviderTransfer, p, EvaluationContext{})
	if transfer.CodeOf(err) != transfer.CodePolicyRejected {
		t.Errorf("expected POLICY_REJECTED, got %v", err)
	}
	if token.Valid() {
		t.Error("rejected validation must not yield a valid token")
	}

	_, err = Validate(ctx, stubEvaluator{err: context.DeadlineExceeded}, ScopeProviderTransfer, p, EvaluationContext{})
	if !transfer.IsTransient(err) {
		t.Errorf("evaluator failure should be transient, got %v", err)
	}

	var zero ValidatedPolicy
	if zero.Valid() {
		t.Error("zero token must be invalid")
	}
}

func TestValidate_UsesEvaluationClock(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	token, err := Validate(context.Background(), stubEvaluator{result: &Result{Allowed: true}}, ScopeProviderTransfer, &Policy{}, EvaluationContext{Now: at})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !token.ValidatedAt().Equal(at) {
		t.Errorf("ValidatedAt = %v, want %v", token.ValidatedAt(), at)
	}

	token, _ = Validate(context.Background(), stubEvaluator{result: &Result{Allowed: true}}, ScopeProviderTransfer, &Policy{}, EvaluationContext{})
	if token.ValidatedAt().IsZero() {
		t.Error("a zero evaluation time falls back to the wall clock")
	}
}
