package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"
)

// Engine evaluates usage policies with OPA. Every enabled module contributes
// violations through a "deny" set rule.
type Engine struct {
	mu      sync.RWMutex
	modules map[string]*compiledModule
	store   storage.Store
	logger  zerolog.Logger
}

// compiledModule represents a parsed and prepared rego module.
type compiledModule struct {
	module   *Module
	parsed   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// engineInput is the document exposed to rego as "input".
type engineInput struct {
	Scope   string       `json:"scope"`
	Policy  *Policy      `json:"policy"`
	Context inputContext `json:"context"`
}

type inputContext struct {
	NowNs            int64             `json:"now_ns"`
	AgreementStartNs int64             `json:"agreement_start_ns"`
	ParticipantID    string            `json:"participant_id"`
	CounterPartyID   string            `json:"counter_party_id"`
	Attributes       map[string]string `json:"attributes"`
}

var _ Evaluator = (*Engine)(nil)

// NewEngine creates a policy engine with the built-in modules loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		modules: make(map[string]*compiledModule),
		store:   inmem.New(),
		logger:  logger.With().Str("component", "policy-engine").Logger(),
	}

	if err := e.loadBuiltinModules(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in modules: %w", err)
	}

	return e, nil
}

// Evaluate evaluates p in scope against ectx.
func (e *Engine) Evaluate(ctx context.Context, scope string, p *Policy, ectx EvaluationContext) (*Result, error) {
	if p == nil {
		return nil, fmt.Errorf("policy is nil")
	}

	startTime := time.Now()
	input := newEngineInput(scope, p, ectx)

	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.modules))
	for name := range e.modules {
		names = append(names, name)
	}
	sort.Strings(names)

	result := &Result{Allowed: true, Scope: scope}
	for _, name := range names {
		cm := e.modules[name]
		if !cm.module.Enabled || !cm.module.AppliesTo(scope) {
			continue
		}

		violations, err := e.evaluateModule(ctx, cm, input)
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", name, err)
		}

		result.EvaluatedModules = append(result.EvaluatedModules, name)
		result.Violations = append(result.Violations, violations...)
	}

	for _, v := range result.Violations {
		if v.Severity == SeverityError {
			result.Allowed = false
			break
		}
	}
	result.EvaluatedAt = time.Now()

	e.logger.Debug().
		Str("scope", scope).
		Str("policy", p.UID).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Dur("duration", time.Since(startTime)).
		Msg("Policy evaluation completed")

	return result, nil
}

func newEngineInput(scope string, p *Policy, ectx EvaluationContext) engineInput {
	now := ectx.Now
	if now.IsZero() {
		now = time.Now()
	}
	in := engineInput{
		Scope:  scope,
		Policy: p,
		Context: inputContext{
			NowNs:          now.UnixNano(),
			ParticipantID:  ectx.ParticipantID,
			CounterPartyID: ectx.CounterPartyID,
			Attributes:     ectx.Attributes,
		},
	}
	if !ectx.AgreementSignedAt.IsZero() {
		in.Context.AgreementStartNs = ectx.AgreementSignedAt.UnixNano()
	}
	if in.Context.Attributes == nil {
		in.Context.Attributes = map[string]string{}
	}
	return in
}

// evaluateModule evaluates a single compiled module.
func (e *Engine) evaluateModule(ctx context.Context, cm *compiledModule, input engineInput) ([]Violation, error) {
	results, err := cm.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		if denySet, ok := result.Expressions[0].Value.([]interface{}); ok {
			for _, d := range denySet {
				violations = append(violations, e.createViolation(cm.module, d))
			}
		}
	}

	sort.Slice(violations, func(i, j int) bool {
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

// extractPackageName extracts the package name from rego source.
func extractPackageName(src string) string {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "connector.policy"
}

// createViolation creates a Violation from a deny set member.
func (e *Engine) createViolation(m *Module, result interface{}) Violation {
	violation := Violation{
		Module:   m.Name,
		Severity: m.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compileModule parses and prepares a module without storing it.
func (e *Engine) compileModule(ctx context.Context, m *Module) (*compiledModule, error) {
	parsed, err := ast.ParseModule(m.Name, m.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse module: %w", err)
	}

	query, err := rego.New(
		rego.Module(m.Name, m.Rego),
		rego.Store(e.store),
		rego.Query(fmt.Sprintf("data.%s.deny", extractPackageName(m.Rego))),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	if m.Severity == "" {
		m.Severity = SeverityError
	}

	return &compiledModule{
		module:   m,
		parsed:   parsed,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// loadBuiltinModules compiles the built-in modules. Callers hold no lock.
func (e *Engine) loadBuiltinModules(ctx context.Context) error {
	builtins := BuiltinModules()
	for i := range builtins {
		cm, err := e.compileModule(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in module %s: %w", builtins[i].Name, err)
		}
		e.modules[builtins[i].Name] = cm
	}

	e.logger.Info().
		Int("count", len(builtins)).
		Msg("Built-in policy modules loaded")

	return nil
}

// LoadModules loads rego modules from files or directories.
func (e *Engine) LoadModules(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	modules, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load modules: %w", err)
	}
	return e.AddModules(ctx, modules)
}

// AddModules compiles and installs modules. Nothing is installed if any fails.
func (e *Engine) AddModules(ctx context.Context, modules []Module) error {
	compiled := make([]*compiledModule, 0, len(modules))
	for i := range modules {
		cm, err := e.compileModule(ctx, &modules[i])
		if err != nil {
			e.logger.Error().Err(err).
				Str("module", modules[i].Name).
				Msg("Failed to compile module")
			return fmt.Errorf("failed to compile module %s: %w", modules[i].Name, err)
		}
		compiled = append(compiled, cm)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cm := range compiled {
		e.modules[cm.module.Name] = cm
	}

	e.logger.Info().
		Int("count", len(compiled)).
		Msg("Policy modules loaded")

	return nil
}

// ReloadModules replaces every non built-in module with modules.
func (e *Engine) ReloadModules(ctx context.Context, modules []Module) error {
	fresh := &Engine{
		modules: make(map[string]*compiledModule),
		store:   e.store,
		logger:  e.logger,
	}
	if err := fresh.loadBuiltinModules(ctx); err != nil {
		return err
	}
	if err := fresh.AddModules(ctx, modules); err != nil {
		return err
	}

	e.mu.Lock()
	e.modules = fresh.modules
	e.mu.Unlock()
	return nil
}

// ListModules returns all loaded modules sorted by name.
func (e *Engine) ListModules() []Module {
	e.mu.RLock()
	defer e.mu.RUnlock()

	modules := make([]Module, 0, len(e.modules))
	for _, cm := range e.modules {
		modules = append(modules, *cm.module)
	}
	sort.Slice(modules, func(i, j int) bool { return modules[i].Name < modules[j].Name })
	return modules
}

// EnableModule enables a module by name.
func (e *Engine) EnableModule(name string) error {
	return e.setEnabled(name, true)
}

// DisableModule disables a module by name.
func (e *Engine) DisableModule(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cm, exists := e.modules[name]
	if !exists {
		return fmt.Errorf("module not found: %s", name)
	}
	cm.module.Enabled = enabled
	e.logger.Info().Str("module", name).Bool("enabled", enabled).Msg("Policy module toggled")
	return nil
}
