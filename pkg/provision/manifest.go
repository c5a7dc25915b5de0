package provision

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/connector/pkg/policy"
	"github.com/openfroyo/connector/pkg/telemetry"
	"github.com/openfroyo/connector/pkg/transfer"
)

// ManifestGenerator builds resource manifests from the registered generators.
// Consumer manifests are gated by policy evaluation; provider manifests take a
// policy that was validated when the request was accepted.
type ManifestGenerator struct {
	registry  *GeneratorRegistry
	evaluator policy.Evaluator
	logger    zerolog.Logger
	now       func() time.Time
}

// NewManifestGenerator creates a manifest generator. A nil registry gets a fresh one.
func NewManifestGenerator(registry *GeneratorRegistry, evaluator policy.Evaluator, logger zerolog.Logger) *ManifestGenerator {
	if registry == nil {
		registry = NewGeneratorRegistry()
	}
	return &ManifestGenerator{
		registry:  registry,
		evaluator: evaluator,
		logger:    logger.With().Str("component", "manifest-generator").Logger(),
		now:       time.Now,
	}
}

// RegisterGenerator registers g for the role it declares.
func (m *ManifestGenerator) RegisterGenerator(g ResourceDefinitionGenerator) error {
	return m.registry.Register(g)
}

// Registry returns the underlying registry.
func (m *ManifestGenerator) Registry() *GeneratorRegistry {
	return m.registry
}

// GenerateConsumerResourceManifest evaluates p in the consumer provisioning scope
// and, when allowed, runs every applicable consumer generator in registration
// order. A rejected policy yields a POLICY_REJECTED error and no generator runs.
func (m *ManifestGenerator) GenerateConsumerResourceManifest(ctx context.Context, req *transfer.TransferRequest, p *policy.Policy, ectx policy.EvaluationContext) (*transfer.ResourceManifest, error) {
	if req == nil {
		return nil, transfer.NewPermanentError(transfer.CodeValidation, "transfer request is nil", nil)
	}
	if m.evaluator == nil {
		return nil, transfer.NewTransientError("no policy evaluator configured", nil).WithOperation("policy")
	}

	result, err := m.evaluator.Evaluate(ctx, policy.ScopeConsumerProvisioning, p, ectx)
	if err != nil {
		return nil, transfer.NewTransientError("policy evaluation failed", err).WithOperation("policy")
	}
	if result == nil {
		return nil, transfer.NewTransientError("policy evaluator returned no result", nil).WithOperation("policy")
	}
	telemetry.RecordPolicyEvaluation(ctx, policy.ScopeConsumerProvisioning, result.Allowed)
	if !result.Allowed {
		m.logger.Info().
			Str("request_id", req.ID).
			Strs("failures", result.Failures()).
			Msg("consumer provisioning rejected by policy")
		return nil, transfer.NewPolicyRejectedError(result.Failures()).
			WithDetail("scope", policy.ScopeConsumerProvisioning)
	}

	manifest := &transfer.ResourceManifest{
		Role:        transfer.RoleConsumer,
		Definitions: []transfer.ResourceDefinition{},
		GeneratedAt: m.now(),
	}
	for _, g := range m.registry.ConsumerGenerators() {
		if !g.CanGenerate(req, p) {
			continue
		}
		def, genErr := g.Generate(req, p)
		if err := m.collect(manifest, g, def, genErr); err != nil {
			return nil, err
		}
	}

	m.logger.Debug().
		Str("request_id", req.ID).
		Int("definitions", len(manifest.Definitions)).
		Msg("generated consumer manifest")
	return manifest, nil
}

// GenerateProviderResourceManifest runs every applicable provider generator in
// registration order. The policy is not evaluated again.
func (m *ManifestGenerator) GenerateProviderResourceManifest(ctx context.Context, req *transfer.TransferRequest, addr transfer.DataAddress, vp policy.ValidatedPolicy) (*transfer.ResourceManifest, error) {
	if req == nil {
		return nil, transfer.NewPermanentError(transfer.CodeValidation, "transfer request is nil", nil)
	}
	if !vp.Valid() {
		return nil, transfer.NewPermanentError(transfer.CodeValidation, "provider manifest requires a validated policy", nil)
	}
	if vp.Scope() != policy.ScopeProviderTransfer {
		return nil, transfer.NewPermanentError(transfer.CodeValidation,
			fmt.Sprintf("policy was validated for scope %s, not %s", vp.Scope(), policy.ScopeProviderTransfer), nil)
	}

	p := vp.Policy()
	manifest := &transfer.ResourceManifest{
		Role:        transfer.RoleProvider,
		Definitions: []transfer.ResourceDefinition{},
		GeneratedAt: m.now(),
	}
	for _, g := range m.registry.ProviderGenerators() {
		if !g.CanGenerate(req, addr, p) {
			continue
		}
		def, genErr := g.Generate(req, addr, p)
		if err := m.collect(manifest, g, def, genErr); err != nil {
			return nil, err
		}
	}

	m.logger.Debug().
		Str("request_id", req.ID).
		Str("source_type", addr.Type).
		Time("policy_validated_at", vp.ValidatedAt()).
		Int("definitions", len(manifest.Definitions)).
		Msg("generated provider manifest")
	return manifest, nil
}

// collect appends a generated definition to the manifest.
func (m *ManifestGenerator) collect(manifest *transfer.ResourceManifest, g interface{}, def *transfer.ResourceDefinition, err error) error {
	name := generatorName(g)
	if err != nil {
		return transfer.NewGenerationFailedError(name, err)
	}
	if def == nil {
		return nil
	}
	if def.Kind == "" {
		return transfer.NewGenerationFailedError(name, fmt.Errorf("definition has no kind"))
	}
	d := *def
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if _, exists := manifest.Definition(d.ID); exists {
		return transfer.NewGenerationFailedError(name, fmt.Errorf("duplicate definition id %s", d.ID))
	}
	manifest.Definitions = append(manifest.Definitions, d)
	return nil
}
