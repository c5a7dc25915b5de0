package provision

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/openfroyo/connector/pkg/policy"
	"github.com/openfroyo/connector/pkg/transfer"
)

type mockEvaluator struct {
	mock.Mock
}

func (m *mockEvaluator) Evaluate(ctx context.Context, scope string, p *policy.Policy, ectx policy.EvaluationContext) (*policy.Result, error) {
	args := m.Called(ctx, scope, p, ectx)
	result, _ := args.Get(0).(*policy.Result)
	return result, args.Error(1)
}

type mockConsumerGenerator struct {
	mock.Mock
}

func (m *mockConsumerGenerator) Role() transfer.Role { return transfer.RoleConsumer }

func (m *mockConsumerGenerator) CanGenerate(req *transfer.TransferRequest, p *policy.Policy) bool {
	return m.Called(req, p).Bool(0)
}

func (m *mockConsumerGenerator) Generate(req *transfer.TransferRequest, p *policy.Policy) (*transfer.ResourceDefinition, error) {
	args := m.Called(req, p)
	def, _ := args.Get(0).(*transfer.ResourceDefinition)
	return def, args.Error(1)
}

type mockProviderGenerator struct {
	mock.Mock
}

func (m *mockProviderGenerator) Role() transfer.Role { return transfer.RoleProvider }

func (m *mockProviderGenerator) CanGenerate(req *transfer.TransferRequest, addr transfer.DataAddress, p *policy.Policy) bool {
	return m.Called(req, addr, p).Bool(0)
}

func (m *mockProviderGenerator) Generate(req *transfer.TransferRequest, addr transfer.DataAddress, p *policy.Policy) (*transfer.ResourceDefinition, error) {
	args := m.Called(req, addr, p)
	def, _ := args.Get(0).(*transfer.ResourceDefinition)
	return def, args.Error(1)
}

// liarGenerator declares the provider role but only implements the consumer interface.
type liarGenerator struct{}

func (liarGenerator) Role() transfer.Role { return transfer.RoleProvider }

func (liarGenerator) CanGenerate(*transfer.TransferRequest, *policy.Policy) bool { return true }

func (liarGenerator) Generate(*transfer.TransferRequest, *policy.Policy) (*transfer.ResourceDefinition, error) {
	return nil, nil
}

type stubProvisioner struct {
	kind        string
	provision   func(ctx context.Context, def transfer.ResourceDefinition) (*ProvisionResponse, error)
	deprovision func(ctx context.Context, res transfer.ProvisionedResource) (*DeprovisionResponse, error)
}

func (s *stubProvisioner) Kind() string { return s.kind }

func (s *stubProvisioner) CanProvision(def transfer.ResourceDefinition) bool { return def.Kind == s.kind }

func (s *stubProvisioner) CanDeprovision(res transfer.ProvisionedResource) bool { return res.Kind == s.kind }

func (s *stubProvisioner) Provision(ctx context.Context, _ string, def transfer.ResourceDefinition) (*ProvisionResponse, error) {
	if s.provision == nil {
		return &ProvisionResponse{Output: map[string]string{"id": def.ID}}, nil
	}
	return s.provision(ctx, def)
}

func (s *stubProvisioner) Deprovision(ctx context.Context, _ string, res transfer.ProvisionedResource) (*DeprovisionResponse, error) {
	if s.deprovision == nil {
		return &DeprovisionResponse{}, nil
	}
	return s.deprovision(ctx, res)
}
