package provision

import (
	"fmt"

	"github.com/openfroyo/connector/pkg/policy"
	"github.com/openfroyo/connector/pkg/transfer"
)

// ResourceDefinitionGenerator is implemented by every generator. Role must agree
// with the generator interface the value implements.
type ResourceDefinitionGenerator interface {
	Role() transfer.Role
}

// ConsumerResourceDefinitionGenerator produces a definition for the consumer side
// of a transfer from the request and the contract policy.
type ConsumerResourceDefinitionGenerator interface {
	ResourceDefinitionGenerator

	// CanGenerate reports whether the generator applies to the request.
	CanGenerate(req *transfer.TransferRequest, p *policy.Policy) bool

	// Generate returns the definition, or nil when there is nothing to provision.
	Generate(req *transfer.TransferRequest, p *policy.Policy) (*transfer.ResourceDefinition, error)
}

// ProviderResourceDefinitionGenerator produces a definition for the provider side
// from the request and the resolved source address of the asset.
type ProviderResourceDefinitionGenerator interface {
	ResourceDefinitionGenerator

	CanGenerate(req *transfer.TransferRequest, addr transfer.DataAddress, p *policy.Policy) bool
	Generate(req *transfer.TransferRequest, addr transfer.DataAddress, p *policy.Policy) (*transfer.ResourceDefinition, error)
}

// generatorName returns a name for log and error messages.
func generatorName(g interface{}) string {
	if n, ok := g.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", g)
}
