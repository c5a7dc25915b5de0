package provision

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/openfroyo/connector/pkg/transfer"
)

var (
	// ErrRegistrySealed is returned when a generator is registered after Seal.
	ErrRegistrySealed = errors.New("generator registry is sealed")

	// ErrRoleMismatch is returned when a generator's declared role does not match
	// the interface it implements.
	ErrRoleMismatch = errors.New("generator role does not match its interface")
)

// GeneratorRegistry holds consumer and provider generators in registration order.
// Registration happens during startup; after Seal the lists are immutable and
// reads take no lock.
type GeneratorRegistry struct {
	mu       sync.RWMutex
	sealed   atomic.Bool
	consumer []ConsumerResourceDefinitionGenerator
	provider []ProviderResourceDefinitionGenerator
}

// NewGeneratorRegistry creates an empty registry.
func NewGeneratorRegistry() *GeneratorRegistry {
	return &GeneratorRegistry{}
}

// Register adds g to the list selected by g.Role().
func (r *GeneratorRegistry) Register(g ResourceDefinitionGenerator) error {
	if g == nil {
		return fmt.Errorf("generator is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed.Load() {
		return ErrRegistrySealed
	}

	switch g.Role() {
	case transfer.RoleConsumer:
		cg, ok := g.(ConsumerResourceDefinitionGenerator)
		if !ok {
			return fmt.Errorf("%w: %s declares consumer", ErrRoleMismatch, generatorName(g))
		}
		r.consumer = append(r.consumer, cg)
	case transfer.RoleProvider:
		pg, ok := g.(ProviderResourceDefinitionGenerator)
		if !ok {
			return fmt.Errorf("%w: %s declares provider", ErrRoleMismatch, generatorName(g))
		}
		r.provider = append(r.provider, pg)
	default:
		return fmt.Errorf("%w: %s declares unknown role %q", ErrRoleMismatch, generatorName(g), g.Role())
	}
	return nil
}

// Seal freezes the registry.
func (r *GeneratorRegistry) Seal() {
	r.mu.Lock()
	r.sealed.Store(true)
	r.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (r *GeneratorRegistry) Sealed() bool {
	return r.sealed.Load()
}

// ConsumerGenerators returns the consumer generators in registration order.
// The returned slice must not be modified.
func (r *GeneratorRegistry) ConsumerGenerators() []ConsumerResourceDefinitionGenerator {
	if r.sealed.Load() {
		return r.consumer
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ConsumerResourceDefinitionGenerator(nil), r.consumer...)
}

// ProviderGenerators returns the provider generators in registration order.
// The returned slice must not be modified.
func (r *GeneratorRegistry) ProviderGenerators() []ProviderResourceDefinitionGenerator {
	if r.sealed.Load() {
		return r.provider
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ProviderResourceDefinitionGenerator(nil), r.provider...)
}
