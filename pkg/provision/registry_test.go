package provision

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RoutesByRole(t *testing.T) {
	r := NewGeneratorRegistry()
	c1, c2 := new(mockConsumerGenerator), new(mockConsumerGenerator)
	p1 := new(mockProviderGenerator)

	require.NoError(t, r.Register(c1))
	require.NoError(t, r.Register(p1))
	require.NoError(t, r.Register(c2))

	consumers := r.ConsumerGenerators()
	require.Len(t, consumers, 2)
	assert.Same(t, c1, consumers[0])
	assert.Same(t, c2, consumers[1])
	assert.Len(t, r.ProviderGenerators(), 1)
}

func TestRegistry_RejectsRoleMismatch(t *testing.T) {
	r := NewGeneratorRegistry()
	err := r.Register(liarGenerator{})
	assert.ErrorIs(t, err, ErrRoleMismatch)
	assert.Empty(t, r.ProviderGenerators())
	assert.Empty(t, r.ConsumerGenerators())

	assert.Error(t, r.Register(nil))
}

func TestRegistry_Seal(t *testing.T) {
	r := NewGeneratorRegistry()
	require.NoError(t, r.Register(new(mockConsumerGenerator)))
	r.Seal()
	assert.True(t, r.Sealed())

	assert.ErrorIs(t, r.Register(new(mockProviderGenerator)), ErrRegistrySealed)
	assert.Len(t, r.ConsumerGenerators(), 1)
}

func TestRegistry_ConcurrentReadsAfterSeal(t *testing.T) {
	r := NewGeneratorRegistry()
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Register(new(mockConsumerGenerator)))
	}
	r.Seal()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Len(t, r.ConsumerGenerators(), 3)
		}()
	}
	wg.Wait()
}
