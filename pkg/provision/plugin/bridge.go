package plugin

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// bridge calls JSON-in/JSON-out functions exported by a plugin module.
//
// Exported functions have the signature fn(ptr, len u32) u64 where the result
// packs (output_ptr << 32) | output_len. Input buffers are allocated with the
// module's malloc and released with free. A bridge is not safe for concurrent use.
type bridge struct {
	memory api.Memory
	malloc api.Function
	free   api.Function

	provision   api.Function
	deprovision api.Function
}

func newBridge(module api.Module) (*bridge, error) {
	b := &bridge{memory: module.ExportedMemory("memory")}
	if b.memory == nil {
		return nil, fmt.Errorf("WASM module does not export memory")
	}

	exports := []struct {
		name string
		fn   *api.Function
	}{
		{"malloc", &b.malloc},
		{"free", &b.free},
		{"provision", &b.provision},
		{"deprovision", &b.deprovision},
	}
	for _, e := range exports {
		*e.fn = module.ExportedFunction(e.name)
		if *e.fn == nil {
			return nil, fmt.Errorf("WASM module does not export %s function", e.name)
		}
	}
	return b, nil
}

func (b *bridge) call(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := b.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, fmt.Errorf("failed to allocate WASM memory: %w", err)
		}
		defer func() { _ = b.deallocate(ctx, ptr) }()

		inputPtr, inputLen = ptr, uint32(len(input))
		if !b.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write input to WASM memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("WASM function call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("WASM function returned no results")
	}

	outputPtr := uint32(results[0] >> 32)
	outputLen := uint32(results[0])
	if outputLen == 0 {
		return []byte("{}"), nil
	}

	view, ok := b.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from WASM memory")
	}
	// Read returns a view into linear memory; copy before free.
	output := make([]byte, len(view))
	copy(output, view)
	_ = b.deallocate(ctx, outputPtr)

	return output, nil
}

func (b *bridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 || uint32(results[0]) == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return uint32(results[0]), nil
}

func (b *bridge) deallocate(ctx context.Context, ptr uint32) error {
	if _, err := b.free.Call(ctx, uint64(ptr)); err != nil {
		return fmt.Errorf("free failed: %w", err)
	}
	return nil
}
