// Package plugin runs provisioners compiled to WebAssembly.
//
// A plugin is a YAML manifest next to a WASM module. The module exports memory,
// malloc, free, provision and deprovision. provision and deprovision take a JSON
// Request and return a JSON Response through the packed pointer convention
// described on bridge. Modules may import env.log(level, ptr, len) to write to the
// connector log.
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openfroyo/connector/pkg/provision"
	"github.com/openfroyo/connector/pkg/transfer"
)

// Config tunes the WASM runtime.
type Config struct {
	// Timeout bounds a single plugin call. Defaults to 30s.
	Timeout time.Duration

	// MemoryLimitPages caps linear memory in 64KiB pages. Defaults to 256 (16MiB).
	MemoryLimitPages uint32
}

// Request is the JSON document passed to a plugin.
type Request struct {
	Operation  provision.Operation           `json:"operation"`
	ProcessID  string                        `json:"process_id"`
	Definition *transfer.ResourceDefinition  `json:"definition,omitempty"`
	Resource   *transfer.ProvisionedResource `json:"resource,omitempty"`
}

// Response is the JSON document a plugin returns.
type Response struct {
	Output     map[string]string `json:"output,omitempty"`
	InProgress bool              `json:"in_progress,omitempty"`
	Error      string            `json:"error,omitempty"`
	Retryable  bool              `json:"retryable,omitempty"`
}

// Host owns the runtime and module instance of one plugin.
type Host struct {
	manifest *Manifest
	logger   zerolog.Logger
	timeout  time.Duration

	runtime  wazero.Runtime
	compiled wazero.CompiledModule

	// mu guards the instance; calls into a module are serialized.
	mu     sync.Mutex
	module api.Module
	bridge *bridge
}

// Open verifies and compiles a plugin module.
func Open(ctx context.Context, manifest *Manifest, wasm []byte, cfg Config, logger zerolog.Logger) (*Host, error) {
	if err := manifest.VerifyChecksum(wasm); err != nil {
		return nil, err
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}

	h := &Host{
		manifest: manifest,
		logger:   logger.With().Str("component", "plugin").Str("plugin", manifest.Key()).Logger(),
		timeout:  cfg.Timeout,
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	h.runtime = wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, h.runtime); err != nil {
		h.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	_, err := h.runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(h.hostLog).
		Export("log").
		Instantiate(ctx)
	if err != nil {
		h.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	h.compiled, err = h.runtime.CompileModule(ctx, wasm)
	if err != nil {
		h.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to compile WASM module: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.instantiate(ctx); err != nil {
		h.runtime.Close(ctx)
		return nil, err
	}
	return h, nil
}

// OpenFile loads a manifest file and its module.
func OpenFile(ctx context.Context, manifestPath string, cfg Config, logger zerolog.Logger) (*Host, error) {
	manifest, err := LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	wasm, err := os.ReadFile(manifest.WasmPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read WASM module: %w", err)
	}
	return Open(ctx, manifest, wasm, cfg, logger)
}

// LoadDir opens every *.yaml manifest in dir. Plugins already opened are closed
// when a later one fails.
func LoadDir(ctx context.Context, dir string, cfg Config, logger zerolog.Logger) ([]*Host, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to list plugins: %w", err)
	}

	hosts := make([]*Host, 0, len(paths))
	for _, path := range paths {
		h, err := OpenFile(ctx, path, cfg, logger)
		if err != nil {
			for _, opened := range hosts {
				_ = opened.Close(ctx)
			}
			return nil, fmt.Errorf("plugin %s: %w", filepath.Base(path), err)
		}
		hosts = append(hosts, h)
	}
	return hosts, nil
}

// instantiate creates a fresh module instance. Callers hold mu.
func (h *Host) instantiate(ctx context.Context) error {
	mod, err := h.runtime.InstantiateModule(ctx, h.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return fmt.Errorf("failed to instantiate WASM module: %w", err)
	}
	b, err := newBridge(mod)
	if err != nil {
		mod.Close(ctx)
		return fmt.Errorf("failed to create WASM bridge: %w", err)
	}
	h.module, h.bridge = mod, b
	return nil
}

func (h *Host) hostLog(_ context.Context, mod api.Module, level, ptr, length uint32) {
	msg, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return
	}
	lvl := zerolog.Level(int8(level))
	if lvl < zerolog.TraceLevel || lvl > zerolog.ErrorLevel {
		lvl = zerolog.InfoLevel
	}
	h.logger.WithLevel(lvl).Msg(string(msg))
}

// Manifest returns the plugin manifest.
func (h *Host) Manifest() *Manifest { return h.manifest }

// Provisioners returns one provisioner per kind declared in the manifest.
func (h *Host) Provisioners() []provision.Provisioner {
	out := make([]provision.Provisioner, 0, len(h.manifest.Kinds))
	for _, kind := range h.manifest.Kinds {
		out = append(out, &Provisioner{host: h, kind: kind})
	}
	return out
}

// invoke runs op with a fresh instance if the previous one was closed by a
// cancelled call.
func (h *Host) invoke(ctx context.Context, op provision.Operation, req Request) (*Response, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.bridge == nil {
		if err := h.instantiate(ctx); err != nil {
			return nil, err
		}
	}

	fn := h.bridge.provision
	if op == provision.OperationDeprovision {
		fn = h.bridge.deprovision
	}

	raw, err := h.bridge.call(ctx, fn, input)
	if err != nil {
		if ctx.Err() != nil {
			// WithCloseOnContextDone closed the instance.
			h.module.Close(context.Background())
			h.module, h.bridge = nil, nil
			return nil, transfer.NewTransientError("plugin call interrupted", errors.Join(ctx.Err(), err))
		}
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &resp, nil
}

// Close releases the module and runtime.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.module, h.bridge = nil, nil
	if err := h.runtime.Close(ctx); err != nil {
		return fmt.Errorf("failed to close WASM runtime: %w", err)
	}
	return nil
}

// Provisioner adapts one plugin kind to provision.Provisioner.
type Provisioner struct {
	host *Host
	kind string
}

func (p *Provisioner) Kind() string { return p.kind }

func (p *Provisioner) CanProvision(def transfer.ResourceDefinition) bool {
	return def.Kind == p.kind
}

func (p *Provisioner) CanDeprovision(res transfer.ProvisionedResource) bool {
	return res.Kind == p.kind
}

func (p *Provisioner) Provision(ctx context.Context, processID string, def transfer.ResourceDefinition) (*provision.ProvisionResponse, error) {
	resp, err := p.host.invoke(ctx, provision.OperationProvision, Request{
		Operation:  provision.OperationProvision,
		ProcessID:  processID,
		Definition: &def,
	})
	if err != nil {
		return nil, err
	}
	if err := responseError(resp, transfer.CodeProvisioningFailed); err != nil {
		return nil, err
	}
	return &provision.ProvisionResponse{Output: resp.Output, InProgress: resp.InProgress}, nil
}

func (p *Provisioner) Deprovision(ctx context.Context, processID string, res transfer.ProvisionedResource) (*provision.DeprovisionResponse, error) {
	resp, err := p.host.invoke(ctx, provision.OperationDeprovision, Request{
		Operation: provision.OperationDeprovision,
		ProcessID: processID,
		Resource:  &res,
	})
	if err != nil {
		return nil, err
	}
	if err := responseError(resp, transfer.CodeDeprovisioningFailed); err != nil {
		return nil, err
	}
	return &provision.DeprovisionResponse{InProgress: resp.InProgress}, nil
}

func responseError(resp *Response, code string) error {
	if resp.Error == "" {
		return nil
	}
	if resp.Retryable {
		return transfer.NewTransientError("plugin reported a retryable error", errors.New(resp.Error))
	}
	return transfer.NewPermanentError(code, resp.Error, nil)
}
