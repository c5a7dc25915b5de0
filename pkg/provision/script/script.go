// Package script implements resource definition generators written in Starlark.
//
// A script declares a generate function and optionally an applies function. Both
// receive the transfer request and, for provider scripts, the resolved source
// address (None for consumer scripts):
//
//	def applies(request, address):
//	    return request.destination.type == "S3"
//
//	def generate(request, address):
//	    return {"kind": "S3Bucket", "params": {"bucket": "tp-" + request.id}}
//
// generate returns a dict with a "kind" string and an optional "params" dict of
// strings, or None when there is nothing to provision.
package script

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/connector/pkg/policy"
	"github.com/openfroyo/connector/pkg/transfer"
)

const (
	// DefaultTimeout bounds a single call into a script.
	DefaultTimeout = 2 * time.Second

	// DefaultMaxSteps bounds the number of Starlark computation steps per call.
	DefaultMaxSteps = 1_000_000
)

// Script is a compiled generator script. Its globals are frozen, so calls from
// concurrent goroutines are safe.
type Script struct {
	name     string
	applies  starlark.Callable
	generate starlark.Callable
	timeout  time.Duration
	maxSteps uint64
}

// Option configures a Script.
type Option func(*Script)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Script) { s.timeout = d }
}

// WithMaxSteps overrides DefaultMaxSteps.
func WithMaxSteps(n uint64) Option {
	return func(s *Script) { s.maxSteps = n }
}

// Compile executes the script source once and resolves its entry points.
func Compile(name, src string, opts ...Option) (*Script, error) {
	s := &Script{name: name, timeout: DefaultTimeout, maxSteps: DefaultMaxSteps}
	for _, opt := range opts {
		opt(s)
	}

	thread := s.newThread()
	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
	globals, err := starlark.ExecFile(thread, name, src, predeclared)
	if err != nil {
		return nil, fmt.Errorf("failed to load script %s: %w", name, err)
	}

	gen, ok := globals["generate"].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("script %s does not define generate", name)
	}
	s.generate = gen
	if v, ok := globals["applies"]; ok {
		fn, ok := v.(starlark.Callable)
		if !ok {
			return nil, fmt.Errorf("script %s: applies is not callable", name)
		}
		s.applies = fn
	}
	return s, nil
}

// Load compiles a script file. The script name is the file name without extension.
func Load(path string, opts ...Option) (*Script, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Compile(name, string(src), opts...)
}

// Name returns the script name.
func (s *Script) Name() string { return s.name }

func (s *Script) newThread() *starlark.Thread {
	thread := &starlark.Thread{
		Name:  "generator:" + s.name,
		Print: func(*starlark.Thread, string) {},
	}
	thread.SetMaxExecutionSteps(s.maxSteps)
	return thread
}

func (s *Script) call(fn starlark.Callable, req *transfer.TransferRequest, addr *transfer.DataAddress, p *policy.Policy) (starlark.Value, error) {
	thread := s.newThread()
	timer := time.AfterFunc(s.timeout, func() {
		thread.Cancel(fmt.Sprintf("timeout after %v", s.timeout))
	})
	defer timer.Stop()

	args := starlark.Tuple{requestValue(req, p), addressValue(addr)}
	return starlark.Call(thread, fn, args, nil)
}

func (s *Script) canGenerate(req *transfer.TransferRequest, addr *transfer.DataAddress, p *policy.Policy) bool {
	if s.applies == nil {
		return true
	}
	v, err := s.call(s.applies, req, addr, p)
	if err != nil {
		return false
	}
	return bool(v.Truth())
}

func (s *Script) run(req *transfer.TransferRequest, addr *transfer.DataAddress, p *policy.Policy) (*transfer.ResourceDefinition, error) {
	v, err := s.call(s.generate, req, addr, p)
	if err != nil {
		return nil, fmt.Errorf("script %s failed: %w", s.name, err)
	}
	return toDefinition(v)
}

// ConsumerGenerator runs a script on the consumer side.
type ConsumerGenerator struct{ *Script }

func (ConsumerGenerator) Role() transfer.Role { return transfer.RoleConsumer }

func (g ConsumerGenerator) CanGenerate(req *transfer.TransferRequest, p *policy.Policy) bool {
	return g.canGenerate(req, nil, p)
}

func (g ConsumerGenerator) Generate(req *transfer.TransferRequest, p *policy.Policy) (*transfer.ResourceDefinition, error) {
	return g.run(req, nil, p)
}

// ProviderGenerator runs a script on the provider side.
type ProviderGenerator struct{ *Script }

func (ProviderGenerator) Role() transfer.Role { return transfer.RoleProvider }

func (g ProviderGenerator) CanGenerate(req *transfer.TransferRequest, addr transfer.DataAddress, p *policy.Policy) bool {
	return g.canGenerate(req, &addr, p)
}

func (g ProviderGenerator) Generate(req *transfer.TransferRequest, addr transfer.DataAddress, p *policy.Policy) (*transfer.ResourceDefinition, error) {
	return g.run(req, &addr, p)
}

func requestValue(req *transfer.TransferRequest, p *policy.Policy) starlark.Value {
	if req == nil {
		return starlark.None
	}
	policyUID := ""
	if p != nil {
		policyUID = p.UID
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"id":                    starlark.String(req.ID),
		"asset_id":              starlark.String(req.AssetID),
		"contract_id":           starlark.String(req.ContractID),
		"connector_id":          starlark.String(req.ConnectorID),
		"counter_party_address": starlark.String(req.CounterPartyAddress),
		"type":                  starlark.String(req.Type),
		"destination":           addressValue(&req.Destination),
		"properties":            stringDict(req.Properties),
		"policy_uid":            starlark.String(policyUID),
	})
}

func addressValue(addr *transfer.DataAddress) starlark.Value {
	if addr == nil {
		return starlark.None
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"type":       starlark.String(addr.Type),
		"properties": stringDict(addr.Properties),
	})
}

func stringDict(m map[string]string) *starlark.Dict {
	d := starlark.NewDict(len(m))
	for k, v := range m {
		_ = d.SetKey(starlark.String(k), starlark.String(v))
	}
	d.Freeze()
	return d
}

// toDefinition converts the value returned by generate.
func toDefinition(v starlark.Value) (*transfer.ResourceDefinition, error) {
	if v == starlark.None {
		return nil, nil
	}
	dict, ok := v.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("generate must return a dict or None, got %s", v.Type())
	}

	kindVal, found, err := dict.Get(starlark.String("kind"))
	if err != nil || !found {
		return nil, fmt.Errorf("generated definition has no kind")
	}
	kind, ok := starlark.AsString(kindVal)
	if !ok || kind == "" {
		return nil, fmt.Errorf("generated kind must be a non-empty string")
	}

	params := map[string]string{}
	if raw, found, _ := dict.Get(starlark.String("params")); found && raw != starlark.None {
		pd, ok := raw.(*starlark.Dict)
		if !ok {
			return nil, fmt.Errorf("params must be a dict, got %s", raw.Type())
		}
		for _, item := range pd.Items() {
			k, ok := starlark.AsString(item[0])
			if !ok {
				return nil, fmt.Errorf("param keys must be strings")
			}
			switch val := item[1].(type) {
			case starlark.String:
				params[k] = string(val)
			case starlark.Int, starlark.Bool, starlark.Float:
				params[k] = val.String()
			default:
				return nil, fmt.Errorf("param %s has unsupported type %s", k, val.Type())
			}
		}
	}

	def := transfer.NewResourceDefinition(kind, params)
	if raw, found, _ := dict.Get(starlark.String("id")); found {
		if id, ok := starlark.AsString(raw); ok && id != "" {
			def.ID = id
		}
	}
	return def, nil
}
