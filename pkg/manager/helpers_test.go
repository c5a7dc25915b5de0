package manager

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/connector/pkg/policy"
	"github.com/openfroyo/connector/pkg/provision"
	"github.com/openfroyo/connector/pkg/stores"
	"github.com/openfroyo/connector/pkg/transfer"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeEvaluator struct {
	mu       sync.Mutex
	allowed  bool
	failures []string
	err      error
	scopes   []string
}

func (e *fakeEvaluator) Evaluate(_ context.Context, scope string, _ *policy.Policy, _ policy.EvaluationContext) (*policy.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scopes = append(e.scopes, scope)
	if e.err != nil {
		return nil, e.err
	}
	result := &policy.Result{Allowed: e.allowed, Scope: scope}
	for _, f := range e.failures {
		result.Violations = append(result.Violations, policy.Violation{Message: f, Severity: policy.SeverityError})
	}
	return result, nil
}

func (e *fakeEvaluator) Scopes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.scopes...)
}

type fakeRequests struct {
	mu    sync.Mutex
	calls int
	errs  []error
}

func (r *fakeRequests) Dispatch(context.Context, *transfer.TransferProcess) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if len(r.errs) == 0 {
		return nil
	}
	err := r.errs[0]
	r.errs = r.errs[1:]
	return err
}

type fakeDataFlow struct {
	mu     sync.Mutex
	status DataFlowStatus
	err    error
	calls  int
}

func (f *fakeDataFlow) Start(context.Context, *transfer.TransferProcess) (DataFlowStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.status, nil
}

type fakeCatalog struct {
	agreements map[string]*Agreement
	addresses  map[string]transfer.DataAddress
	resolved   int
}

func (c *fakeCatalog) FindAgreement(_ context.Context, contractID string) (*Agreement, error) {
	a, ok := c.agreements[contractID]
	if !ok {
		return nil, transfer.NewPermanentError(transfer.CodeNotFound, "no agreement "+contractID, nil)
	}
	return a, nil
}

func (c *fakeCatalog) Resolve(_ context.Context, assetID string) (transfer.DataAddress, error) {
	c.resolved++
	addr, ok := c.addresses[assetID]
	if !ok {
		return transfer.DataAddress{}, transfer.NewPermanentError(transfer.CodeNotFound, "no asset "+assetID, nil)
	}
	return addr, nil
}

type consumerGen struct{ kind string }

func (g consumerGen) Role() transfer.Role { return transfer.RoleConsumer }

func (g consumerGen) CanGenerate(*transfer.TransferRequest, *policy.Policy) bool { return true }

func (g consumerGen) Generate(req *transfer.TransferRequest, _ *policy.Policy) (*transfer.ResourceDefinition, error) {
	return transfer.NewResourceDefinition(g.kind, map[string]string{"asset": req.AssetID}), nil
}

type providerGen struct{ kind string }

func (g providerGen) Role() transfer.Role { return transfer.RoleProvider }

func (g providerGen) CanGenerate(_ *transfer.TransferRequest, addr transfer.DataAddress, _ *policy.Policy) bool {
	return addr.Type == transfer.AddressTypeHTTPData
}

func (g providerGen) Generate(req *transfer.TransferRequest, addr transfer.DataAddress, _ *policy.Policy) (*transfer.ResourceDefinition, error) {
	return transfer.NewResourceDefinition(g.kind, map[string]string{"source": addr.Property(transfer.PropertyBaseURL)}), nil
}

// fakeProvisioner records calls. provision and deprovision override the default success.
type fakeProvisioner struct {
	kind        string
	provision   func(ctx context.Context, def transfer.ResourceDefinition) (*provision.ProvisionResponse, error)
	deprovision func(ctx context.Context, res transfer.ProvisionedResource) (*provision.DeprovisionResponse, error)

	mu            sync.Mutex
	provisioned   []string
	deprovisioned []string
}

func (f *fakeProvisioner) Kind() string { return f.kind }

func (f *fakeProvisioner) CanProvision(def transfer.ResourceDefinition) bool { return def.Kind == f.kind }

func (f *fakeProvisioner) CanDeprovision(res transfer.ProvisionedResource) bool { return res.Kind == f.kind }

func (f *fakeProvisioner) Provision(ctx context.Context, _ string, def transfer.ResourceDefinition) (*provision.ProvisionResponse, error) {
	f.mu.Lock()
	f.provisioned = append(f.provisioned, def.ID)
	f.mu.Unlock()
	if f.provision != nil {
		return f.provision(ctx, def)
	}
	return &provision.ProvisionResponse{Output: map[string]string{"handle": f.kind + "-" + def.ID}}, nil
}

func (f *fakeProvisioner) Deprovision(ctx context.Context, _ string, res transfer.ProvisionedResource) (*provision.DeprovisionResponse, error) {
	f.mu.Lock()
	f.deprovisioned = append(f.deprovisioned, res.ID)
	f.mu.Unlock()
	if f.deprovision != nil {
		return f.deprovision(ctx, res)
	}
	return &provision.DeprovisionResponse{}, nil
}

func (f *fakeProvisioner) Provisioned() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.provisioned...)
}

func (f *fakeProvisioner) Deprovisioned() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deprovisioned...)
}

// harness drives a Manager step by step against a real SQLite store and a real
// provisioning dispatcher, without starting its background loops.
type harness struct {
	t          *testing.T
	ctx        context.Context
	clock      *fakeClock
	store      *stores.SQLiteStore
	dispatcher *provision.Dispatcher
	generator  *provision.ManifestGenerator
	evaluator  *fakeEvaluator
	requests   *fakeRequests
	dataFlow   *fakeDataFlow
	catalog    *fakeCatalog
	mgr        *Manager
}

func newHarness(t *testing.T, configure ...func(*Config)) *harness {
	t.Helper()
	ctx := context.Background()
	logger := zerolog.Nop()

	store, err := stores.Open(ctx, stores.Config{Path: filepath.Join(t.TempDir(), "connector.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		t:          t,
		ctx:        ctx,
		clock:      &fakeClock{now: epoch},
		store:      store,
		dispatcher: provision.NewDispatcher(5*time.Second, 64, logger),
		evaluator:  &fakeEvaluator{allowed: true},
		requests:   &fakeRequests{},
		dataFlow:   &fakeDataFlow{status: DataFlowStarted},
		catalog: &fakeCatalog{
			agreements: map[string]*Agreement{
				"contract-1": {
					ContractID: "contract-1",
					AssetID:    "asset-1",
					ConsumerID: "urn:consumer",
					ProviderID: "urn:provider",
					SignedAt:   epoch.Add(-time.Hour),
					Policy:     &policy.Policy{UID: "policy-1"},
				},
			},
			addresses: map[string]transfer.DataAddress{
				"asset-1": {
					Type:       transfer.AddressTypeHTTPData,
					Properties: map[string]string{transfer.PropertyBaseURL: "https://data.example.com/asset-1"},
				},
			},
		},
	}
	h.generator = provision.NewManifestGenerator(nil, h.evaluator, logger)

	cfg := Config{
		WorkerID:         "worker-test",
		MaxRetries:       2,
		BaseBackoff:      time.Second,
		MaxBackoff:       10 * time.Second,
		ProvisionTimeout: time.Minute,
		LeaseDuration:    30 * time.Second,
		Now:              h.clock.Now,
	}
	for _, fn := range configure {
		fn(&cfg)
	}

	h.mgr, err = New(cfg, Dependencies{
		Store:        store,
		Generator:    h.generator,
		Provisioning: h.dispatcher,
		Requests:     h.requests,
		DataFlow:     h.dataFlow,
		Policies:     h.catalog,
		Addresses:    h.catalog,
		Evaluator:    h.evaluator,
		Logger:       logger,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) register(gens ...provision.ResourceDefinitionGenerator) {
	for _, g := range gens {
		require.NoError(h.t, h.generator.RegisterGenerator(g))
	}
}

func (h *harness) provisioner(kind string) *fakeProvisioner {
	p := &fakeProvisioner{kind: kind}
	require.NoError(h.t, h.dispatcher.Register(p))
	return p
}

func (h *harness) consumerRequest(id string) transfer.TransferRequest {
	return transfer.TransferRequest{
		ID:          id,
		AssetID:     "asset-1",
		ContractID:  "contract-1",
		ConnectorID: "urn:provider",
		Type:        transfer.TransferTypePull,
		Destination: transfer.DataAddress{Type: transfer.AddressTypeHTTPProxy},
	}
}

func (h *harness) initiate(role transfer.Role, id string) *transfer.TransferProcess {
	h.t.Helper()
	var (
		p   *transfer.TransferProcess
		err error
	)
	if role == transfer.RoleProvider {
		p, err = h.mgr.InitiateProviderRequest(h.ctx, h.consumerRequest(id))
	} else {
		p, err = h.mgr.InitiateConsumerRequest(h.ctx, h.consumerRequest(id))
	}
	require.NoError(h.t, err)
	return p
}

// tick claims every eligible process and advances it once.
func (h *harness) tick() int {
	h.t.Helper()
	batch, err := h.store.ClaimBatch(h.ctx, h.mgr.WorkerID(), h.clock.Now(), h.mgr.cfg.LeaseDuration, 100)
	require.NoError(h.t, err)
	for _, p := range batch {
		h.mgr.advance(h.ctx, p)
	}
	return len(batch)
}

// drain applies provisioner results until none arrives within wait.
func (h *harness) drain(wait time.Duration) int {
	h.t.Helper()
	applied := 0
	for {
		select {
		case r := <-h.dispatcher.Results():
			require.NoError(h.t, h.mgr.applyResult(h.ctx, r))
			applied++
		case <-time.After(wait):
			return applied
		}
	}
}

// settle alternates ticks and result draining until nothing moves.
func (h *harness) settle() {
	h.t.Helper()
	for i := 0; i < 50; i++ {
		if h.tick() == 0 && h.drain(50*time.Millisecond) == 0 {
			return
		}
	}
	h.t.Fatal("processes did not settle")
}

func (h *harness) get(id string) *transfer.TransferProcess {
	h.t.Helper()
	p, err := h.mgr.Get(h.ctx, id)
	require.NoError(h.t, err)
	return p
}

// stateOf is safe to call from polling goroutines.
func (h *harness) stateOf(id string) transfer.State {
	p, err := h.mgr.Get(h.ctx, id)
	if err != nil {
		return ""
	}
	return p.State
}

// path lists the states a process moved through, in order.
func (h *harness) path(id string) []transfer.State {
	h.t.Helper()
	events, err := h.mgr.Events(h.ctx, id, 0)
	require.NoError(h.t, err)
	path := []transfer.State{transfer.StateInitial}
	for _, e := range events {
		if e.Type == stores.EventTransition {
			path = append(path, e.ToState)
		}
	}
	return path
}

func resourceOf(p *transfer.TransferProcess, kind string) transfer.ProvisionedResource {
	for _, r := range p.Resources {
		if r.Kind == kind {
			return r
		}
	}
	panic(fmt.Sprintf("no %s resource", kind))
}
