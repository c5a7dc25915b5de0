package provision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/connector/pkg/telemetry"
	"github.com/openfroyo/connector/pkg/transfer"
)

// DefaultCallTimeout bounds a single provisioner call.
const DefaultCallTimeout = 30 * time.Second

// Dispatcher routes definitions to provisioners by kind. Each call runs on its
// own goroutine and its outcome is delivered on Results.
type Dispatcher struct {
	mu           sync.RWMutex
	provisioners map[string][]Provisioner

	results chan Result
	timeout time.Duration
	logger  zerolog.Logger
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher whose result channel holds queueSize results.
func NewDispatcher(timeout time.Duration, queueSize int, logger zerolog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Dispatcher{
		provisioners: make(map[string][]Provisioner),
		results:      make(chan Result, queueSize),
		timeout:      timeout,
		logger:       logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Register adds a provisioner for its kind. Provisioners of the same kind are
// consulted in registration order.
func (d *Dispatcher) Register(p Provisioner) error {
	if p == nil || p.Kind() == "" {
		return fmt.Errorf("provisioner must declare a kind")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.provisioners[p.Kind()] = append(d.provisioners[p.Kind()], p)
	return nil
}

// Kinds returns the registered kinds.
func (d *Dispatcher) Kinds() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	kinds := make([]string, 0, len(d.provisioners))
	for k := range d.provisioners {
		kinds = append(kinds, k)
	}
	return kinds
}

// Results returns the channel on which call outcomes are delivered.
func (d *Dispatcher) Results() <-chan Result {
	return d.results
}

// Pending returns the number of results waiting to be consumed.
func (d *Dispatcher) Pending() int {
	return len(d.results)
}

// Provision issues one provision call per definition. ctx bounds delivery: when
// it is done, outcomes still in flight are dropped and recovered by the
// manager's provision timeout.
func (d *Dispatcher) Provision(ctx context.Context, processID string, defs []transfer.ResourceDefinition) {
	for _, def := range defs {
		d.wg.Add(1)
		go func(def transfer.ResourceDefinition) {
			defer d.wg.Done()
			d.emit(ctx, d.provision(ctx, processID, def))
		}(def)
	}
}

// Deprovision issues one deprovision call per resource.
func (d *Dispatcher) Deprovision(ctx context.Context, processID string, resources []transfer.ProvisionedResource) {
	for _, res := range resources {
		d.wg.Add(1)
		go func(res transfer.ProvisionedResource) {
			defer d.wg.Done()
			d.emit(ctx, d.deprovision(ctx, processID, res))
		}(res)
	}
}

// Submit delivers an outcome reported asynchronously by a provisioner.
func (d *Dispatcher) Submit(ctx context.Context, r Result) error {
	if r.ProcessID == "" {
		return fmt.Errorf("result has no process id")
	}
	if r.InProgress {
		return fmt.Errorf("submitted result must carry an outcome")
	}
	select {
	case d.results <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until all calls issued so far have returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) provision(ctx context.Context, processID string, def transfer.ResourceDefinition) Result {
	result := Result{
		ProcessID:    processID,
		Operation:    OperationProvision,
		DefinitionID: def.ID,
		Kind:         def.Kind,
	}

	p := d.lookup(def.Kind, func(p Provisioner) bool { return p.CanProvision(def) })
	if p == nil {
		result.Err = transfer.NewProvisioningFailedError(
			fmt.Sprintf("no provisioner for kind %s", def.Kind), nil).
			WithProcess(processID).WithOperation(string(OperationProvision))
		return result
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var resp *ProvisionResponse
	err := telemetry.RecordProvisionerOperation(callCtx, processID, def.Kind, string(OperationProvision),
		func(ctx context.Context) error {
			var err error
			resp, err = p.Provision(ctx, processID, def)
			return err
		})
	if err != nil {
		result.Err = transfer.Classify(err, transfer.CodeProvisioningFailed).
			WithProcess(processID).WithOperation(string(OperationProvision))
		return result
	}
	if resp != nil {
		result.Output = resp.Output
		result.InProgress = resp.InProgress
	}
	return result
}

func (d *Dispatcher) deprovision(ctx context.Context, processID string, res transfer.ProvisionedResource) Result {
	result := Result{
		ProcessID:    processID,
		Operation:    OperationDeprovision,
		DefinitionID: res.DefinitionID,
		ResourceID:   res.ID,
		Kind:         res.Kind,
	}

	p := d.lookup(res.Kind, func(p Provisioner) bool { return p.CanDeprovision(res) })
	if p == nil {
		result.Err = transfer.NewPermanentError(transfer.CodeDeprovisioningFailed,
			fmt.Sprintf("no provisioner for kind %s", res.Kind), nil).
			WithProcess(processID).WithOperation(string(OperationDeprovision))
		return result
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var resp *DeprovisionResponse
	err := telemetry.RecordProvisionerOperation(callCtx, processID, res.Kind, string(OperationDeprovision),
		func(ctx context.Context) error {
			var err error
			resp, err = p.Deprovision(ctx, processID, res)
			return err
		})
	if err != nil {
		result.Err = transfer.Classify(err, transfer.CodeDeprovisioningFailed).
			WithProcess(processID).WithOperation(string(OperationDeprovision))
		return result
	}
	if resp != nil {
		result.InProgress = resp.InProgress
	}
	return result
}

func (d *Dispatcher) lookup(kind string, accept func(Provisioner) bool) Provisioner {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, p := range d.provisioners[kind] {
		if accept(p) {
			return p
		}
	}
	return nil
}

func (d *Dispatcher) emit(ctx context.Context, r Result) {
	select {
	case d.results <- r:
	case <-ctx.Done():
		d.logger.Warn().
			Str("process_id", r.ProcessID).
			Str("definition_id", r.DefinitionID).
			Str("operation", string(r.Operation)).
			Msg("dropping provisioner result on shutdown")
	}
}
