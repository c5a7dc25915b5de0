// Package dataplane provides in-process stand-ins for the counterpart
// connector and the data plane. LoopbackDispatcher hands consumer requests to
// the provider side of the same connector; LocalController tracks data flows
// without moving any data.
package dataplane

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/connector/pkg/manager"
	"github.com/openfroyo/connector/pkg/transfer"
)

// ProviderInitiator accepts transfer requests on the provider side.
type ProviderInitiator interface {
	InitiateProviderRequest(ctx context.Context, req transfer.TransferRequest) (*transfer.TransferProcess, error)
}

// LoopbackDispatcher delivers consumer requests to a provider initiator in the
// same process. Provider processes have nothing to send.
type LoopbackDispatcher struct {
	target ProviderInitiator
	logger zerolog.Logger
}

var _ manager.RequestDispatcher = (*LoopbackDispatcher)(nil)

// NewLoopbackDispatcher creates a dispatcher delivering to target.
func NewLoopbackDispatcher(target ProviderInitiator, logger zerolog.Logger) *LoopbackDispatcher {
	return &LoopbackDispatcher{
		target: target,
		logger: logger.With().Str("component", "loopback").Logger(),
	}
}

// SetTarget attaches the provider side. It must be called before the
// consumer manager starts.
func (d *LoopbackDispatcher) SetTarget(target ProviderInitiator) {
	d.target = target
}

// Dispatch is safe to repeat: provider initiation is idempotent on request ID.
func (d *LoopbackDispatcher) Dispatch(ctx context.Context, p *transfer.TransferProcess) error {
	if p.Role != transfer.RoleConsumer {
		return nil
	}
	if d.target == nil {
		return transfer.NewTransientError("no provider attached to loopback", nil).WithProcess(p.ID)
	}
	remote, err := d.target.InitiateProviderRequest(ctx, p.Request)
	if err != nil {
		return fmt.Errorf("provider rejected request %s: %w", p.Request.ID, err)
	}
	d.logger.Debug().
		Str("process_id", p.ID).
		Str("provider_process_id", remote.ID).
		Msg("request delivered")
	return nil
}

// Flow is a data flow known to the controller.
type Flow struct {
	ProcessID   string
	Role        transfer.Role
	Type        transfer.TransferType
	Destination transfer.DataAddress
	StartedAt   time.Time
}

// LocalController starts data flows locally. Pull transfers are complete once
// started, since the consumer fetches data with the credentials it was given.
// Push transfers stay open until the manager is told they completed.
type LocalController struct {
	now    func() time.Time
	logger zerolog.Logger

	mu    sync.Mutex
	flows map[string]Flow
}

var _ manager.DataFlowController = (*LocalController)(nil)

// NewLocalController creates a controller.
func NewLocalController(logger zerolog.Logger) *LocalController {
	return &LocalController{
		now:    time.Now,
		logger: logger.With().Str("component", "dataflow").Logger(),
		flows:  make(map[string]Flow),
	}
}

// Start registers the flow of p. Starting the same process again is a no-op.
func (c *LocalController) Start(_ context.Context, p *transfer.TransferProcess) (manager.DataFlowStatus, error) {
	if p.Request.Type != transfer.TransferTypePull && p.Request.Type != transfer.TransferTypePush {
		return "", transfer.NewPermanentError(transfer.CodeDataFlowFailed,
			fmt.Sprintf("unsupported transfer type %q", p.Request.Type), nil).WithProcess(p.ID)
	}

	c.mu.Lock()
	if _, ok := c.flows[p.ID]; !ok {
		c.flows[p.ID] = Flow{
			ProcessID:   p.ID,
			Role:        p.Role,
			Type:        p.Request.Type,
			Destination: p.Request.Destination,
			StartedAt:   c.now(),
		}
	}
	c.mu.Unlock()

	c.logger.Info().
		Str("process_id", p.ID).
		Str("type", string(p.Request.Type)).
		Str("destination", p.Request.Destination.Type).
		Int("resources", len(p.LiveResources())).
		Msg("data flow started")

	if p.Request.Type == transfer.TransferTypePull {
		return manager.DataFlowCompleted, nil
	}
	return manager.DataFlowStarted, nil
}

// Stop forgets a flow. It reports whether the flow was known.
func (c *LocalController) Stop(processID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.flows[processID]
	delete(c.flows, processID)
	return ok
}

// Flows lists known flows ordered by start time.
func (c *LocalController) Flows() []Flow {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Flow, 0, len(c.flows))
	for _, f := range c.flows {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
