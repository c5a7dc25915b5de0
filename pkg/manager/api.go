package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/connector/pkg/provision"
	"github.com/openfroyo/connector/pkg/stores"
	"github.com/openfroyo/connector/pkg/telemetry"
	"github.com/openfroyo/connector/pkg/transfer"
)

// updateAttempts bounds how often an external update retries a busy lease.
const updateAttempts = 8

// InitiateConsumerRequest creates a consumer process for req. Repeating a
// request ID returns the process created the first time.
func (m *Manager) InitiateConsumerRequest(ctx context.Context, req transfer.TransferRequest) (*transfer.TransferProcess, error) {
	return m.initiate(ctx, transfer.RoleConsumer, req)
}

// InitiateProviderRequest creates a provider process for a request received
// from a consumer. Repeating a request ID returns the existing process.
func (m *Manager) InitiateProviderRequest(ctx context.Context, req transfer.TransferRequest) (*transfer.TransferProcess, error) {
	return m.initiate(ctx, transfer.RoleProvider, req)
}

func (m *Manager) initiate(ctx context.Context, role transfer.Role, req transfer.TransferRequest) (*transfer.TransferProcess, error) {
	if err := m.validate.Struct(req); err != nil {
		return nil, transfer.NewPermanentError(transfer.CodeValidation, "invalid transfer request", err)
	}

	existing, err := m.store.FindByRequestID(ctx, role, req.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, stores.ErrNotFound) {
		return nil, err
	}

	now := m.now()
	p := transfer.NewTransferProcess(role, req, now)
	err = m.store.Create(ctx, p, &stores.Event{
		Type:      stores.EventInitiated,
		ToState:   p.State,
		Message:   fmt.Sprintf("%s request %s for asset %s", role, req.ID, req.AssetID),
		Timestamp: now,
	})
	if errors.Is(err, stores.ErrConflict) {
		return m.store.FindByRequestID(ctx, role, req.ID)
	}
	if err != nil {
		return nil, err
	}

	m.metrics.RecordTransferInitiated(string(role))
	_ = m.events.Publish(telemetry.Event{
		Type:      telemetry.EventTypeProcessInitiated,
		Source:    "manager",
		ProcessID: p.ID,
		Role:      string(role),
		State:     string(p.State),
		Message:   fmt.Sprintf("Transfer %s initiated for asset %s", p.ID, req.AssetID),
		Level:     telemetry.EventLevelInfo,
		Data: map[string]interface{}{
			"request_id":  req.ID,
			"contract_id": req.ContractID,
			"type":        string(req.Type),
		},
	})
	m.logger.Info().
		Str("process_id", p.ID).
		Str("role", string(role)).
		Str("request_id", req.ID).
		Str("asset_id", req.AssetID).
		Msg("transfer process initiated")

	m.wakeUp()
	return p, nil
}

// Cancel asks for a process to be terminated. The request supersedes any
// scheduled retry and is acted on at the next claim. Cancelling a process that
// is final, completed or already tearing down changes nothing.
func (m *Manager) Cancel(ctx context.Context, id, reason string) (*transfer.TransferProcess, error) {
	p, err := m.store.RequestCancellation(ctx, id, reason, m.now())
	if err != nil {
		return nil, storeError(err, id)
	}
	if p.CancelRequested {
		_ = m.events.Publish(telemetry.Event{
			Type:      telemetry.EventTypeCancelRequested,
			Source:    "manager",
			ProcessID: p.ID,
			Role:      string(p.Role),
			State:     string(p.State),
			Message:   fmt.Sprintf("Cancellation requested for %s: %s", p.ID, reason),
			Level:     telemetry.EventLevelWarning,
		})
		m.wakeUp()
	}
	return p, nil
}

// RequestDeprovision asks a COMPLETED process to tear down its resources.
func (m *Manager) RequestDeprovision(ctx context.Context, id string) (*transfer.TransferProcess, error) {
	p, err := m.store.RequestDeprovision(ctx, id, m.now())
	if err != nil {
		return nil, storeError(err, id)
	}
	switch {
	case p.State == transfer.StateCompleted, p.State.IsTearingDown(), p.State == transfer.StateTerminated:
		m.wakeUp()
		return p, nil
	default:
		return p, transfer.NewPermanentError(transfer.CodeConflict,
			fmt.Sprintf("cannot deprovision a process in state %s", p.State), nil).WithProcess(id)
	}
}

// Complete reports that the data flow of a STARTED process finished.
// Completing an already completed process is a no-op.
func (m *Manager) Complete(ctx context.Context, id string) (*transfer.TransferProcess, error) {
	return m.update(ctx, id, func(p *transfer.TransferProcess, res *stepResult) (bool, error) {
		switch {
		case p.State == transfer.StateStarted:
			return true, m.complete(p, res)
		case p.State.Rank() >= transfer.StateCompleted.Rank():
			return false, nil
		default:
			return false, transfer.NewPermanentError(transfer.CodeConflict,
				fmt.Sprintf("process is %s, not %s", p.State, transfer.StateStarted), nil).WithProcess(id)
		}
	})
}

// Fail reports that the data flow failed. The process is terminated, tearing
// down any resources it holds.
func (m *Manager) Fail(ctx context.Context, id, reason string) (*transfer.TransferProcess, error) {
	return m.update(ctx, id, func(p *transfer.TransferProcess, res *stepResult) (bool, error) {
		if !p.Cancellable() {
			return false, nil
		}
		return true, m.terminate(p, res, transfer.NewPermanentError(transfer.CodeDataFlowFailed, reason, nil).WithProcess(id))
	})
}

// Submit delivers an outcome a provisioner reports after answering InProgress.
func (m *Manager) Submit(ctx context.Context, r provision.Result) error {
	return m.provisioning.Submit(ctx, r)
}

// Get returns a process by ID.
func (m *Manager) Get(ctx context.Context, id string) (*transfer.TransferProcess, error) {
	p, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, storeError(err, id)
	}
	return p, nil
}

// List returns processes matching filter.
func (m *Manager) List(ctx context.Context, filter stores.ListFilter) ([]*transfer.TransferProcess, error) {
	return m.store.List(ctx, filter)
}

// Events returns up to limit history entries of a process, oldest first.
func (m *Manager) Events(ctx context.Context, id string, limit int) ([]*stores.Event, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.store.ListEvents(ctx, id, limit)
}

// update applies fn to a process under a lease, retrying while the lease is
// held elsewhere.
func (m *Manager) update(ctx context.Context, id string, fn func(*transfer.TransferProcess, *stepResult) (bool, error)) (*transfer.TransferProcess, error) {
	var lastErr error
	for attempt := 1; attempt <= updateAttempts; attempt++ {
		p, err := m.store.Acquire(ctx, id, m.cfg.WorkerID, m.now(), m.cfg.LeaseDuration)
		if err == nil {
			res := &stepResult{}
			changed, fnErr := fn(p, res)
			if fnErr != nil || !changed {
				m.release(ctx, p)
				return p, fnErr
			}
			if err = m.commit(ctx, p, res); err == nil {
				m.wakeUp()
				return p, nil
			}
			if errors.Is(err, stores.ErrConflict) {
				m.release(ctx, p)
			}
		}
		if !errors.Is(err, stores.ErrConflict) {
			return nil, storeError(err, id)
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.requeueDelay(attempt)):
		}
	}
	conflict := transfer.NewTransientError("transfer process is busy", lastErr).WithProcess(id)
	conflict.Code = transfer.CodeConflict
	return nil, conflict
}

func storeError(err error, id string) error {
	if errors.Is(err, stores.ErrNotFound) {
		return transfer.NewPermanentError(transfer.CodeNotFound, "transfer process not found", err).WithProcess(id)
	}
	return err
}
