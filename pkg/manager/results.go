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

// applyResult records a provisioner outcome under a lease and advances the
// process if the outcome unblocks it. A stores.ErrConflict means the process
// is leased elsewhere and the result should be applied again later.
func (m *Manager) applyResult(ctx context.Context, r provision.Result) error {
	if r.InProgress {
		m.logger.Debug().
			Str("process_id", r.ProcessID).
			Str("definition_id", r.DefinitionID).
			Str("operation", string(r.Operation)).
			Msg("provisioner accepted call, outcome follows")
		return nil
	}

	p, err := m.store.Acquire(ctx, r.ProcessID, m.cfg.WorkerID, m.now(), m.cfg.LeaseDuration)
	if errors.Is(err, stores.ErrNotFound) {
		m.logger.Warn().Str("process_id", r.ProcessID).Msg("dropping result for unknown transfer process")
		return nil
	}
	if err != nil {
		return err
	}

	ctx, end := telemetry.WithProcessContext(ctx, p.ID, string(p.Role), string(p.State))
	res := &stepResult{}
	var changed bool
	switch r.Operation {
	case provision.OperationProvision:
		changed, err = m.applyProvision(ctx, p, r, res)
	case provision.OperationDeprovision:
		changed, err = m.applyDeprovision(p, r, res)
	default:
		err = fmt.Errorf("unknown operation %q", r.Operation)
	}
	if err != nil || !changed {
		m.release(ctx, p)
		end(err)
		return err
	}

	err = m.commit(ctx, p, res)
	end(err)
	switch {
	case err == nil:
		m.wakeUp()
	case errors.Is(err, stores.ErrConflict):
		m.release(ctx, p)
	}
	return err
}

func (m *Manager) applyProvision(ctx context.Context, p *transfer.TransferProcess, r provision.Result, res *stepResult) (bool, error) {
	resource := p.Resource(r.DefinitionID)
	if resource == nil {
		m.logger.Warn().
			Str("process_id", p.ID).
			Str("definition_id", r.DefinitionID).
			Msg("dropping provision result for a definition the process never dispatched")
		return false, nil
	}
	now := m.now()

	if resource.Outcome != transfer.OutcomePending {
		if resource.Outcome == transfer.OutcomeFailed && r.Err == nil {
			if err := p.ApplyProvisionResult(r.DefinitionID, transfer.OutcomeSucceeded, r.Output, "", now); err != nil {
				return false, err
			}
			m.recordResult(p, r, res)
			return true, m.compensate(p, resource.ID, res)
		}
		m.logger.Debug().
			Str("process_id", p.ID).
			Str("definition_id", r.DefinitionID).
			Msg("ignoring duplicate provision result")
		return false, nil
	}

	switch {
	case r.Err == nil:
		if err := p.ApplyProvisionResult(r.DefinitionID, transfer.OutcomeSucceeded, r.Output, "", now); err != nil {
			return false, err
		}
	case transfer.IsTransient(r.Err) && p.State == transfer.StateProvisioning && p.StateCount <= m.cfg.MaxRetries:
		resource.DispatchedAt = time.Time{}
		resource.Error = r.Err.Error()
		m.recordResult(p, r, res)
		m.retry(p, res, r.Err)
		return true, nil
	default:
		if err := p.ApplyProvisionResult(r.DefinitionID, transfer.OutcomeFailed, nil, r.Err.Error(), now); err != nil {
			return false, err
		}
		m.metrics.RecordError(string(transfer.Classify(r.Err, transfer.CodeProvisioningFailed).Class), transfer.CodeOf(r.Err))
	}
	m.recordResult(p, r, res)

	if p.State == transfer.StateProvisioning || p.State == transfer.StateDeprovisioning {
		return true, m.step(ctx, p, res)
	}
	return true, nil
}

func (m *Manager) applyDeprovision(p *transfer.TransferProcess, r provision.Result, res *stepResult) (bool, error) {
	resource := p.ResourceByID(r.ResourceID)
	if resource == nil || resource.Outcome != transfer.OutcomeSucceeded || resource.Deprovision != transfer.OutcomePending {
		m.logger.Debug().
			Str("process_id", p.ID).
			Str("resource_id", r.ResourceID).
			Msg("ignoring deprovision result")
		return false, nil
	}

	switch {
	case r.Err == nil:
		if err := p.ApplyDeprovisionResult(r.ResourceID, transfer.OutcomeSucceeded, ""); err != nil {
			return false, err
		}
	case transfer.IsTransient(r.Err) && p.State == transfer.StateDeprovisioning && p.StateCount <= m.cfg.MaxRetries:
		if err := p.ApplyDeprovisionResult(r.ResourceID, transfer.OutcomeNone, r.Err.Error()); err != nil {
			return false, err
		}
		m.recordResult(p, r, res)
		m.retry(p, res, r.Err)
		return true, nil
	default:
		if err := p.ApplyDeprovisionResult(r.ResourceID, transfer.OutcomeFailed, r.Err.Error()); err != nil {
			return false, err
		}
		if !p.Failed() {
			p.RecordError(transfer.CodeDeprovisioningFailed,
				fmt.Sprintf("deprovisioning %s resource %s failed: %v", resource.Kind, resource.ID, r.Err))
		}
		m.metrics.RecordError(string(transfer.Classify(r.Err, transfer.CodeDeprovisioningFailed).Class), transfer.CodeDeprovisioningFailed)
	}
	m.recordResult(p, r, res)

	if p.State == transfer.StateDeprovisioning {
		return true, m.stepDeprovisioning(p, res)
	}
	return true, nil
}

// compensate tears down a resource whose provisioning succeeded after the
// process had given up on it.
func (m *Manager) compensate(p *transfer.TransferProcess, resourceID string, res *stepResult) error {
	if p.State == transfer.StateDeprovisioning {
		return m.stepDeprovisioning(p, res)
	}
	if !p.IsFinal() && p.State != transfer.StateDeprovisioned {
		return nil
	}

	if err := p.MarkDeprovisionDispatched(resourceID, m.now()); err != nil {
		return err
	}
	resource := *p.ResourceByID(resourceID)
	res.record(&stores.Event{
		Type:      stores.EventCompensation,
		FromState: p.State,
		ToState:   p.State,
		Message:   fmt.Sprintf("late %s resource %s is being torn down", resource.Kind, resource.ID),
		Timestamp: m.now(),
	})
	m.logger.Warn().
		Str("process_id", p.ID).
		Str("resource_id", resource.ID).
		Str("kind", resource.Kind).
		Msg("compensating late provisioning success")

	id := p.ID
	res.after(func(ctx context.Context) {
		m.provisioning.Deprovision(ctx, id, []transfer.ProvisionedResource{resource})
	})
	return nil
}

func (m *Manager) recordResult(p *transfer.TransferProcess, r provision.Result, res *stepResult) {
	resourceID := r.ResourceID
	if resourceID == "" {
		if resource := p.Resource(r.DefinitionID); resource != nil {
			resourceID = resource.ID
		}
	}
	var message string
	if r.Err != nil {
		message = r.Err.Error()
	}
	res.record(&stores.Event{
		Type:      stores.EventResourceResult,
		FromState: p.State,
		ToState:   p.State,
		Message:   message,
		Details: details(map[string]interface{}{
			"operation":     r.Operation,
			"definition_id": r.DefinitionID,
			"resource_id":   resourceID,
			"kind":          r.Kind,
			"outcome":       r.Outcome(),
		}),
		Timestamp: m.now(),
	})

	id := p.ID
	res.after(func(context.Context) {
		_ = m.events.PublishResourceResult(id, resourceID, r.Kind, string(r.Operation), r.Err)
	})
}
