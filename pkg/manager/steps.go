package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/connector/pkg/policy"
	"github.com/openfroyo/connector/pkg/stores"
	"github.com/openfroyo/connector/pkg/telemetry"
	"github.com/openfroyo/connector/pkg/transfer"
)

// stepResult collects what a step changed. Events are written together with the
// process; effects run only after that write commits.
type stepResult struct {
	events      []*stores.Event
	transitions []stateChange
	effects     []func(ctx context.Context)
}

type stateChange struct {
	from, to transfer.State
}

func (r *stepResult) record(e *stores.Event) {
	r.events = append(r.events, e)
}

func (r *stepResult) after(fx func(ctx context.Context)) {
	r.effects = append(r.effects, fx)
}

// step advances p by one state-machine step.
func (m *Manager) step(ctx context.Context, p *transfer.TransferProcess, res *stepResult) error {
	if p.CancelRequested && p.Cancellable() {
		reason := p.CancelReason
		if reason == "" {
			reason = "cancelled"
		}
		return m.terminate(p, res, transfer.NewPermanentError(transfer.CodeCancelled, reason, nil))
	}

	switch p.State {
	case transfer.StateInitial:
		return m.moveTo(p, res, transfer.StateRequesting, "")
	case transfer.StateRequesting:
		return m.stepRequesting(ctx, p, res)
	case transfer.StateRequested:
		return m.moveTo(p, res, transfer.StateProvisioning, "")
	case transfer.StateProvisioning:
		return m.stepProvisioning(ctx, p, res)
	case transfer.StateProvisioned:
		return m.stepProvisioned(ctx, p, res)
	case transfer.StateCompleted:
		if p.DeprovisionRequested {
			if err := m.moveTo(p, res, transfer.StateDeprovisioning, "deprovision requested"); err != nil {
				return err
			}
			return m.stepDeprovisioning(p, res)
		}
	case transfer.StateDeprovisioning:
		return m.stepDeprovisioning(p, res)
	case transfer.StateDeprovisioned:
		if p.Failed() {
			return m.moveTo(p, res, transfer.StateTerminated, p.ErrorDetail)
		}
	}
	return nil
}

func (m *Manager) stepRequesting(ctx context.Context, p *transfer.TransferProcess, res *stepResult) error {
	if err := m.requests.Dispatch(ctx, p); err != nil {
		return m.fail(p, res, transfer.Classify(err, transfer.CodeRequestFailed).WithOperation("dispatch-request"))
	}
	return m.moveTo(p, res, transfer.StateRequested, "")
}

func (m *Manager) stepProvisioning(ctx context.Context, p *transfer.TransferProcess, res *stepResult) error {
	now := m.now()

	if p.Manifest == nil {
		manifest, err := m.generateManifest(ctx, p)
		if err != nil {
			return m.fail(p, res, err)
		}
		p.Manifest = manifest
		res.record(&stores.Event{
			Type:      stores.EventManifest,
			FromState: p.State,
			ToState:   p.State,
			Message:   fmt.Sprintf("%d resource definitions", len(manifest.Definitions)),
			Details:   details(map[string]interface{}{"definitions": manifest.Definitions}),
			Timestamp: now,
		})
		role, count := string(p.Role), len(manifest.Definitions)
		res.after(func(context.Context) { m.metrics.RecordManifest(role, count) })

		if manifest.Empty() {
			return m.moveTo(p, res, transfer.StateProvisioned, "no resources to provision")
		}
	}

	if failed := failedResource(p); failed != nil {
		cause := errors.New(failed.Error)
		return m.terminate(p, res, transfer.NewProvisioningFailedError(
			fmt.Sprintf("provisioning %s resource %s failed", failed.Kind, failed.DefinitionID), cause).
			WithProcess(p.ID))
	}
	if p.AllProvisioned() {
		return m.moveTo(p, res, transfer.StateProvisioned, "")
	}

	if lost := m.lostProvisions(p, now); lost > 0 {
		return m.fail(p, res, transfer.NewTransientError(
			fmt.Sprintf("%d provisioner calls got no outcome within %s", lost, m.cfg.ProvisionTimeout), nil).
			WithOperation("provision"))
	}

	if defs := p.UndispatchedDefinitions(); len(defs) > 0 {
		for _, d := range defs {
			if err := p.MarkDispatched(d, now); err != nil {
				return err
			}
		}
		id := p.ID
		res.after(func(ctx context.Context) { m.provisioning.Provision(ctx, id, defs) })
	}
	m.awaitResults(p)
	return nil
}

func (m *Manager) stepProvisioned(ctx context.Context, p *transfer.TransferProcess, res *stepResult) error {
	status, err := m.dataFlow.Start(ctx, p)
	if err != nil {
		return m.fail(p, res, transfer.Classify(err, transfer.CodeDataFlowFailed).WithOperation("start-data-flow"))
	}
	if err := m.moveTo(p, res, transfer.StateStarted, ""); err != nil {
		return err
	}
	if status == DataFlowCompleted {
		return m.complete(p, res)
	}
	return nil
}

// complete moves a STARTED process to COMPLETED.
func (m *Manager) complete(p *transfer.TransferProcess, res *stepResult) error {
	if err := m.moveTo(p, res, transfer.StateCompleted, ""); err != nil {
		return err
	}
	if m.cfg.DeprovisionOnCompletion && p.HasLiveResources() {
		p.DeprovisionRequested = true
	}
	return nil
}

// stepDeprovisioning tears down every resource whose provisioning succeeded and
// waits for outstanding calls. Failed and never-dispatched resources are skipped.
func (m *Manager) stepDeprovisioning(p *transfer.TransferProcess, res *stepResult) error {
	now := m.now()

	for i := range p.Resources {
		r := &p.Resources[i]
		if r.Outcome == transfer.OutcomePending && !r.DispatchedAt.IsZero() &&
			now.Sub(r.DispatchedAt) >= m.cfg.ProvisionTimeout {
			r.Outcome = transfer.OutcomeFailed
			r.Error = "no provisioning outcome before teardown"
			r.CompletedAt = now
			m.logger.Warn().
				Str("process_id", p.ID).
				Str("definition_id", r.DefinitionID).
				Msg("giving up on provisioner call; a late success will be compensated")
		}
	}

	lost := 0
	for i := range p.Resources {
		r := &p.Resources[i]
		if r.Live() && r.Deprovision == transfer.OutcomePending && !r.DeprovisionDispatchedAt.IsZero() &&
			now.Sub(r.DeprovisionDispatchedAt) >= m.cfg.ProvisionTimeout {
			r.Deprovision = transfer.OutcomeNone
			lost++
		}
	}
	if lost > 0 {
		cause := transfer.NewTransientError(
			fmt.Sprintf("%d deprovision calls got no outcome within %s", lost, m.cfg.ProvisionTimeout), nil).
			WithOperation("deprovision")
		if p.StateCount <= m.cfg.MaxRetries {
			m.retry(p, res, cause)
			return nil
		}
		m.abandonTeardown(p, cause)
	}

	if todo := p.ResourcesToDeprovision(); len(todo) > 0 {
		for _, r := range todo {
			if err := p.MarkDeprovisionDispatched(r.ID, now); err != nil {
				return err
			}
		}
		id := p.ID
		res.after(func(ctx context.Context) { m.provisioning.Deprovision(ctx, id, todo) })
	}

	if p.HasPendingProvisioning() || p.HasPendingDeprovisioning() {
		m.awaitResults(p)
		return nil
	}

	if err := m.moveTo(p, res, transfer.StateDeprovisioned, ""); err != nil {
		return err
	}
	if p.Failed() {
		return m.moveTo(p, res, transfer.StateTerminated, p.ErrorDetail)
	}
	return nil
}

// fail retries a transient error while the state has attempts left and
// otherwise ends the process.
func (m *Manager) fail(p *transfer.TransferProcess, res *stepResult, err error) error {
	pe := transfer.Classify(err, categoryCode(p.State)).WithProcess(p.ID)
	m.metrics.RecordError(string(pe.Class), pe.Code)

	if pe.Class == transfer.ErrorClassTransient {
		if p.StateCount <= m.cfg.MaxRetries {
			m.retry(p, res, pe)
			return nil
		}
		pe = transfer.NewPermanentError(categoryCode(p.State),
			fmt.Sprintf("giving up after %d attempts in %s", p.StateCount, p.State), pe).
			WithProcess(p.ID)
	}
	return m.terminate(p, res, pe)
}

// retry schedules another attempt of the current state.
func (m *Manager) retry(p *transfer.TransferProcess, res *stepResult, cause error) {
	now := m.now()
	delay := m.backoff(p.StateCount)
	p.ScheduleRetry(now, delay, cause)

	res.record(&stores.Event{
		Type:      stores.EventRetryScheduled,
		FromState: p.State,
		ToState:   p.State,
		Message:   cause.Error(),
		Details: details(map[string]interface{}{
			"attempt":  p.StateCount,
			"delay_ms": delay.Milliseconds(),
		}),
		Timestamp: now,
	})

	state, id, role, attempt := string(p.State), p.ID, string(p.Role), p.StateCount
	res.after(func(context.Context) {
		m.metrics.RecordRetry(state)
		_ = m.events.Publish(telemetry.Event{
			Type:      telemetry.EventTypeRetryScheduled,
			Source:    "manager",
			ProcessID: id,
			Role:      role,
			State:     state,
			Message:   fmt.Sprintf("Retrying %s in %s: %v", state, delay, cause),
			Level:     telemetry.EventLevelWarning,
			Data:      map[string]interface{}{"attempt": attempt},
		})
	})
	m.logger.Warn().
		Err(cause).
		Str("process_id", p.ID).
		Str("state", state).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("scheduling retry")
}

// terminate records err and sends the process down the termination path. A
// process holding live or in-flight resources tears them down first.
func (m *Manager) terminate(p *transfer.TransferProcess, res *stepResult, err *transfer.ProcessError) error {
	if !p.Failed() {
		p.RecordError(err.Code, err.Error())
	}
	p.CancelRequested = false

	if !p.Cancellable() {
		return nil
	}

	now := m.now()
	for i := range p.Resources {
		r := &p.Resources[i]
		if r.Outcome == transfer.OutcomePending && r.DispatchedAt.IsZero() {
			r.Outcome = transfer.OutcomeFailed
			r.Error = "not dispatched before termination"
			r.CompletedAt = now
		}
	}

	if p.HasLiveResources() || p.HasPendingProvisioning() {
		if err := m.moveTo(p, res, transfer.StateDeprovisioning, p.ErrorDetail); err != nil {
			return err
		}
		return m.stepDeprovisioning(p, res)
	}
	return m.moveTo(p, res, transfer.StateTerminated, p.ErrorDetail)
}

// abandonTeardown gives up on live resources that have no deprovision call in flight.
func (m *Manager) abandonTeardown(p *transfer.TransferProcess, cause error) {
	for i := range p.Resources {
		r := &p.Resources[i]
		if r.Live() && r.Deprovision == transfer.OutcomeNone {
			r.Deprovision = transfer.OutcomeFailed
			r.Error = cause.Error()
		}
	}
	if !p.Failed() {
		p.RecordError(transfer.CodeDeprovisioningFailed, cause.Error())
	}
}

func (m *Manager) moveTo(p *transfer.TransferProcess, res *stepResult, next transfer.State, message string) error {
	from := p.State
	now := m.now()
	if err := p.TransitionTo(next, now); err != nil {
		return err
	}
	res.record(&stores.Event{
		Type:      stores.EventTransition,
		FromState: from,
		ToState:   next,
		Message:   message,
		Timestamp: now,
	})
	res.transitions = append(res.transitions, stateChange{from: from, to: next})
	return nil
}

// lostProvisions resets dispatched provision calls that outlived the timeout so
// they are issued again, and returns how many there were.
func (m *Manager) lostProvisions(p *transfer.TransferProcess, now time.Time) int {
	lost := 0
	for i := range p.Resources {
		r := &p.Resources[i]
		if r.Outcome == transfer.OutcomePending && !r.DispatchedAt.IsZero() &&
			now.Sub(r.DispatchedAt) >= m.cfg.ProvisionTimeout {
			r.DispatchedAt = time.Time{}
			lost++
		}
	}
	return lost
}

// awaitResults parks p until its earliest outstanding call times out. Outcomes
// arriving before then are applied by the result loop.
func (m *Manager) awaitResults(p *transfer.TransferProcess) {
	var deadline time.Time
	for _, r := range p.Resources {
		var at time.Time
		switch {
		case r.Outcome == transfer.OutcomePending && !r.DispatchedAt.IsZero():
			at = r.DispatchedAt
		case r.Outcome == transfer.OutcomeSucceeded && r.Deprovision == transfer.OutcomePending &&
			!r.DeprovisionDispatchedAt.IsZero():
			at = r.DeprovisionDispatchedAt
		default:
			continue
		}
		at = at.Add(m.cfg.ProvisionTimeout)
		if deadline.IsZero() || at.Before(deadline) {
			deadline = at
		}
	}
	if !deadline.IsZero() {
		p.RetryAt = deadline
	}
}

// generateManifest builds the manifest for p's role. The consumer path is gated
// by the manifest generator itself; the provider path validates the agreement
// policy here and hands the token on.
func (m *Manager) generateManifest(ctx context.Context, p *transfer.TransferProcess) (*transfer.ResourceManifest, error) {
	agreement, err := m.policies.FindAgreement(ctx, p.Request.ContractID)
	if err != nil {
		return nil, transfer.Classify(err, transfer.CodeNotFound).WithOperation("find-agreement")
	}
	if agreement.AssetID != "" && agreement.AssetID != p.Request.AssetID {
		return nil, transfer.NewPermanentError(transfer.CodeValidation,
			fmt.Sprintf("agreement %s does not cover asset %s", agreement.ContractID, p.Request.AssetID), nil)
	}
	ectx := m.evaluationContext(p, agreement)

	switch p.Role {
	case transfer.RoleConsumer:
		return m.generator.GenerateConsumerResourceManifest(ctx, &p.Request, agreement.Policy, ectx)
	case transfer.RoleProvider:
		addr, err := m.addresses.Resolve(ctx, p.Request.AssetID)
		if err != nil {
			return nil, transfer.Classify(err, transfer.CodeNotFound).WithOperation("resolve-address")
		}
		validated, err := policy.Validate(ctx, m.evaluator, policy.ScopeProviderTransfer, agreement.Policy, ectx)
		if err == nil || transfer.CodeOf(err) == transfer.CodePolicyRejected {
			telemetry.RecordPolicyEvaluation(ctx, policy.ScopeProviderTransfer, err == nil)
		}
		if err != nil {
			return nil, err
		}
		return m.generator.GenerateProviderResourceManifest(ctx, &p.Request, addr, validated)
	default:
		return nil, transfer.NewPermanentError(transfer.CodeValidation, fmt.Sprintf("unknown role %q", p.Role), nil)
	}
}

func (m *Manager) evaluationContext(p *transfer.TransferProcess, agreement *Agreement) policy.EvaluationContext {
	counterParty := agreement.ProviderID
	if p.Role == transfer.RoleProvider {
		counterParty = agreement.ConsumerID
	}
	if counterParty == "" {
		counterParty = p.Request.ConnectorID
	}
	attrs := make(map[string]string, len(p.Request.Properties))
	for k, v := range p.Request.Properties {
		attrs[k] = v
	}
	return policy.EvaluationContext{
		Now:               m.now(),
		AgreementSignedAt: agreement.SignedAt,
		ParticipantID:     m.cfg.ParticipantID,
		CounterPartyID:    counterParty,
		Attributes:        attrs,
	}
}

func failedResource(p *transfer.TransferProcess) *transfer.ProvisionedResource {
	for i := range p.Resources {
		if p.Resources[i].Outcome == transfer.OutcomeFailed {
			return &p.Resources[i]
		}
	}
	return nil
}

// categoryCode is the permanent code a state's exhausted retries escalate to.
func categoryCode(s transfer.State) string {
	switch s {
	case transfer.StateRequesting:
		return transfer.CodeRequestFailed
	case transfer.StateProvisioning:
		return transfer.CodeProvisioningFailed
	case transfer.StateProvisioned, transfer.StateStarted:
		return transfer.CodeDataFlowFailed
	case transfer.StateDeprovisioning:
		return transfer.CodeDeprovisioningFailed
	default:
		return transfer.CodeTransientInfrastructure
	}
}

func details(v map[string]interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}
