package transfer

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidTransition is returned when a state change is not allowed.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrUnknownDefinition is returned when a result references a definition
	// that is not part of the process manifest.
	ErrUnknownDefinition = errors.New("definition not in manifest")

	// ErrUnknownResource is returned when a deprovision result references a
	// resource the process never provisioned.
	ErrUnknownResource = errors.New("resource not provisioned by process")
)

// TransferProcess is one side's record of a transfer.
type TransferProcess struct {
	// ID is the unique identifier for this process.
	ID string `json:"id"`

	// Role is the side this process runs on.
	Role Role `json:"role"`

	// State is the current lifecycle state.
	State State `json:"state"`

	// StateCount counts attempts made in the current state. It starts at 1 on entry.
	StateCount int `json:"state_count"`

	// StateTimestamp is when the current state was entered or last retried.
	StateTimestamp time.Time `json:"state_timestamp"`

	// RetryAt is the earliest time the process may be advanced again. Zero means now.
	RetryAt time.Time `json:"retry_at,omitempty"`

	// Request is immutable once the process is created.
	Request TransferRequest `json:"request"`

	// Manifest is set on entry to PROVISIONING and replaced wholesale on regeneration.
	Manifest *ResourceManifest `json:"manifest,omitempty"`

	// Resources holds one record per dispatched manifest definition.
	Resources []ProvisionedResource `json:"resources,omitempty"`

	// ErrorCode is set when the process fails; see the Code* constants.
	ErrorCode string `json:"error_code,omitempty"`

	// ErrorDetail describes the failure.
	ErrorDetail string `json:"error_detail,omitempty"`

	// LastError is the most recent transient error, cleared on the next transition.
	LastError string `json:"last_error,omitempty"`

	// CancelRequested is set by a cancellation request and supersedes any retry.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// CancelReason is the reason given with the cancellation request.
	CancelReason string `json:"cancel_reason,omitempty"`

	// DeprovisionRequested asks a COMPLETED process to tear down its resources.
	DeprovisionRequested bool `json:"deprovision_requested,omitempty"`

	// Version is the optimistic concurrency version.
	Version int64 `json:"version"`

	// LeaseOwner is the manager instance currently advancing the process.
	LeaseOwner string `json:"lease_owner,omitempty"`

	// LeaseExpiresAt is when LeaseOwner's claim lapses.
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`

	// CreatedAt is when the process was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the process was last persisted.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTransferProcess creates a process in INITIAL for the given request.
func NewTransferProcess(role Role, req TransferRequest, now time.Time) *TransferProcess {
	return &TransferProcess{
		ID:             uuid.New().String(),
		Role:           role,
		State:          StateInitial,
		StateCount:     1,
		StateTimestamp: now,
		Request:        req,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// TransitionTo moves the process to next. Entering a new state resets the state
// count and clears any scheduled retry.
func (p *TransferProcess) TransitionTo(next State, now time.Time) error {
	if !p.State.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.State, next)
	}
	if p.State == next {
		p.StateCount++
	} else {
		p.StateCount = 1
		p.LastError = ""
	}
	p.State = next
	p.StateTimestamp = now
	p.RetryAt = time.Time{}
	return nil
}

// ScheduleRetry records a transient failure and defers the next attempt by delay.
func (p *TransferProcess) ScheduleRetry(now time.Time, delay time.Duration, cause error) {
	p.StateCount++
	p.StateTimestamp = now
	p.RetryAt = now.Add(delay)
	if cause != nil {
		p.LastError = cause.Error()
	}
}

// RecordError stores the failure that ends the process.
func (p *TransferProcess) RecordError(code, detail string) {
	p.ErrorCode = code
	p.ErrorDetail = detail
}

// Failed reports whether an error has been recorded.
func (p *TransferProcess) Failed() bool {
	return p.ErrorCode != ""
}

// IsFinal reports whether the process needs no further action.
func (p *TransferProcess) IsFinal() bool {
	switch p.State {
	case StateTerminated:
		return true
	case StateDeprovisioned:
		return !p.Failed()
	case StateCompleted:
		return !p.DeprovisionRequested
	default:
		return false
	}
}

// NeedsAttention reports whether a manager should claim the process.
// A STARTED process waits for an external completion signal unless cancelled.
func (p *TransferProcess) NeedsAttention() bool {
	if p.IsFinal() {
		return false
	}
	if p.State == StateStarted && !p.CancelRequested {
		return false
	}
	return true
}

// Cancellable reports whether a cancellation request would change anything.
func (p *TransferProcess) Cancellable() bool {
	return !p.IsFinal() && p.State != StateCompleted && !p.State.IsTearingDown()
}

// Resource returns the resource record for a definition, or nil.
func (p *TransferProcess) Resource(definitionID string) *ProvisionedResource {
	for i := range p.Resources {
		if p.Resources[i].DefinitionID == definitionID {
			return &p.Resources[i]
		}
	}
	return nil
}

// ResourceByID returns the resource record with the given ID, or nil.
func (p *TransferProcess) ResourceByID(id string) *ProvisionedResource {
	for i := range p.Resources {
		if p.Resources[i].ID == id {
			return &p.Resources[i]
		}
	}
	return nil
}

// UndispatchedDefinitions returns manifest definitions that have no provision call
// in flight and no final outcome.
func (p *TransferProcess) UndispatchedDefinitions() []ResourceDefinition {
	if p.Manifest == nil {
		return nil
	}
	var out []ResourceDefinition
	for _, d := range p.Manifest.Definitions {
		r := p.Resource(d.ID)
		if r == nil || (r.Outcome == OutcomePending && r.DispatchedAt.IsZero()) {
			out = append(out, d)
		}
	}
	return out
}

// MarkDispatched records that a provision call for def was issued at now.
func (p *TransferProcess) MarkDispatched(def ResourceDefinition, now time.Time) error {
	if _, ok := p.Manifest.Definition(def.ID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDefinition, def.ID)
	}
	if r := p.Resource(def.ID); r != nil {
		r.Outcome = OutcomePending
		r.DispatchedAt = now
		return nil
	}
	p.Resources = append(p.Resources, ProvisionedResource{
		ID:           uuid.New().String(),
		DefinitionID: def.ID,
		Kind:         def.Kind,
		Outcome:      OutcomePending,
		DispatchedAt: now,
	})
	return nil
}

// ApplyProvisionResult records the outcome of a provision call. A pending
// outcome with a nil error means the provisioner will report back later.
func (p *TransferProcess) ApplyProvisionResult(definitionID string, outcome Outcome, output map[string]string, errMsg string, now time.Time) error {
	if _, ok := p.Manifest.Definition(definitionID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDefinition, definitionID)
	}
	r := p.Resource(definitionID)
	if r == nil {
		return fmt.Errorf("%w: %s", ErrUnknownDefinition, definitionID)
	}
	r.Outcome = outcome
	r.Error = errMsg
	if output != nil {
		r.Output = output
	}
	if outcome == OutcomeSucceeded || outcome == OutcomeFailed {
		r.CompletedAt = now
	}
	return nil
}

// ApplyDeprovisionResult records the outcome of a deprovision call.
func (p *TransferProcess) ApplyDeprovisionResult(resourceID string, outcome Outcome, errMsg string) error {
	r := p.ResourceByID(resourceID)
	if r == nil || r.Outcome != OutcomeSucceeded {
		return fmt.Errorf("%w: %s", ErrUnknownResource, resourceID)
	}
	r.Deprovision = outcome
	if errMsg != "" {
		r.Error = errMsg
	}
	return nil
}

// HasPendingProvisioning reports whether any provision outcome is still unknown.
func (p *TransferProcess) HasPendingProvisioning() bool {
	for _, r := range p.Resources {
		if r.Outcome == OutcomePending {
			return true
		}
	}
	return false
}

// HasFailedProvisioning reports whether any provision call failed.
func (p *TransferProcess) HasFailedProvisioning() bool {
	for _, r := range p.Resources {
		if r.Outcome == OutcomeFailed {
			return true
		}
	}
	return false
}

// AllProvisioned reports whether every manifest definition was provisioned.
func (p *TransferProcess) AllProvisioned() bool {
	if p.Manifest == nil {
		return false
	}
	for _, d := range p.Manifest.Definitions {
		r := p.Resource(d.ID)
		if r == nil || r.Outcome != OutcomeSucceeded {
			return false
		}
	}
	return true
}

// LiveResources returns resources that were provisioned and not yet torn down.
func (p *TransferProcess) LiveResources() []ProvisionedResource {
	var out []ProvisionedResource
	for _, r := range p.Resources {
		if r.Live() {
			out = append(out, r)
		}
	}
	return out
}

// HasLiveResources reports whether anything must be deprovisioned.
func (p *TransferProcess) HasLiveResources() bool {
	return len(p.LiveResources()) > 0
}

// ResourcesToDeprovision returns live resources with no deprovision call in flight.
func (p *TransferProcess) ResourcesToDeprovision() []ProvisionedResource {
	var out []ProvisionedResource
	for _, r := range p.Resources {
		if r.Live() && (r.Deprovision == OutcomeNone ||
			(r.Deprovision == OutcomePending && r.DeprovisionDispatchedAt.IsZero())) {
			out = append(out, r)
		}
	}
	return out
}

// MarkDeprovisionDispatched records that a deprovision call was issued at now.
func (p *TransferProcess) MarkDeprovisionDispatched(resourceID string, now time.Time) error {
	r := p.ResourceByID(resourceID)
	if r == nil || r.Outcome != OutcomeSucceeded {
		return fmt.Errorf("%w: %s", ErrUnknownResource, resourceID)
	}
	r.Deprovision = OutcomePending
	r.DeprovisionDispatchedAt = now
	return nil
}

// HasPendingDeprovisioning reports whether any deprovision outcome is still unknown.
func (p *TransferProcess) HasPendingDeprovisioning() bool {
	for _, r := range p.Resources {
		if r.Outcome == OutcomeSucceeded && r.Deprovision == OutcomePending {
			return true
		}
	}
	return false
}
