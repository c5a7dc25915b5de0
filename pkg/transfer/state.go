package transfer

import (
	"encoding/json"
	"fmt"
)

// State is a transfer process state.
type State string

const (
	// StateInitial indicates the process was created and its request validated.
	StateInitial State = "INITIAL"

	// StateRequesting indicates the transfer request is being sent to the counterpart.
	StateRequesting State = "REQUESTING"

	// StateRequested indicates the counterpart acknowledged the request.
	StateRequested State = "REQUESTED"

	// StateProvisioning indicates the manifest was generated and resources are being provisioned.
	StateProvisioning State = "PROVISIONING"

	// StateProvisioned indicates every resource in the manifest was provisioned.
	StateProvisioned State = "PROVISIONED"

	// StateStarted indicates the data transfer is underway.
	StateStarted State = "STARTED"

	// StateCompleted indicates the data transfer finished.
	StateCompleted State = "COMPLETED"

	// StateDeprovisioning indicates provisioned resources are being torn down.
	StateDeprovisioning State = "DEPROVISIONING"

	// StateDeprovisioned indicates teardown finished.
	StateDeprovisioned State = "DEPROVISIONED"

	// StateTerminated indicates the process failed or was cancelled. Terminal.
	StateTerminated State = "TERMINATED"
)

var stateRank = map[State]int{
	StateInitial:        100,
	StateRequesting:     200,
	StateRequested:      300,
	StateProvisioning:   400,
	StateProvisioned:    500,
	StateStarted:        600,
	StateCompleted:      700,
	StateDeprovisioning: 800,
	StateDeprovisioned:  900,
	StateTerminated:     1000,
}

var transitions = map[State][]State{
	StateInitial:        {StateRequesting, StateTerminated},
	StateRequesting:     {StateRequested, StateTerminated},
	StateRequested:      {StateProvisioning, StateTerminated},
	StateProvisioning:   {StateProvisioned, StateDeprovisioning, StateTerminated},
	StateProvisioned:    {StateStarted, StateDeprovisioning, StateTerminated},
	StateStarted:        {StateCompleted, StateDeprovisioning, StateTerminated},
	StateCompleted:      {StateDeprovisioning},
	StateDeprovisioning: {StateDeprovisioned},
	StateDeprovisioned:  {StateTerminated},
	StateTerminated:     nil,
}

// States returns every state in lifecycle order.
func States() []State {
	return []State{
		StateInitial, StateRequesting, StateRequested, StateProvisioning, StateProvisioned,
		StateStarted, StateCompleted, StateDeprovisioning, StateDeprovisioned, StateTerminated,
	}
}

// Rank returns the ordinal of the state in the lifecycle.
func (s State) Rank() int {
	return stateRank[s]
}

// CanTransitionTo reports whether next is a legal successor of s.
// Re-entering the same state is allowed for every state except TERMINATED.
func (s State) CanTransitionTo(next State) bool {
	if s == next {
		return s != StateTerminated
	}
	for _, candidate := range transitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true for TERMINATED.
func (s State) IsTerminal() bool {
	return s == StateTerminated
}

// IsTearingDown returns true once the process has entered the deprovisioning path.
func (s State) IsTearingDown() bool {
	return s == StateDeprovisioning || s == StateDeprovisioned || s == StateTerminated
}

// Validate checks if the state is valid.
func (s State) Validate() error {
	if _, ok := stateRank[s]; !ok {
		return fmt.Errorf("invalid transfer state: %s", s)
	}
	return nil
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = State(str)
	return s.Validate()
}

// Role tells which side of the exchange a process or manifest belongs to.
type Role string

const (
	// RoleConsumer is the side receiving data.
	RoleConsumer Role = "consumer"

	// RoleProvider is the side serving data.
	RoleProvider Role = "provider"
)

// Validate checks if the role is valid.
func (r Role) Validate() error {
	switch r {
	case RoleConsumer, RoleProvider:
		return nil
	default:
		return fmt.Errorf("invalid role: %s", r)
	}
}

// TransferType distinguishes push transfers from pull transfers.
type TransferType string

const (
	// TransferTypePush means the provider writes to the consumer's destination.
	TransferTypePush TransferType = "push"

	// TransferTypePull means the consumer fetches through an endpoint data reference.
	TransferTypePull TransferType = "pull"
)

// Outcome is the result of a provisioning or deprovisioning call.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)
