package provision

import (
	"context"

	"github.com/openfroyo/connector/pkg/transfer"
)

// Operation names a provisioner call.
type Operation string

const (
	OperationProvision   Operation = "provision"
	OperationDeprovision Operation = "deprovision"
)

// ProvisionResponse is returned by a successful Provision call.
type ProvisionResponse struct {
	// Output carries values the data flow needs, such as an endpoint or token.
	Output map[string]string

	// InProgress means the outcome will be delivered later through Submit.
	InProgress bool
}

// DeprovisionResponse is returned by a successful Deprovision call.
type DeprovisionResponse struct {
	InProgress bool
}

// Provisioner creates and tears down the resources described by definitions of
// the kinds it handles. Implementations must be idempotent per definition ID:
// a repeated Provision for the same ID returns the existing resource.
type Provisioner interface {
	// Kind is the definition kind handled by this provisioner.
	Kind() string

	CanProvision(def transfer.ResourceDefinition) bool
	CanDeprovision(res transfer.ProvisionedResource) bool

	Provision(ctx context.Context, processID string, def transfer.ResourceDefinition) (*ProvisionResponse, error)
	Deprovision(ctx context.Context, processID string, res transfer.ProvisionedResource) (*DeprovisionResponse, error)
}

// Result is the outcome of one provisioner call, delivered to the manager.
type Result struct {
	ProcessID    string
	Operation    Operation
	DefinitionID string
	ResourceID   string
	Kind         string
	Output       map[string]string

	// InProgress results carry no outcome; the provisioner will Submit one later.
	InProgress bool

	// Err is nil on success. Transient errors are retried by the manager.
	Err error
}

// Outcome maps the result to a resource outcome.
func (r Result) Outcome() transfer.Outcome {
	switch {
	case r.InProgress:
		return transfer.OutcomePending
	case r.Err != nil:
		return transfer.OutcomeFailed
	default:
		return transfer.OutcomeSucceeded
	}
}
