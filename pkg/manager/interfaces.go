package manager

import (
	"context"
	"time"

	"github.com/openfroyo/connector/pkg/policy"
	"github.com/openfroyo/connector/pkg/provision"
	"github.com/openfroyo/connector/pkg/transfer"
)

// RequestDispatcher sends a consumer's transfer request to the provider, or
// acknowledges an accepted request on the provider side. Implementations must
// be idempotent per process ID.
type RequestDispatcher interface {
	Dispatch(ctx context.Context, p *transfer.TransferProcess) error
}

// DataFlowStatus is what a data flow controller reports when a transfer starts.
type DataFlowStatus string

const (
	// DataFlowStarted means the transfer runs until Complete or Fail is called.
	DataFlowStarted DataFlowStatus = "started"

	// DataFlowCompleted means the transfer finished synchronously.
	DataFlowCompleted DataFlowStatus = "completed"
)

// DataFlowController starts the data plane once resources are provisioned.
type DataFlowController interface {
	Start(ctx context.Context, p *transfer.TransferProcess) (DataFlowStatus, error)
}

// Agreement is a signed contract agreement and the policy governing it.
type Agreement struct {
	ContractID string
	AssetID    string
	ConsumerID string
	ProviderID string
	SignedAt   time.Time
	Policy     *policy.Policy
}

// PolicyArchive looks up contract agreements.
type PolicyArchive interface {
	FindAgreement(ctx context.Context, contractID string) (*Agreement, error)
}

// DataAddressResolver resolves the source address of an asset on the provider side.
type DataAddressResolver interface {
	Resolve(ctx context.Context, assetID string) (transfer.DataAddress, error)
}

// ProvisionDispatcher runs provisioner calls and delivers their outcomes.
// provision.Dispatcher is the production implementation.
type ProvisionDispatcher interface {
	Provision(ctx context.Context, processID string, defs []transfer.ResourceDefinition)
	Deprovision(ctx context.Context, processID string, resources []transfer.ProvisionedResource)
	Submit(ctx context.Context, r provision.Result) error
	Results() <-chan provision.Result
	Pending() int
}

var _ ProvisionDispatcher = (*provision.Dispatcher)(nil)
