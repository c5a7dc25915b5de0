package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/connector/pkg/transfer"
)

var (
	// ErrNotFound is returned when no process matches.
	ErrNotFound = errors.New("transfer process not found")

	// ErrConflict is returned when a conditional write lost a race: the version
	// moved, the lease belongs to someone else, or the request ID already exists.
	ErrConflict = errors.New("transfer process was modified concurrently")
)

// Event types recorded in the event log.
const (
	EventInitiated       = "initiated"
	EventTransition      = "transition"
	EventRetryScheduled  = "retry_scheduled"
	EventCancelRequested = "cancel_requested"
	EventDeprovisionReq  = "deprovision_requested"
	EventResourceResult  = "resource_result"
	EventManifest        = "manifest_generated"
	EventCompensation    = "compensating_deprovision"
)

// Event is one entry of a process's append-only history.
type Event struct {
	ID        int64          `json:"id"`
	ProcessID string         `json:"process_id"`
	Type      string         `json:"type"`
	FromState transfer.State `json:"from_state,omitempty"`
	ToState   transfer.State `json:"to_state,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   string         `json:"details,omitempty"` // JSON blob
	Timestamp time.Time      `json:"timestamp"`
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Role   transfer.Role
	States []transfer.State
	Limit  int
	Offset int
}

// Store defines the persistence layer of the transfer process manager.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Create inserts a new process with version 1. A process with the same
	// request ID and role yields ErrConflict.
	Create(ctx context.Context, p *transfer.TransferProcess, events ...*Event) error
	Get(ctx context.Context, id string) (*transfer.TransferProcess, error)
	FindByRequestID(ctx context.Context, role transfer.Role, requestID string) (*transfer.TransferProcess, error)
	List(ctx context.Context, filter ListFilter) ([]*transfer.TransferProcess, error)

	// Leasing
	ClaimBatch(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]*transfer.TransferProcess, error)
	Acquire(ctx context.Context, id, owner string, now time.Time, lease time.Duration) (*transfer.TransferProcess, error)
	Save(ctx context.Context, p *transfer.TransferProcess, owner string, events ...*Event) error
	Release(ctx context.Context, p *transfer.TransferProcess, owner string) error
	ReleaseExpiredLeases(ctx context.Context, now time.Time) (int64, error)

	// External requests
	RequestCancellation(ctx context.Context, id, reason string, now time.Time) (*transfer.TransferProcess, error)
	RequestDeprovision(ctx context.Context, id string, now time.Time) (*transfer.TransferProcess, error)

	// Event log
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, processID string, limit int) ([]*Event, error)
}
