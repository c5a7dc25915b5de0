package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	EventTypeProcessInitiated      = "process.initiated"
	EventTypeStateChanged          = "process.state_changed"
	EventTypeProcessTerminated     = "process.terminated"
	EventTypeRetryScheduled        = "process.retry_scheduled"
	EventTypeCancelRequested       = "process.cancel_requested"
	EventTypeResourceProvisioned   = "resource.provisioned"
	EventTypeResourceDeprovisioned = "resource.deprovisioned"
	EventTypeResourceFailed        = "resource.failed"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrEventBufferFull is returned by Publish when the asynchronous buffer has no room.
var ErrEventBufferFull = errors.New("event buffer full")

// Event is a transfer lifecycle notification.
type Event struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	Type       string                 `json:"type"`
	Source     string                 `json:"source"`
	ProcessID  string                 `json:"process_id,omitempty"`
	Role       string                 `json:"role,omitempty"`
	State      string                 `json:"state,omitempty"`
	ResourceID string                 `json:"resource_id,omitempty"`
	Message    string                 `json:"message"`
	Level      string                 `json:"level"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// EventSubscriber receives events. Subscribers are called one event at a time,
// in publication order.
type EventSubscriber func(event Event)

// EventFilter selects the events a subscriber receives.
type EventFilter func(event Event) bool

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher fans events out to subscribers. A nil or disabled publisher
// accepts and discards everything.
type EventPublisher struct {
	config EventsConfig

	mu     sync.RWMutex
	subs   []subscription
	buffer chan Event
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewEventPublisher creates a publisher and, in async mode, starts its
// delivery goroutine.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg}
	if !cfg.Enabled || !cfg.Async {
		return ep, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got %d", cfg.BufferSize)
	}
	if ep.config.MaxBatchSize <= 0 {
		ep.config.MaxBatchSize = 1
	}
	if ep.config.FlushInterval <= 0 {
		ep.config.FlushInterval = time.Second
	}
	ep.buffer = make(chan Event, cfg.BufferSize)
	ep.done = make(chan struct{})
	ep.wg.Add(1)
	go ep.run()
	return ep, nil
}

// Publish stamps the event and delivers or enqueues it.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	if ep.buffer == nil {
		ep.deliver(event)
		return nil
	}
	select {
	case <-ep.done:
		return errors.New("event publisher is shut down")
	default:
	}
	select {
	case ep.buffer <- event:
		return nil
	default:
		return ErrEventBufferFull
	}
}

// PublishStateChanged announces a committed transition.
func (ep *EventPublisher) PublishStateChanged(processID, role, from, to string) error {
	return ep.Publish(Event{
		Type:      EventTypeStateChanged,
		Source:    "manager",
		ProcessID: processID,
		Role:      role,
		State:     to,
		Message:   fmt.Sprintf("%s -> %s", from, to),
		Data:      map[string]interface{}{"from": from, "to": to},
	})
}

// PublishTerminated announces a process that ended with an error.
func (ep *EventPublisher) PublishTerminated(processID, role, code, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypeProcessTerminated,
		Source:    "manager",
		ProcessID: processID,
		Role:      role,
		State:     "TERMINATED",
		Message:   reason,
		Level:     EventLevelError,
		Data:      map[string]interface{}{"code": code},
	})
}

// PublishResourceResult announces the outcome of a provision or deprovision call.
func (ep *EventPublisher) PublishResourceResult(processID, resourceID, kind, operation string, err error) error {
	event := Event{
		Type:       EventTypeResourceProvisioned,
		Source:     "provisioner",
		ProcessID:  processID,
		ResourceID: resourceID,
		Message:    fmt.Sprintf("%s %s succeeded", kind, operation),
		Data:       map[string]interface{}{"kind": kind, "operation": operation},
	}
	if operation == "deprovision" {
		event.Type = EventTypeResourceDeprovisioned
	}
	if err != nil {
		event.Type = EventTypeResourceFailed
		event.Level = EventLevelError
		event.Message = fmt.Sprintf("%s %s failed: %v", kind, operation, err)
	}
	return ep.Publish(event)
}

// Subscribe registers fn for the events accepted by filter. A nil filter
// accepts everything.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
}

func (ep *EventPublisher) run() {
	defer ep.wg.Done()

	ticker := time.NewTicker(ep.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, e := range batch {
			ep.deliver(e)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-ep.buffer:
			batch = append(batch, e)
			if len(batch) >= ep.config.MaxBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ep.done:
			for {
				select {
				case e := <-ep.buffer:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	subs := ep.subs
	ep.mu.RUnlock()

	for _, s := range subs {
		if s.filter != nil && !s.filter(event) {
			continue
		}
		s.fn(event)
	}
}

// Shutdown delivers buffered events and stops the delivery goroutine.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || ep.done == nil {
		return nil
	}
	ep.once.Do(func() { close(ep.done) })

	stopped := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}

// FilterByProcessID accepts events of one process.
func FilterByProcessID(processID string) EventFilter {
	return func(e Event) bool { return e.ProcessID == processID }
}
