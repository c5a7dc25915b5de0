// Package notify forwards transfer lifecycle events to external systems.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/openfroyo/connector/pkg/telemetry"
)

// DefaultExchange receives transfer events when no exchange is configured.
const DefaultExchange = "transfer.events"

// Channel is the subset of *amqp.Channel the notifier uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Config configures the AMQP notifier.
type Config struct {
	URL      string
	Exchange string

	// PublishTimeout bounds a single publish. Defaults to 5s.
	PublishTimeout time.Duration
}

// AMQPNotifier publishes telemetry events to a topic exchange. The routing key
// is "transfer.<event type>", e.g. "transfer.process.terminated".
type AMQPNotifier struct {
	exchange string
	timeout  time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	channel  Channel
	declared bool
	closed   bool
}

// Dial connects to the broker.
func Dial(cfg Config, logger zerolog.Logger) (*AMQPNotifier, error) {
	clean, err := sanitizeURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp.DialConfig(clean, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	n := NewWithChannel(ch, cfg, logger)
	n.conn = conn
	return n, nil
}

// NewWithChannel creates a notifier on an open channel.
func NewWithChannel(ch Channel, cfg Config, logger zerolog.Logger) *AMQPNotifier {
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &AMQPNotifier{
		exchange: cfg.Exchange,
		timeout:  cfg.PublishTimeout,
		logger:   logger.With().Str("component", "amqp-notifier").Str("exchange", cfg.Exchange).Logger(),
		channel:  ch,
	}
}

// Attach subscribes the notifier to events. With no types every event is forwarded.
func (n *AMQPNotifier) Attach(events *telemetry.EventPublisher, types ...string) {
	if events == nil {
		return
	}
	var filter telemetry.EventFilter
	if len(types) > 0 {
		filter = telemetry.FilterByType(types...)
	}
	events.Subscribe(n.handle, filter)
}

func (n *AMQPNotifier) handle(event telemetry.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	if err := n.Notify(ctx, event); err != nil {
		n.logger.Warn().Err(err).
			Str("event_type", event.Type).
			Str("process_id", event.ProcessID).
			Msg("failed to forward event")
	}
}

// Notify publishes one event.
func (n *AMQPNotifier) Notify(ctx context.Context, event telemetry.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Timestamp:    event.Timestamp,
		Type:         event.Type,
		Body:         body,
	}
	key := RoutingKey(event)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return errors.New("notifier closed")
	}

	err = n.publish(ctx, key, msg)
	if err == nil {
		return nil
	}
	if n.conn == nil {
		return err
	}

	// One reopen attempt: a failed publish closes the channel.
	n.logger.Warn().Err(err).Str("routing_key", key).Msg("publish failed, reopening channel")
	ch, chErr := n.conn.Channel()
	if chErr != nil {
		return fmt.Errorf("failed to reopen channel: %w", chErr)
	}
	n.channel, n.declared = ch, false
	return n.publish(ctx, key, msg)
}

func (n *AMQPNotifier) publish(ctx context.Context, key string, msg amqp.Publishing) error {
	if !n.declared {
		if err := n.channel.ExchangeDeclare(n.exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange: %w", err)
		}
		n.declared = true
	}
	if err := n.channel.PublishWithContext(ctx, n.exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	return nil
}

// Close closes the channel and the connection.
func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true

	var errs []error
	if n.channel != nil {
		errs = append(errs, n.channel.Close())
	}
	if n.conn != nil {
		errs = append(errs, n.conn.Close())
	}
	return errors.Join(errs...)
}

// RoutingKey returns the routing key for an event.
func RoutingKey(event telemetry.Event) string {
	return "transfer." + event.Type
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("invalid broker url: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("broker url scheme must be amqp or amqps")
	}
	return clean, nil
}
