// Package notify publishes job outcome events to the notification exchange.
//
// Events are JSON encoded types.JobEvent values. The routing key is the
// configured prefix followed by the event kind, for example
// "jobs.job_archived", so consumers can bind to the outcomes they care
// about with a topic pattern.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ChuLiYu/printwatch/pkg/types"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("notifier closed")

// Channel is the part of *amqp.Channel the publisher uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher sends events to a topic exchange.
type Publisher struct {
	channel    Channel
	conn       *amqp.Connection
	exchange   string
	routingKey string
	logger     *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Dial connects to the broker at url and declares the exchange.
func Dial(url, exchange, routingKey string, logger *slog.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("notify: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("notify: open channel: %w", err)
	}
	p, err := NewPublisher(ch, exchange, routingKey, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewPublisher declares a durable topic exchange on ch.
func NewPublisher(ch Channel, exchange, routingKey string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default().With("component", "notify")
	}
	err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("notify: declare exchange %s: %w", exchange, err)
	}
	return &Publisher{
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger,
	}, nil
}

// RoutingKey returns the key an event of the given kind is published with.
func (p *Publisher) RoutingKey(kind types.JobEventKind) string {
	if p.routingKey == "" {
		return string(kind)
	}
	return p.routingKey + "." + string(kind)
}

// Publish sends one event. It does not wait for a broker confirmation.
func (p *Publisher) Publish(ctx context.Context, event types.JobEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("notify: encode %s: %w", event.Kind, err)
	}

	err = p.channel.PublishWithContext(ctx,
		p.exchange,
		p.RoutingKey(event.Kind),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    event.At,
			Type:         string(event.Kind),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("notify: publish %s: %w", event.Kind, err)
	}
	p.logger.Debug("event published", "kind", event.Kind, "job_id", event.JobID, "row", event.Row)
	return nil
}

// Close closes the channel and, for a dialed publisher, the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	err := p.channel.Close()
	if p.conn != nil {
		err = errors.Join(err, p.conn.Close())
	}
	return err
}

// Nop drops every event. Used when no broker is configured.
type Nop struct{}

// Publish implements the controller's Notifier.
func (Nop) Publish(context.Context, types.JobEvent) error { return nil }
