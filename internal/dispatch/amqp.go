package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"

	"github.com/fleetwatch/incident-engine/internal/models"
)

// AMQPPublisher emits notifications to a topic exchange. Routing keys are
// the change kind (incident.created / incident.updated) suffixed with the
// ship id so consumers can bind per fleet.
type AMQPPublisher struct {
	exchange string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewAMQPPublisher dials the broker and declares the durable exchange.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{exchange: exchange, conn: conn, channel: channel}, nil
}

// Publish sends one notification. MessageId carries the idempotency key so
// consumers can deduplicate at-least-once delivery.
func (p *AMQPPublisher) Publish(_ context.Context, n models.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.Publish(p.exchange, routingKey(n), false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   fmt.Sprintf("%s:%d", n.Incident.ID, n.Seq),
		Timestamp:   n.EmittedAt,
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", n.Kind, err)
	}
	return nil
}

// Close releases the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.channel.Close(); err != nil {
		_ = p.conn.Close()
		return err
	}
	return p.conn.Close()
}

func routingKey(n models.Notification) string {
	return string(n.Kind) + "." + n.Incident.ShipID
}
