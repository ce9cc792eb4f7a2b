// Package ingest consumes anomaly events from the inbound pub/sub feed and
// submits them to the pipeline. Detection is upstream; everything arriving
// here is already scored.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/streadway/amqp"

	"github.com/fleetwatch/incident-engine/internal/engine"
	"github.com/fleetwatch/incident-engine/internal/models"
	"github.com/fleetwatch/incident-engine/internal/tracking"
	"github.com/fleetwatch/incident-engine/internal/utils"
)

// Sink accepts decoded events; satisfied by *engine.Engine.
type Sink interface {
	Submit(ev models.AnomalyEvent) error
}

// Options configures the AMQP subscription.
type Options struct {
	URL        string
	Exchange   string
	Queue      string
	BindingKey string
	Prefetch   int
}

// Consumer bridges one AMQP subscription to the pipeline.
type Consumer struct {
	logger *slog.Logger
	opts   Options
	sink   Sink
}

// NewConsumer builds a consumer; logger may be nil.
func NewConsumer(logger *slog.Logger, opts Options, sink Sink) *Consumer {
	if logger == nil {
		logger = utils.DiscardLogger()
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 64
	}
	return &Consumer{logger: logger, opts: opts, sink: sink}
}

// Run subscribes and pumps deliveries until ctx is cancelled or the broker
// connection dies. Malformed bodies are acked away with a logged signal;
// overload nacks back to the broker for redelivery.
func (c *Consumer) Run(ctx context.Context) error {
	conn, err := amqp.Dial(c.opts.URL)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	defer conn.Close()

	channel, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer channel.Close()

	if err := channel.ExchangeDeclare(c.opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", c.opts.Exchange, err)
	}
	queue, err := channel.QueueDeclare(c.opts.Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", c.opts.Queue, err)
	}
	if err := channel.QueueBind(queue.Name, c.opts.BindingKey, c.opts.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	if err := channel.Qos(c.opts.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := channel.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	c.logger.Info("anomaly feed subscribed",
		slog.String("exchange", c.opts.Exchange), slog.String("queue", queue.Name))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	ev, err := Decode(d.Body)
	if err != nil {
		// Undecodable payloads would redeliver forever; drop with a signal.
		c.logger.Warn("dropping undecodable event", slog.Any("error", err))
		_ = d.Ack(false)
		return
	}
	if ev.TrackingID != "" {
		ctx = tracking.WithID(ctx, ev.TrackingID)
	}

	switch err := c.sink.Submit(ev); {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, engine.ErrOverloaded):
		// Backpressure: hand the event back to the broker and breathe.
		_ = d.Nack(false, true)
		select {
		case <-ctx.Done():
		case <-time.After(50 * time.Millisecond):
		}
	case errors.Is(err, models.ErrMalformedEvent):
		c.logEvent(ctx, "rejected malformed event", ev, err)
		_ = d.Ack(false)
	default:
		c.logEvent(ctx, "event submission failed", ev, err)
		_ = d.Nack(false, false)
	}
}

func (c *Consumer) logEvent(ctx context.Context, msg string, ev models.AnomalyEvent, err error) {
	attrs := []any{
		slog.String("ship_id", ev.ShipID),
		slog.String("anomaly_type", ev.AnomalyType),
		slog.String("detector", ev.Detector),
		slog.Any("error", err),
	}
	if id, ok := tracking.FromContext(ctx); ok {
		attrs = append(attrs, slog.String("tracking_id", id))
	}
	c.logger.Warn(msg, attrs...)
}

// Decode parses one inbound JSON body into an AnomalyEvent, normalising the
// domain and defaulting a missing origin timestamp to now.
func Decode(body []byte) (models.AnomalyEvent, error) {
	var ev models.AnomalyEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return models.AnomalyEvent{}, fmt.Errorf("decode anomaly event: %w", err)
	}
	ev.Domain = models.ParseDomain(string(ev.Domain))
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return ev, nil
}
