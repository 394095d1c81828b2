// Package feed consumes post, membership and lifecycle events from the board's AMQP exchange.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/streadway/amqp"
)

// Settings represents the settings that we require in order to consume from the AMQP exchange.
type Settings struct {
	URI          string
	ExchangeName string
	ExchangeType string
	QueueName    string
}

// HandlerFunc handles a single AMQP delivery.
type HandlerFunc func(ctx context.Context, delivery amqp.Delivery) error

// Consumer binds one queue to the exchange and dispatches deliveries by routing key.
type Consumer struct {
	settings   *Settings
	handlerFor map[string]HandlerFunc
	logger     *slog.Logger
}

// NewConsumer creates a consumer. The queue is bound once per routing key in handlerFor.
func NewConsumer(settings *Settings, handlerFor map[string]HandlerFunc, logger *slog.Logger) *Consumer {
	return &Consumer{
		settings:   settings,
		handlerFor: handlerFor,
		logger:     logger,
	}
}

// Run consumes until ctx is canceled, reconnecting after broker failures.
func (c *Consumer) Run(ctx context.Context) error {
	err := retry.Do(
		func() error {
			return c.consume(ctx)
		},
		retry.Attempts(0),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("AMQP consumer reconnecting", "attempt", n, "error", err)
		}),
	)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Consumer) consume(ctx context.Context) error {
	conn, err := amqp.Dial(c.settings.URI)
	if err != nil {
		return fmt.Errorf("dial AMQP broker: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Warn("Failed to close AMQP connection", "error", err)
		}
	}()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open AMQP channel: %w", err)
	}

	if err := ch.ExchangeDeclare(c.settings.ExchangeName, c.settings.ExchangeType, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", c.settings.ExchangeName, err)
	}
	q, err := ch.QueueDeclare(c.settings.QueueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", c.settings.QueueName, err)
	}
	for key := range c.handlerFor {
		if err := ch.QueueBind(q.Name, key, c.settings.ExchangeName, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set QoS: %w", err)
	}

	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}
	c.logger.Info("AMQP consumer started",
		"exchange", c.settings.ExchangeName,
		"queue", q.Name,
		"routing_keys", len(c.handlerFor))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("AMQP consumer stopping")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.Dispatch(ctx, d)
		}
	}
}

// Dispatch runs the handler for d's routing key and acknowledges the delivery. Recoverable
// failures are requeued; everything else is dropped.
func (c *Consumer) Dispatch(ctx context.Context, d amqp.Delivery) {
	logger := c.logger.With("routing_key", d.RoutingKey, "delivery_tag", d.DeliveryTag)

	handler, ok := c.handlerFor[d.RoutingKey]
	if !ok {
		logger.Warn("No handler for routing key, dropping message")
		if err := d.Nack(false, false); err != nil {
			logger.Error("Failed to nack message", "error", err)
		}
		return
	}

	err := handler(ctx, d)
	switch {
	case err == nil:
		if err := d.Ack(false); err != nil {
			logger.Error("Failed to ack message", "error", err)
		}
	case IsRecoverable(err):
		logger.Warn("Message handling failed, requeueing", "error", err)
		if err := d.Nack(false, true); err != nil {
			logger.Error("Failed to nack message", "error", err)
		}
	default:
		logger.Error("Message handling failed, dropping message", "error", err)
		if err := d.Nack(false, false); err != nil {
			logger.Error("Failed to nack message", "error", err)
		}
	}
}
