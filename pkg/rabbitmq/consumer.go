package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// HandlerFunc processes one delivery body. Returning false re-queues it.
type HandlerFunc func(ctx context.Context, body []byte) bool

type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *slog.Logger
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", fmt.Errorf("invalid AMQP scheme: %s", parsed.Scheme)
	}
	return clean, nil
}

func NewConsumer(amqpURL string, logger *slog.Logger) (*Consumer, error) {
	cleanURL, err := sanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch, logger: logger}, nil
}

// ConsumeWithBindings declares queueName, binds it to exchange for every
// routing key in bindings and dispatches deliveries until ctx is done or the
// channel closes.
func (c *Consumer) ConsumeWithBindings(ctx context.Context, exchange, queueName string, bindings map[string]HandlerFunc) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	// Bound in-flight deliveries so a slow database does not pile up unacked messages.
	if err := c.ch.Qos(16, 0, false); err != nil {
		return err
	}

	handlers := make(map[string]HandlerFunc)
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					c.logger.Warn("delivery channel closed", "component", "rabbitmq_consumer", "queue", queueName)
					return
				}
				handler, found := handlers[d.RoutingKey]
				if !found {
					c.logger.Warn("no handler for routing key; acknowledging to drop", "component", "rabbitmq_consumer", "routing_key", d.RoutingKey)
					_ = d.Ack(false)
					continue
				}
				if handler(ctx, d.Body) {
					_ = d.Ack(false)
				} else {
					c.logger.Warn("handler failed; re-queuing", "component", "rabbitmq_consumer", "routing_key", d.RoutingKey)
					_ = d.Nack(false, true)
				}
			}
		}
	}()

	return nil
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
