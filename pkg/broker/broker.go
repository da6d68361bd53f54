// Package broker wraps the AMQP message broker and the result store. Task
// routing is by queue name: each queue binds to a direct exchange of the
// same name with the queue name as routing key.
package broker

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuemby/crucible/pkg/log"
)

// DefaultQueue is the sentinel queue declared alongside the full set.
const DefaultQueue = "default"

// Broker is a connection to the AMQP broker, created once at startup and
// multiplexed by the process.
type Broker struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Connect dials the broker and opens the shared channel.
func Connect(url string) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open broker channel: %w", err)
	}
	return &Broker{conn: conn, ch: ch}, nil
}

// Close releases the channel and connection.
func (b *Broker) Close() error {
	if b.ch != nil {
		b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

// DeclareQueue declares one durable queue plus its direct exchange and
// binding. Queue name, exchange name and routing key are all equal.
func (b *Broker) DeclareQueue(name string) error {
	if err := b.ch.ExchangeDeclare(name, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", name, err)
	}
	if _, err := b.ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	if err := b.ch.QueueBind(name, name, name, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", name, err)
	}
	return nil
}

// DeclareQueues declares the complete queue set.
func (b *Broker) DeclareQueues(names []string) error {
	for _, name := range names {
		if err := b.DeclareQueue(name); err != nil {
			return err
		}
	}
	logger := log.WithComponent("broker")
	logger.Info().Int("queues", len(names)).Msg("queues declared")
	return nil
}

// Publish sends a persistent JSON message onto the named queue.
func (b *Broker) Publish(ctx context.Context, queue string, body []byte) error {
	err := b.ch.PublishWithContext(ctx, queue, queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return nil
}

// Consume opens a delivery stream on the named queue. Prefetch is capped
// so a worker never hoards tasks; acknowledgements are manual.
func (b *Broker) Consume(queue string, prefetch int) (<-chan amqp.Delivery, error) {
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := b.ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set prefetch on %s: %w", queue, err)
	}
	deliveries, err := b.ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume from %s: %w", queue, err)
	}
	return deliveries, nil
}
