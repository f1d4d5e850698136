package rabbitmq

import (
	"errors"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer reads from a durable queue bound to a topic exchange and routes
// each delivery to the handler registered for its routing key. A handler
// returning false nacks and requeues the delivery; handlers must therefore be
// idempotent.
type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewConsumer connects to the broker.
func NewConsumer(amqpURL string) (*Consumer, error) {
	conn, ch, err := dial(amqpURL)
	if err != nil {
		return nil, err
	}
	return &Consumer{conn: conn, ch: ch}, nil
}

// ConsumeWithBindings declares the queue, binds every routing key, and starts
// a delivery loop in the background.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]func([]byte) bool) error {
	if len(bindings) == 0 {
		return errors.New("no bindings provided")
	}

	if err := declareTopicExchange(c.ch, exchange); err != nil {
		return err
	}
	queue, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]func([]byte) bool, len(bindings))
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		if err := c.ch.QueueBind(queue.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
		handlers[routingKey] = handler
	}

	// Bound the number of unacked deliveries so a slow handler cannot pull
	// the whole queue into memory.
	if err := c.ch.Qos(16, 0, false); err != nil {
		return err
	}

	deliveries, err := c.ch.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go c.dispatch(deliveries, handlers)
	return nil
}

func (c *Consumer) dispatch(deliveries <-chan amqp.Delivery, handlers map[string]func([]byte) bool) {
	for delivery := range deliveries {
		handler, ok := handlers[delivery.RoutingKey]
		if !ok {
			log.Printf("level=warn component=rabbitmq_consumer msg=\"no handler for routing key; dropping\" routing_key=%s", delivery.RoutingKey)
			delivery.Ack(false)
			continue
		}
		if handler(delivery.Body) {
			delivery.Ack(false)
			continue
		}
		log.Printf("level=warn component=rabbitmq_consumer msg=\"handler declined delivery; requeueing\" routing_key=%s", delivery.RoutingKey)
		delivery.Nack(false, true)
	}
}

// Close shuts the channel and connection down.
func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
