package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	PublishRaw(ctx context.Context, exchange, routingKey string, body []byte) error
	Close()
}

// EventProducer publishes persistent JSON messages to topic exchanges over a
// single channel, reopening the channel once on failure.
type EventProducer struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	declared map[string]bool
}

// NewEventProducer connects to the broker and prepares a publishing channel.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	conn, ch, err := dial(amqpURL)
	if err != nil {
		return nil, err
	}
	return &EventProducer{conn: conn, channel: ch, declared: make(map[string]bool)}, nil
}

// Publish marshals body as JSON and sends it under the routing key.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return p.PublishRaw(ctx, exchange, routingKey, payload)
}

// PublishRaw sends an already-serialized payload. The outbox dispatcher uses
// this path because payloads were marshaled when the outbox row was written.
func (p *EventProducer) PublishRaw(ctx context.Context, exchange, routingKey string, body []byte) error {
	if err := p.ensureExchange(exchange); err != nil {
		return err
	}
	if err := p.send(ctx, exchange, routingKey, body); err != nil {
		// A closed channel is the usual cause; reopen once and retry.
		log.Printf("level=warn component=rabbitmq_producer msg=\"publish attempt failed; retrying on fresh channel\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		if reopenErr := p.reopenChannel(); reopenErr != nil {
			return err
		}
		if declErr := declareTopicExchange(p.channel, exchange); declErr != nil {
			return declErr
		}
		return p.send(ctx, exchange, routingKey, body)
	}
	return nil
}

func (p *EventProducer) send(ctx context.Context, exchange, routingKey string, body []byte) error {
	return p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (p *EventProducer) ensureExchange(exchange string) error {
	if p.declared[exchange] {
		return nil
	}
	if err := declareTopicExchange(p.channel, exchange); err != nil {
		if reopenErr := p.reopenChannel(); reopenErr != nil {
			return err
		}
		if err = declareTopicExchange(p.channel, exchange); err != nil {
			return err
		}
	}
	p.declared[exchange] = true
	return nil
}

func (p *EventProducer) reopenChannel() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	p.channel = ch
	p.declared = make(map[string]bool)
	return nil
}

// Close shuts the channel and connection down.
func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// ErrBrokerUnavailable is returned by EventProducerFallback so callers treat
// every publish attempt as failed and keep the payload for redelivery.
var ErrBrokerUnavailable = errors.New("message broker unavailable")

// EventProducerFallback is the Publisher wired in when the broker is
// unreachable at startup. It fails every publish, which leaves outbox rows
// pending so they are delivered once a real producer takes over.
type EventProducerFallback struct{}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"broker unavailable; event not published\" exchange=%s routing_key=%s", exchange, routingKey)
	return ErrBrokerUnavailable
}

func (p *EventProducerFallback) PublishRaw(ctx context.Context, exchange, routingKey string, body []byte) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"broker unavailable; event not published\" exchange=%s routing_key=%s", exchange, routingKey)
	return ErrBrokerUnavailable
}

func (p *EventProducerFallback) Close() {}
