/**
 * @description
 * Broker plumbing shared by the producer and consumer: connection setup and
 * AMQP URL normalization. Everything published here flows through the durable
 * topic exchange declared by the side that touches it first.
 */
package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const dialTimeout = 10 * time.Second

// normalizeAMQPURL trims quoting and any stray prefix before the scheme, then
// validates that the result is an amqp(s) URL. Deployment tooling has shipped
// broker URLs wrapped in quotes more than once.
func normalizeAMQPURL(raw string) (string, error) {
	cleaned := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.Index(strings.ToLower(cleaned), "amqp"); idx > 0 {
		cleaned = cleaned[idx:]
	}
	parsed, err := url.Parse(cleaned)
	if err != nil {
		return "", fmt.Errorf("invalid broker url: %w", err)
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", errors.New("broker url scheme must be amqp or amqps")
	}
	return cleaned, nil
}

// dial opens a connection and channel with a bounded dial timeout so startup
// cannot hang on an unreachable broker.
func dial(amqpURL string) (*amqp.Connection, *amqp.Channel, error) {
	cleaned, err := normalizeAMQPURL(amqpURL)
	if err != nil {
		return nil, nil, err
	}
	conn, err := amqp.DialConfig(cleaned, amqp.Config{Dial: amqp.DefaultDial(dialTimeout)})
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

func declareTopicExchange(ch *amqp.Channel, exchange string) error {
	return ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
}
