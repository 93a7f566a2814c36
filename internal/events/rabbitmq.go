package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig holds AMQP publisher configuration
type RabbitMQConfig struct {
	URL              string // RabbitMQ connection URL
	Exchange         string // Topic exchange name
	RoutingKeyPrefix string // Prefix joined to the event type (e.g. segmentation.session.created)
	Queue            string // Optional queue bound to prefix.# (empty: publish only)
}

// RabbitMQPublisher publishes events as persistent JSON messages to a topic exchange
type RabbitMQPublisher struct {
	config RabbitMQConfig

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewRabbitMQPublisher dials the broker and declares the exchange
func NewRabbitMQPublisher(config RabbitMQConfig) (*RabbitMQPublisher, error) {
	conn, err := amqp.Dial(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		config.Exchange, // name
		"topic",         // type
		true,            // durable
		false,           // auto-deleted
		false,           // internal
		false,           // no-wait
		nil,             // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", config.Exchange, err)
	}

	if config.Queue != "" {
		if err := declareAndBind(ch, config); err != nil {
			ch.Close()
			conn.Close()
			return nil, err
		}
	}

	slog.Info("rabbitmq publisher initialized",
		"exchange", config.Exchange, "queue", config.Queue, "routing_key_prefix", config.RoutingKeyPrefix)

	return &RabbitMQPublisher{config: config, conn: conn, ch: ch}, nil
}

func declareAndBind(ch *amqp.Channel, config RabbitMQConfig) error {
	_, err := ch.QueueDeclare(
		config.Queue, // name
		true,         // durable
		false,        // delete when unused
		false,        // exclusive
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", config.Queue, err)
	}

	bindingKey := routingKey(config.RoutingKeyPrefix, "#")
	err = ch.QueueBind(
		config.Queue,    // queue name
		bindingKey,      // routing key
		config.Exchange, // exchange
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", config.Queue, err)
	}
	return nil
}

func routingKey(prefix, suffix string) string {
	if prefix == "" {
		return suffix
	}
	return prefix + "." + suffix
}

// Publish sends one event
func (p *RabbitMQPublisher) Publish(ctx context.Context, event Event) error {
	body, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	key := routingKey(p.config.RoutingKeyPrefix, string(event.Type))

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.ch.PublishWithContext(ctx,
		p.config.Exchange, // exchange
		key,               // routing key
		false,             // mandatory
		false,             // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.Timestamp,
			MessageId:    event.SessionID + ":" + string(event.Type),
		},
	)
}

// Close closes the channel and connection
func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
