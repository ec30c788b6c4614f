package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// EventPublisher publishes notifications as access.* events on a topic exchange
// for the rest of the platform (email, analytics). Disabled when the URI is empty.
type EventPublisher struct {
	conn         *amqp091.Connection
	channel      *amqp091.Channel
	exchangeName string
	enabled      bool
	logger       *zap.Logger
	mu           sync.Mutex // amqp channel не потокобезопасен для publish
}

func NewEventPublisher(rabbitURI, exchangeName string, logger *zap.Logger) (*EventPublisher, error) {
	if rabbitURI == "" {
		logger.Warn("RabbitMQ URI is empty, event publishing is disabled")
		return &EventPublisher{enabled: false, logger: logger}, nil
	}

	conn, err := amqp091.Dial(rabbitURI)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		exchangeName, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &EventPublisher{
		conn:         conn,
		channel:      channel,
		exchangeName: exchangeName,
		enabled:      true,
		logger:       logger,
	}, nil
}

func (p *EventPublisher) Name() string { return "amqp" }

// RoutingKey is access.<kind>.<recipient>
func RoutingKey(n Notification) string {
	return fmt.Sprintf("access.%s.%s", n.Kind, n.Recipient)
}

func (p *EventPublisher) Send(ctx context.Context, n Notification) error {
	if !p.enabled {
		return nil
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(
		ctx,
		p.exchangeName, // exchange
		RoutingKey(n),  // routing key
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	p.logger.Debug("Published event", zap.String("routing_key", RoutingKey(n)))
	return nil
}

func (p *EventPublisher) Close() error {
	if !p.enabled {
		return nil
	}

	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.logger.Warn("Error closing RabbitMQ channel", zap.Error(err))
		}
	}

	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			return fmt.Errorf("close rabbitmq connection: %w", err)
		}
	}

	return nil
}
