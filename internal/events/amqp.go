package events

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPChannel is the subset of *amqp.Channel the publisher needs.
type AMQPChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher forwards outcomes to a topic exchange with routing key
// "outcome.<channel>.<disposition>", for consumers outside this service.
type AMQPPublisher struct {
	conn     *amqp.Connection
	channel  AMQPChannel
	exchange string
	logger   *zap.Logger
}

// NewAMQPPublisher dials the broker and declares a durable topic exchange.
func NewAMQPPublisher(url, exchange string, logger *zap.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	logger.Info("amqp outcome publisher connected", zap.String("exchange", exchange))

	p := NewAMQPPublisherWithChannel(ch, exchange, logger)
	p.conn = conn
	return p, nil
}

// NewAMQPPublisherWithChannel uses an already opened channel.
func NewAMQPPublisherWithChannel(ch AMQPChannel, exchange string, logger *zap.Logger) *AMQPPublisher {
	return &AMQPPublisher{channel: ch, exchange: exchange, logger: logger}
}

func (p *AMQPPublisher) Name() string { return "amqp" }

// RoutingKey is the key an outcome is published under.
func RoutingKey(o Outcome) string {
	channel := o.Channel
	if channel == "" {
		channel = o.Queue
	}
	return fmt.Sprintf("outcome.%s.%s", channel, o.Disposition)
}

func (p *AMQPPublisher) Handle(ctx context.Context, o Outcome) error {
	// Deferrals are internal scheduling noise.
	if o.Disposition == DispositionDeferred {
		return nil
	}

	body, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}

	err = p.channel.PublishWithContext(ctx,
		p.exchange,
		RoutingKey(o),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    o.JobID + ":" + o.Disposition,
			Timestamp:    o.OccurredAt,
			Type:         o.Type,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish outcome: %w", err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
