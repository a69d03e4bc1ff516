package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"broker-dispatch/internal/logging"
)

type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// RabbitSink forwards broker events to a durable RabbitMQ queue as JSON.
type RabbitSink struct {
	conn    *amqp091.Connection
	channel amqpChannel
	queue   string
	timeout time.Duration
	log     zerolog.Logger
}

// DialRabbit connects and declares the target queue.
func DialRabbit(url, queue string) (*RabbitSink, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	sink, err := newRabbitSink(ch, queue)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	sink.conn = conn
	return sink, nil
}

func newRabbitSink(ch amqpChannel, queue string) (*RabbitSink, error) {
	if queue == "" {
		queue = "broker_dispatch_events"
	}
	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	log := logging.WithComponent("events").With().Str("queue", queue).Logger()
	log.Info().Msg("RabbitMQ connection established")
	return &RabbitSink{channel: ch, queue: queue, timeout: 5 * time.Second, log: log}, nil
}

// Send publishes one event.
func (s *RabbitSink) Send(ctx context.Context, ev *Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.channel.PublishWithContext(ctx,
		"",      // default exchange
		s.queue, // routing key = queue
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    ev.ID,
			Timestamp:    ev.Timestamp,
			Type:         string(ev.Type),
			Body:         body,
		},
	)
}

// Forward drains a broker subscription into the sink until ctx is done.
// Publish failures are logged and the event is dropped.
func (s *RabbitSink) Forward(ctx context.Context, b *Broker) {
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := s.Send(ctx, ev); err != nil {
				s.log.Error().Err(err).Str("event_type", string(ev.Type)).Msg("could not publish event")
				continue
			}
			s.log.Debug().Str("event_type", string(ev.Type)).Msg("published event")
		}
	}
}

func (s *RabbitSink) Close() error {
	if s.channel != nil {
		_ = s.channel.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
