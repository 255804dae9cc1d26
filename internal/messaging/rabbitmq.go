// Package messaging publishes job lifecycle events to RabbitMQ so other
// services can react to finished uploads without polling the database.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"tessra/internal/jobs"
)

const (
	JobEventsExchange = "tessra.job-events"
	publishTimeout    = 5 * time.Second
)

type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQ publishes jobs.Event messages to a fanout exchange.
type RabbitMQ struct {
	conn *amqp.Connection

	mu      sync.Mutex
	channel amqpChannel
}

func NewRabbitMQ(url string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	rmq := &RabbitMQ{
		conn:    conn,
		channel: ch,
	}

	if err := rmq.Setup(); err != nil {
		rmq.Close()
		return nil, err
	}

	return rmq, nil
}

// NewRabbitMQWithRetry keeps dialing with a doubling delay until the broker
// accepts the connection or ctx is done.
func NewRabbitMQWithRetry(ctx context.Context, url string) (*RabbitMQ, error) {
	delay := 500 * time.Millisecond
	for attempt := 1; ; attempt++ {
		rmq, err := NewRabbitMQ(url)
		if err == nil {
			return rmq, nil
		}

		slog.Warn("rabbitmq not ready, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("gave up connecting to RabbitMQ after %d attempts: %w", attempt, err)
		case <-time.After(delay):
		}
		if delay < 8*time.Second {
			delay *= 2
		}
	}
}

func (r *RabbitMQ) Setup() error {
	if err := r.channel.ExchangeDeclare(
		JobEventsExchange, // name
		"fanout",          // type
		true,              // durable
		false,             // auto-deleted
		false,             // internal
		false,             // no-wait
		nil,               // arguments
	); err != nil {
		return fmt.Errorf("failed to declare job events exchange: %w", err)
	}

	slog.Info("rabbitmq setup completed successfully")
	return nil
}

// PublishJobEvent sends ev as a persistent JSON message routed by its kind.
// Each message gets a fresh MessageId so consumers can drop redeliveries.
func (r *RabbitMQ) PublishJobEvent(ctx context.Context, ev jobs.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err = r.channel.PublishWithContext(
		ctx,
		JobEventsExchange,
		string(ev.Kind),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    uuid.NewString(),
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    ev.At,
			Type:         ev.Name,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish job event: %w", err)
	}

	slog.Debug("published job event",
		slog.Int64("job_id", ev.JobID),
		slog.String("kind", string(ev.Kind)))
	return nil
}

// Observe implements jobs.Observer.
func (r *RabbitMQ) Observe(ctx context.Context, ev jobs.Event) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return r.PublishJobEvent(ctx, ev)
}

func (r *RabbitMQ) IsClosed() bool {
	return r.conn == nil || r.conn.IsClosed()
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil && !r.conn.IsClosed() {
		return r.conn.Close()
	}
	return nil
}

var _ jobs.Observer = (*RabbitMQ)(nil)
