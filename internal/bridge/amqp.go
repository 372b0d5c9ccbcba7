package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	amqpDialAttempts = 5
	amqpRetryDelay   = 2 * time.Second
)

// amqpTransport publishes envelopes to a fanout exchange. Every relay binds
// its own exclusive queue, so each instance sees every message once.
type amqpTransport struct {
	conn     *amqp.Connection
	pub      *amqp.Channel
	exchange string
	logger   *slog.Logger

	// amqp channels are not safe for concurrent publishing.
	mu sync.Mutex
}

// DialAMQP connects to url and declares exchange as a transient fanout
// exchange.
func DialAMQP(ctx context.Context, url, exchange string, logger *slog.Logger) (Transport, error) {
	conn, err := dialAMQP(ctx, url, logger)
	if err != nil {
		return nil, err
	}

	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	if err := pub.ExchangeDeclare(
		exchange,
		amqp.ExchangeFanout,
		false,
		true,
		false,
		false,
		nil,
	); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", exchange, err)
	}

	return &amqpTransport{
		conn:     conn,
		pub:      pub,
		exchange: exchange,
		logger:   logger,
	}, nil
}

func dialAMQP(ctx context.Context, url string, logger *slog.Logger) (*amqp.Connection, error) {
	var err error
	for attempt := 1; attempt <= amqpDialAttempts; attempt++ {
		var conn *amqp.Connection
		if conn, err = amqp.Dial(url); err == nil {
			logger.Info("connected to RabbitMQ")
			return conn, nil
		}

		if attempt == amqpDialAttempts {
			break
		}
		logger.Warn("failed to connect to RabbitMQ; retrying",
			"attempt", attempt,
			"delay", amqpRetryDelay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(amqpRetryDelay):
		}
	}
	return nil, fmt.Errorf("could not connect to RabbitMQ after %d attempts: %w", amqpDialAttempts, err)
}

func (t *amqpTransport) Send(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.pub.PublishWithContext(ctx,
		t.exchange,
		"",
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        payload,
		},
	)
}

func (t *amqpTransport) Receive(ctx context.Context) (<-chan []byte, error) {
	ch, err := t.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	q, err := ch.QueueDeclare(
		"",
		false,
		true,
		true,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, "", t.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("bind queue to %q: %w", t.exchange, err)
	}

	deliveries, err := ch.Consume(
		q.Name,
		"",
		true,
		true,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("register consumer: %w", err)
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer func() { _ = ch.Close() }()

		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					t.logger.Warn("amqp delivery channel closed")
					return
				}
				select {
				case out <- d.Body:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (t *amqpTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.pub.Close(); err != nil && !t.conn.IsClosed() {
		t.logger.Warn("error closing amqp channel", "error", err)
	}
	if t.conn.IsClosed() {
		return nil
	}
	return t.conn.Close()
}
