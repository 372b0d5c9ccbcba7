package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/chatrelay/internal/hub"
)

// Transport kinds understood by Dial.
const (
	KindAMQP  = "amqp"
	KindRedis = "redis"
)

// outboxSize bounds the messages waiting to be forwarded to the broker.
const outboxSize = 256

var (
	// ErrUnknownKind is returned by Dial for an unsupported transport kind.
	ErrUnknownKind = errors.New("bridge: unknown transport kind")
	// ErrTransportClosed is returned by Run when the broker stops delivering.
	ErrTransportClosed = errors.New("bridge: transport closed")
)

// Transport moves opaque payloads to and from a broker topic.
type Transport interface {
	// Send publishes payload to the topic.
	Send(ctx context.Context, payload []byte) error
	// Receive starts consuming the topic. The returned channel is closed when
	// ctx is done or the broker connection ends.
	Receive(ctx context.Context) (<-chan []byte, error)
	// Close releases the broker connection.
	Close() error
}

// Dial connects a transport of the given kind to topic at url.
func Dial(ctx context.Context, kind, url, topic string, logger *slog.Logger) (Transport, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	switch kind {
	case KindAMQP:
		return DialAMQP(ctx, url, topic, logger)
	case KindRedis:
		return DialRedis(ctx, url, topic, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

type envelope struct {
	Origin string `json:"origin"`
	Text   string `json:"text"`
}

// Stats counts bridge traffic.
type Stats struct {
	Sent       uint64 `json:"sent"`
	SendErrors uint64 `json:"send_errors"`
	Dropped    uint64 `json:"dropped"`
	Received   uint64 `json:"received"`
	Echoes     uint64 `json:"echoes"`
	Malformed  uint64 `json:"malformed"`
}

// Bridge mirrors a local room onto a broker topic. It implements
// hub.Publisher so sessions can publish through it.
type Bridge struct {
	room      *hub.Hub
	transport Transport
	origin    string
	outbox    chan []byte
	logger    *slog.Logger

	sent       atomic.Uint64
	sendErrors atomic.Uint64
	dropped    atomic.Uint64
	received   atomic.Uint64
	echoes     atomic.Uint64
	malformed  atomic.Uint64
}

var _ hub.Publisher = (*Bridge)(nil)

// New creates a bridge between room and t. Call Run to start forwarding.
func New(room *hub.Hub, t Transport, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	origin := uuid.NewString()

	return &Bridge{
		room:      room,
		transport: t,
		origin:    origin,
		outbox:    make(chan []byte, outboxSize),
		logger:    logger.With("component", "bridge", "origin", origin),
	}
}

// Origin returns the id stamped on envelopes sent by this bridge.
func (b *Bridge) Origin() string {
	return b.origin
}

// Publish delivers msg to the local room and queues it for the broker. The
// broker leg never blocks; a full outbox drops the message for remote rooms
// only. The return value counts local receivers.
func (b *Bridge) Publish(msg hub.Message) int {
	receivers := b.room.Publish(msg)

	payload, err := json.Marshal(envelope{Origin: b.origin, Text: string(msg)})
	if err != nil {
		b.logger.Error("error encoding envelope", "error", err)
		return receivers
	}

	select {
	case b.outbox <- payload:
	default:
		b.dropped.Add(1)
		b.logger.Warn("bridge outbox full; message not forwarded")
	}
	return receivers
}

// Run forwards traffic in both directions until ctx is done or the transport
// stops delivering.
func (b *Bridge) Run(ctx context.Context) error {
	deliveries, err := b.transport.Receive(ctx)
	if err != nil {
		return fmt.Errorf("bridge receive: %w", err)
	}

	b.logger.Info("bridge started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.sendLoop(gctx)
	})
	g.Go(func() error {
		return b.receiveLoop(gctx, deliveries)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	b.logger.Info("bridge stopped", "error", err)
	return err
}

func (b *Bridge) sendLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload := <-b.outbox:
			if err := b.transport.Send(ctx, payload); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				b.sendErrors.Add(1)
				b.logger.Warn("error forwarding message to broker", "error", err)
				continue
			}
			b.sent.Add(1)
		}
	}
}

func (b *Bridge) receiveLoop(ctx context.Context, deliveries <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrTransportClosed
			}
			b.deliver(payload)
		}
	}
}

// deliver injects one broker envelope into the local room. It publishes to
// the hub directly so the message is not forwarded again.
func (b *Bridge) deliver(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.malformed.Add(1)
		b.logger.Warn("dropping malformed envelope", "error", err)
		return
	}

	if env.Origin == b.origin {
		b.echoes.Add(1)
		return
	}

	b.received.Add(1)
	receivers := b.room.Publish(hub.Message(env.Text))
	b.logger.Debug("remote message delivered", "from", env.Origin, "receivers", receivers)
}

// Stats returns a snapshot of the bridge counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Sent:       b.sent.Load(),
		SendErrors: b.sendErrors.Load(),
		Dropped:    b.dropped.Load(),
		Received:   b.received.Load(),
		Echoes:     b.echoes.Load(),
		Malformed:  b.malformed.Load(),
	}
}

// Close releases the transport.
func (b *Bridge) Close() error {
	return b.transport.Close()
}
