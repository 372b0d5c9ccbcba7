// Package server manages individual relay sessions, duplexing one WebSocket
// connection against one hub subscription until either side goes away.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatrelay/internal/hub"
)

// Session binds one WebSocket connection to one hub subscription.
//
// The reader goroutine publishes inbound text frames; the writer loop, which
// runs on the goroutine that called Run, is the only code that writes data
// frames to the connection. Whichever side fails first moves the session to
// StateClosing, and Close finishes the transition to StateClosed.
type Session struct {
	id        string
	conn      *websocket.Conn
	sub       *hub.Subscription
	publisher hub.Publisher
	addr      string
	logger    *slog.Logger

	maxMessageSize int64
	writeTimeout   time.Duration
	pingInterval   time.Duration
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig

	state     atomic.Int32
	closeOnce sync.Once
	done      chan struct{}
}

// NewSession subscribes to room and returns a session for conn. Inbound
// messages go to publisher, or straight to room when publisher is nil.
func NewSession(conn *websocket.Conn, room *hub.Hub, publisher hub.Publisher, cfg Config, logger *slog.Logger) *Session {
	if publisher == nil {
		publisher = room
	}
	if logger == nil {
		logger = discardLogger()
	}

	id := uuid.NewString()
	addr := ""
	if conn != nil {
		addr = conn.RemoteAddr().String()
	}

	s := &Session{
		id:             id,
		conn:           conn,
		sub:            room.Subscribe(),
		publisher:      publisher,
		addr:           addr,
		logger:         logger.With("session", id, "remote", addr),
		maxMessageSize: cfg.MaxMessageSize,
		writeTimeout:   cfg.WriteTimeout,
		pingInterval:   cfg.PingInterval,
		rateLimiter:    newRateLimiter(cfg.RateLimit),
		rateLimit:      cfg.RateLimit,
		done:           make(chan struct{}),
	}
	s.state.Store(int32(StateConnected))
	return s
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed once the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run relays frames until the connection or the hub closes. It always leaves
// the session in StateClosed.
func (s *Session) Run() {
	s.logger.Info("session connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.readPump()
		// The inbound side has ended; nothing more may be written.
		s.state.CompareAndSwap(int32(StateConnected), int32(StateClosing))
		cancel()
	}()

	s.writePump(ctx)

	s.Close()
	<-readDone

	s.logger.Info("session closed")
}

// Close tears the session down. It is idempotent and safe to call from any
// goroutine; a running Run notices and returns.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		s.closeConnection()
		s.sub.Close()
		s.state.Store(int32(StateClosed))
		close(s.done)
	})
}

// setupReadConnection applies the read limit and, when keepalive is enabled,
// the read deadline refreshed by pongs.
func (s *Session) setupReadConnection() {
	s.conn.SetReadLimit(s.maxMessageSize)

	if s.pingInterval <= 0 {
		return
	}

	pongWait := (s.pingInterval * 10) / 9
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.logger.Warn("error setting initial read deadline", "error", err)
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func (s *Session) readPump() {
	s.setupReadConnection()

	for {
		messageType, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}

		if messageType != websocket.TextMessage {
			s.logger.Debug("ignoring non-text frame", "type", messageType)
			continue
		}

		if !s.checkRateLimit() {
			continue
		}

		s.processMessage(payload)
	}
}

// handleReadError logs the reason the inbound side ended at a level that
// matches how surprising it is.
func (s *Session) handleReadError(err error) {
	if s.State() != StateConnected {
		return
	}

	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.logger.Warn("message exceeded maximum size", "limit", s.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		s.logger.Info("client disconnected", "reason", err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), isExpectedCloseError(err):
		s.logger.Info("connection closed", "reason", err)
	case websocket.IsUnexpectedCloseError(err, websocket.CloseAbnormalClosure):
		s.logger.Warn("unexpected websocket close", "error", err)
	default:
		s.logger.Warn("websocket read error", "error", err)
	}
}

// checkRateLimit reports whether the next inbound message may be relayed.
func (s *Session) checkRateLimit() bool {
	if s.rateLimiter.allow() {
		return true
	}
	s.logger.Warn("rate limit exceeded; discarding message",
		"burst", s.rateLimit.Burst,
		"interval", s.rateLimit.RefillInterval,
	)
	return false
}

func (s *Session) processMessage(payload []byte) {
	if s.State() != StateConnected {
		return
	}

	receivers := s.publisher.Publish(hub.Message(payload))
	if receivers == 0 {
		s.logger.Debug("message published to an empty room", "bytes", len(payload))
		return
	}
	s.logger.Debug("message relayed", "bytes", len(payload), "receivers", receivers)
}

func (s *Session) writePump(ctx context.Context) {
	var pings <-chan time.Time
	if s.pingInterval > 0 {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}

	for s.processWriteEvent(ctx, pings) {
	}
}

// processWriteEvent handles one outbound event and returns false when the
// pump should stop.
func (s *Session) processWriteEvent(ctx context.Context, pings <-chan time.Time) bool {
	if ctx.Err() != nil || s.State() != StateConnected {
		return false
	}

	ready := s.sub.Ready()
	msg, err := s.sub.TryRecv()

	switch {
	case err == nil:
		return s.writeTextMessage(msg)
	case errors.Is(err, hub.ErrClosed):
		return s.writeCloseMessage(websocket.CloseGoingAway, "relay shutting down")
	case errors.Is(err, hub.ErrEmpty):
	default:
		if skipped, ok := hub.IsLagged(err); ok {
			s.logger.Warn("session fell behind the room; skipping ahead", "skipped", skipped)
			return true
		}
		s.logger.Error("unexpected subscription error", "error", err)
		return false
	}

	select {
	case <-ready:
		return true
	case <-pings:
		return s.handlePing()
	case <-ctx.Done():
		return false
	}
}

// closeConnection closes the WebSocket connection, only logging unexpected errors.
func (s *Session) closeConnection() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
		s.logger.Warn("error closing connection", "error", err)
	}
}

func (s *Session) setWriteDeadline() bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		s.logger.Warn("error setting write deadline", "error", err)
		return false
	}
	return true
}

// writeTextMessage writes one chat message as one text frame.
func (s *Session) writeTextMessage(msg hub.Message) bool {
	if s.State() != StateConnected || !s.setWriteDeadline() {
		return false
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		if !isExpectedCloseError(err) {
			s.logger.Warn("error writing message", "error", err)
		}
		return false
	}
	return true
}

// writeCloseMessage sends a close frame; the session always stops afterwards.
func (s *Session) writeCloseMessage(code int, text string) bool {
	if s.State() != StateConnected || !s.setWriteDeadline() {
		return false
	}
	err := s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
	if err != nil && !isExpectedCloseError(err) {
		s.logger.Warn("error writing close message", "error", err)
	}
	return false
}

// handlePing sends a ping message to keep the connection alive
func (s *Session) handlePing() bool {
	if s.State() != StateConnected || !s.setWriteDeadline() {
		return false
	}
	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		s.logger.Warn("error writing ping", "error", err)
		return false
	}
	return true
}
