// Package server accepts WebSocket upgrades and starts one relay session per
// accepted connection.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatrelay/internal/hub"
)

// Acceptor upgrades requests on the relay endpoint and runs a Session for each
// accepted connection. It holds the long-lived reference to the room hub that
// every session shares.
type Acceptor struct {
	room      *hub.Hub
	publisher hub.Publisher
	cfg       Config
	upgrader  websocket.Upgrader
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closing  bool
	wg       sync.WaitGroup
}

// Option customizes an Acceptor.
type Option func(*Acceptor)

// WithLogger sets the logger used by the acceptor and its sessions.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Acceptor) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithPublisher routes inbound messages through p instead of publishing
// directly to the hub. The bridge uses this to mirror the room elsewhere.
func WithPublisher(p hub.Publisher) Option {
	return func(a *Acceptor) {
		if p != nil {
			a.publisher = p
		}
	}
}

// NewAcceptor creates an acceptor for room. cfg is sanitized on a copy.
func NewAcceptor(room *hub.Hub, cfg Config, opts ...Option) *Acceptor {
	cfg.Sanitize()

	a := &Acceptor{
		room:      room,
		publisher: room,
		cfg:       cfg,
		logger:    discardLogger(),
		sessions:  make(map[*Session]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	origins := newOriginPolicy(cfg.AllowedOrigins, a.logger)
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     origins.check,
	}
	return a
}

// Hub returns the shared room hub.
func (a *Acceptor) Hub() *hub.Hub {
	return a.room
}

// Publisher returns the publisher sessions use for inbound messages.
func (a *Acceptor) Publisher() hub.Publisher {
	return a.publisher
}

// ActiveSessions returns the number of sessions that have not finished yet.
func (a *Acceptor) ActiveSessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// ServeHTTP handles WebSocket upgrade requests. It validates that the request
// uses the GET method, upgrades the connection and starts a Session for it.
// A failed handshake is answered by the upgrader with an HTTP error and never
// reaches the hub.
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	if a.isClosing() {
		http.Error(w, "Relay is shutting down.", http.StatusServiceUnavailable)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Info("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	session := NewSession(conn, a.room, a.publisher, a.cfg, a.logger)
	if !a.track(session) {
		session.Close()
		return
	}

	go func() {
		defer a.untrack(session)
		session.Run()
	}()
}

func (a *Acceptor) isClosing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closing
}

func (a *Acceptor) track(s *Session) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closing {
		return false
	}
	a.sessions[s] = struct{}{}
	a.wg.Add(1)
	a.logger.Debug("session registered", "session", s.ID(), "active", len(a.sessions))
	return true
}

func (a *Acceptor) untrack(s *Session) {
	a.mu.Lock()
	delete(a.sessions, s)
	active := len(a.sessions)
	a.mu.Unlock()

	a.wg.Done()
	a.logger.Debug("session unregistered", "session", s.ID(), "active", active)
}

// Shutdown stops accepting connections, closes the hub so every session sends
// a close frame and exits, and waits for them up to timeout. Sessions still
// running after the timeout are closed forcibly and context.DeadlineExceeded
// is returned.
func (a *Acceptor) Shutdown(timeout time.Duration) error {
	a.mu.Lock()
	alreadyClosing := a.closing
	a.closing = true
	a.mu.Unlock()

	if !alreadyClosing {
		a.logger.Info("shutting down relay sessions", "active", a.ActiveSessions())
	}
	a.room.Close()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("relay shutdown completed")
		return nil
	case <-time.After(timeout):
	}

	a.mu.Lock()
	remaining := make([]*Session, 0, len(a.sessions))
	for s := range a.sessions {
		remaining = append(remaining, s)
	}
	a.mu.Unlock()

	for _, s := range remaining {
		s.Close()
	}
	a.logger.Warn("relay shutdown timed out; closed remaining sessions", "closed", len(remaining))
	return context.DeadlineExceeded
}
