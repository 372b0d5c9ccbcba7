package server_test

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatrelay/internal/hub"
	"github.com/Tyrowin/chatrelay/internal/server"
	"github.com/Tyrowin/chatrelay/internal/testhelpers"
)

type testRelay struct {
	acceptor *server.Acceptor
	room     *hub.Hub
	server   *httptest.Server
	wsURL    string
}

func startTestRelay(t *testing.T, mutate func(*server.Config), opts ...server.Option) *testRelay {
	t.Helper()

	cfg := server.NewConfig()
	if mutate != nil {
		mutate(cfg)
	}

	room := hub.New(cfg.HubCapacity)
	a := server.NewAcceptor(room, *cfg, opts...)
	ts := testhelpers.CreateTestServer(server.SetupRoutes(a))

	t.Cleanup(func() {
		_ = a.Shutdown(2 * time.Second)
		ts.Close()
	})

	return &testRelay{
		acceptor: a,
		room:     room,
		server:   ts,
		wsURL:    testhelpers.WebSocketURL(ts.URL, "/ws"),
	}
}

// connect dials n clients and waits until each has a subscription.
func (r *testRelay) connect(t *testing.T, n int) []*websocket.Conn {
	t.Helper()

	before := r.room.Subscribers()
	conns := make([]*websocket.Conn, n)
	for i := range conns {
		conns[i] = testhelpers.MustConnect(t, r.wsURL)
	}
	testhelpers.WaitFor(t, "sessions to subscribe", func() bool {
		return r.room.Subscribers() == before+n
	})
	return conns
}

// TestTwoClientsReceiveBroadcast covers the basic relay scenario: a message
// sent by one client reaches every client, the sender included.
func TestTwoClientsReceiveBroadcast(t *testing.T) {
	relay := startTestRelay(t, nil)
	conns := relay.connect(t, 2)
	a, b := conns[0], conns[1]

	if err := testhelpers.SendText(a, "hello"); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	testhelpers.ExpectText(t, a, "hello")
	testhelpers.ExpectText(t, b, "hello")
}

// TestMessagesArriveInPublishOrder verifies one publisher's messages keep
// their order at every receiver.
func TestMessagesArriveInPublishOrder(t *testing.T) {
	relay := startTestRelay(t, nil)
	conns := relay.connect(t, 3)

	const count = 50
	for i := 0; i < count; i++ {
		if err := testhelpers.SendText(conns[0], "msg-"+strconv.Itoa(i)); err != nil {
			t.Fatalf("Failed to send: %v", err)
		}
	}

	for _, conn := range conns {
		for i := 0; i < count; i++ {
			testhelpers.ExpectText(t, conn, "msg-"+strconv.Itoa(i))
		}
	}
}

// TestDisconnectIsolation verifies that one client going away does not affect
// the others.
func TestDisconnectIsolation(t *testing.T) {
	relay := startTestRelay(t, nil)
	conns := relay.connect(t, 3)

	// Drop the third client without a close handshake.
	_ = conns[2].Close()
	testhelpers.WaitFor(t, "dropped session to unsubscribe", func() bool {
		return relay.room.Subscribers() == 2
	})

	if err := testhelpers.SendText(conns[0], "still here"); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	testhelpers.ExpectText(t, conns[0], "still here")
	testhelpers.ExpectText(t, conns[1], "still here")

	testhelpers.WaitFor(t, "session to be untracked", func() bool {
		return relay.acceptor.ActiveSessions() == 2
	})
}

// TestGracefulClientClose verifies a client close frame ends only that
// session.
func TestGracefulClientClose(t *testing.T) {
	relay := startTestRelay(t, nil)
	conns := relay.connect(t, 2)

	if err := testhelpers.CloseWebSocket(conns[1]); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}
	testhelpers.WaitFor(t, "closed session to unsubscribe", func() bool {
		return relay.room.Subscribers() == 1
	})

	if err := testhelpers.SendText(conns[0], "alone"); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	testhelpers.ExpectText(t, conns[0], "alone")
}

// TestNonTextFramesAreIgnored verifies binary frames are dropped while the
// session keeps relaying text.
func TestNonTextFramesAreIgnored(t *testing.T) {
	relay := startTestRelay(t, nil)
	conns := relay.connect(t, 2)

	if err := testhelpers.SendRawMessage(conns[0], websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("Failed to send binary: %v", err)
	}
	if err := testhelpers.SendText(conns[0], "after binary"); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	testhelpers.ExpectText(t, conns[1], "after binary")
	if got := relay.room.Stats().Published; got != 1 {
		t.Errorf("Published = %d, want 1", got)
	}
}

// TestOversizedMessageClosesOnlySender verifies the read limit ends the
// offending session and leaves the rest of the room intact.
func TestOversizedMessageClosesOnlySender(t *testing.T) {
	relay := startTestRelay(t, func(c *server.Config) { c.MaxMessageSize = 32 })
	conns := relay.connect(t, 2)

	if err := testhelpers.SendText(conns[0], strings.Repeat("x", 128)); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	if _, err := testhelpers.ReceiveText(conns[0], testhelpers.DefaultTimeout); err == nil {
		t.Fatal("expected the oversized sender to be disconnected")
	}
	testhelpers.WaitFor(t, "sender session to end", func() bool {
		return relay.room.Subscribers() == 1
	})

	if err := testhelpers.SendText(conns[1], "ok"); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	testhelpers.ExpectText(t, conns[1], "ok")
	if got := relay.room.Stats().Published; got != 1 {
		t.Errorf("Published = %d, want 1 (oversized message must not be relayed)", got)
	}
}

// TestOriginEnforcement verifies rejected handshakes never reach the hub.
func TestOriginEnforcement(t *testing.T) {
	relay := startTestRelay(t, func(c *server.Config) {
		c.AllowedOrigins = []string{"http://allowed.example"}
	})

	tests := []struct {
		name   string
		origin string
		ok     bool
	}{
		{"allowed origin", "http://allowed.example", true},
		{"allowed origin different case", "HTTP://Allowed.Example", true},
		{"disallowed origin", "http://evil.example", false},
		{"missing origin", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := testhelpers.DialWebSocket(relay.wsURL, tt.origin)
			if tt.ok {
				if err != nil {
					t.Fatalf("expected connection to succeed: %v", err)
				}
				_ = conn.Close()
				return
			}

			if err == nil {
				_ = conn.Close()
				t.Fatal("expected connection to be rejected")
			}
			if resp == nil || resp.StatusCode != http.StatusForbidden {
				t.Errorf("expected status %d, got %v", http.StatusForbidden, resp)
			}
		})
	}

	// Only the accepted dials may have created sessions, and they are gone.
	testhelpers.WaitFor(t, "accepted sessions to end", func() bool {
		return relay.room.Subscribers() == 0
	})
}

// TestHTTPPublishReachesClients verifies POST /publish injects into the room.
func TestHTTPPublishReachesClients(t *testing.T) {
	relay := startTestRelay(t, nil)
	conns := relay.connect(t, 1)

	resp := testhelpers.MakeRequest(t, http.MethodPost, relay.server.URL+"/publish", strings.NewReader("from http"))
	testhelpers.AssertStatusCode(t, resp, http.StatusAccepted)
	testhelpers.AssertContentType(t, resp, "application/json")

	var body server.PublishResponse
	if err := json.Unmarshal([]byte(testhelpers.ReadBody(t, resp)), &body); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if body.Receivers != 1 {
		t.Errorf("receivers = %d, want 1", body.Receivers)
	}

	testhelpers.ExpectText(t, conns[0], "from http")
}

// TestStatsEndpoint verifies /stats reflects live sessions.
func TestStatsEndpoint(t *testing.T) {
	relay := startTestRelay(t, nil)
	relay.connect(t, 2)

	testhelpers.WaitFor(t, "sessions to be tracked", func() bool {
		return relay.acceptor.ActiveSessions() == 2
	})

	resp := testhelpers.MakeRequest(t, http.MethodGet, relay.server.URL+"/stats", nil)
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)

	var stats server.StatsResponse
	if err := json.Unmarshal([]byte(testhelpers.ReadBody(t, resp)), &stats); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if stats.Subscribers != 2 || stats.ActiveSessions != 2 || stats.Capacity != hub.DefaultCapacity {
		t.Errorf("unexpected stats %+v", stats)
	}
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []hub.Message
}

func (p *recordingPublisher) Publish(msg hub.Message) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return 0
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

// TestSessionsPublishThroughPublisher verifies inbound frames go to the
// configured publisher rather than straight to the hub.
func TestSessionsPublishThroughPublisher(t *testing.T) {
	pub := &recordingPublisher{}
	relay := startTestRelay(t, nil, server.WithPublisher(pub))
	if relay.acceptor.Publisher() != pub {
		t.Fatal("Publisher() does not return the configured publisher")
	}
	conns := relay.connect(t, 1)

	if err := testhelpers.SendText(conns[0], "routed"); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	testhelpers.WaitFor(t, "publisher to see the message", func() bool {
		return pub.count() == 1
	})
	if got := relay.room.Stats().Published; got != 0 {
		t.Errorf("hub Published = %d, want 0", got)
	}
}

// TestRateLimitDropsExcessMessages verifies the per-session token bucket.
func TestRateLimitDropsExcessMessages(t *testing.T) {
	relay := startTestRelay(t, func(c *server.Config) {
		c.RateLimit = server.RateLimitConfig{Burst: 2, RefillInterval: time.Hour}
	})
	conns := relay.connect(t, 2)

	for i := 0; i < 5; i++ {
		if err := testhelpers.SendText(conns[0], "burst-"+strconv.Itoa(i)); err != nil {
			t.Fatalf("Failed to send: %v", err)
		}
	}

	testhelpers.ExpectText(t, conns[1], "burst-0")
	testhelpers.ExpectText(t, conns[1], "burst-1")
	testhelpers.ExpectNoMessage(t, conns[1], 200*time.Millisecond)
}

// TestKeepalivePings verifies the writer sends pings when enabled.
func TestKeepalivePings(t *testing.T) {
	relay := startTestRelay(t, func(c *server.Config) { c.PingInterval = 450 * time.Millisecond })
	conn := relay.connect(t, 1)[0]

	var pings atomic.Int32
	conn.SetPingHandler(func(data string) error {
		pings.Add(1)
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	// Control frames are handled while reading.
	_ = conn.SetReadDeadline(time.Now().Add(1200 * time.Millisecond))
	_, _, _ = conn.ReadMessage()

	if pings.Load() < 2 {
		t.Errorf("received %d pings, want at least 2", pings.Load())
	}
}

// TestWriterStopsAfterClientHalfClose verifies that once the client's side of
// the connection ends, the writer does not keep draining the backlog into it.
func TestWriterStopsAfterClientHalfClose(t *testing.T) {
	const backlog = 200
	relay := startTestRelay(t, func(c *server.Config) { c.HubCapacity = backlog + 100 })
	conn := relay.connect(t, 1)[0]

	// Nothing is read until the write side is shut, so the writer blocks
	// on a full socket buffer.
	big := strings.Repeat("x", 256<<10)
	for i := 0; i < backlog; i++ {
		relay.room.Publish(hub.Message(big))
	}

	tcp, ok := conn.UnderlyingConn().(*net.TCPConn)
	if !ok {
		t.Fatalf("underlying connection is %T, want *net.TCPConn", conn.UnderlyingConn())
	}
	if err := tcp.CloseWrite(); err != nil {
		t.Fatalf("Failed to half-close: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	received := 0
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		received++
	}

	if received >= backlog {
		t.Errorf("received %d frames after half-close, want fewer than %d", received, backlog)
	}
	testhelpers.WaitFor(t, "session to unsubscribe", func() bool {
		return relay.room.Subscribers() == 0
	})
}

// TestSessionRecoversFromLag verifies that a stalled client skips the
// messages it missed and then resumes with the newest one, without any extra
// frame standing in for the gap.
func TestSessionRecoversFromLag(t *testing.T) {
	relay := startTestRelay(t, func(c *server.Config) { c.HubCapacity = 1 })
	conn := relay.connect(t, 1)[0]

	big := strings.Repeat("y", 256<<10)
	for i := 0; i < 200; i++ {
		relay.room.Publish(hub.Message(big))
	}
	relay.room.Publish("fresh")

	for {
		text, err := testhelpers.ReceiveText(conn, 5*time.Second)
		if err != nil {
			t.Fatalf("Failed to receive: %v", err)
		}
		if text == "fresh" {
			break
		}
		if text != big {
			t.Fatalf("unexpected frame of %d bytes", len(text))
		}
	}

	if lag := relay.room.Stats().LagEvents; lag == 0 {
		t.Error("LagEvents = 0, want the stalled session to have lagged")
	}

	// The session is still live after skipping ahead.
	if err := testhelpers.SendText(conn, "after lag"); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	testhelpers.ExpectText(t, conn, "after lag")
}

// TestShutdownSendsCloseFrames verifies that closing the relay closes every
// session with a going-away close frame and rejects new upgrades.
func TestShutdownSendsCloseFrames(t *testing.T) {
	relay := startTestRelay(t, nil)
	conns := relay.connect(t, 3)

	if err := relay.acceptor.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	for i, conn := range conns {
		_, err := testhelpers.ReceiveText(conn, testhelpers.DefaultTimeout)
		if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
			t.Errorf("client %d: expected going-away close, got %v", i, err)
		}
	}

	if n := relay.acceptor.ActiveSessions(); n != 0 {
		t.Errorf("ActiveSessions() = %d after shutdown", n)
	}
	if n := relay.room.Subscribers(); n != 0 {
		t.Errorf("Subscribers() = %d after shutdown", n)
	}

	_, resp, err := testhelpers.DialWebSocket(relay.wsURL, testhelpers.TestOrigin)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Errorf("expected handshake to fail after shutdown, got %v", err)
	}
	if resp != nil && resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}

	// A second shutdown is a no-op.
	if err := relay.acceptor.Shutdown(time.Second); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

// TestShutdownDeliversPendingMessages verifies messages published before the
// hub closed still reach clients ahead of the close frame.
func TestShutdownDeliversPendingMessages(t *testing.T) {
	relay := startTestRelay(t, nil)
	conn := relay.connect(t, 1)[0]

	relay.room.Publish("last words")
	if err := relay.acceptor.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	testhelpers.ExpectText(t, conn, "last words")
	if _, err := testhelpers.ReceiveText(conn, testhelpers.DefaultTimeout); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("expected going-away close, got %v", err)
	}
}

// TestStartAndShutdownServer verifies the HTTP lifecycle helpers.
func TestStartAndShutdownServer(t *testing.T) {
	srv := server.CreateServer("127.0.0.1:0", http.NotFoundHandler())
	if srv.ReadTimeout != 15*time.Second || srv.IdleTimeout != 60*time.Second {
		t.Errorf("unexpected timeouts: read %v idle %v", srv.ReadTimeout, srv.IdleTimeout)
	}

	done := make(chan error, 1)
	go func() {
		done <- server.StartServer(srv, nil)
	}()
	time.Sleep(50 * time.Millisecond)

	if err := server.ShutdownServer(srv, time.Second, nil); err != nil {
		t.Fatalf("ShutdownServer() error = %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("StartServer() error = %v, want nil after shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StartServer did not return after shutdown")
	}
}

// TestConcurrentClients verifies that many clients publishing at once all see
// every message.
func TestConcurrentClients(t *testing.T) {
	relay := startTestRelay(t, nil)

	const numClients = 10
	conns := relay.connect(t, numClients)

	var wg sync.WaitGroup
	for i, conn := range conns {
		wg.Add(1)
		go func(i int, conn *websocket.Conn) {
			defer wg.Done()
			if err := testhelpers.SendText(conn, "client-"+strconv.Itoa(i)); err != nil {
				t.Errorf("client %d failed to send: %v", i, err)
			}
		}(i, conn)
	}
	wg.Wait()

	for i, conn := range conns {
		seen := make(map[string]bool)
		for j := 0; j < numClients; j++ {
			msg, err := testhelpers.ReceiveText(conn, testhelpers.DefaultTimeout)
			if err != nil {
				t.Fatalf("client %d: receive %d failed: %v", i, j, err)
			}
			seen[msg] = true
		}
		if len(seen) != numClients {
			t.Errorf("client %d saw %d distinct messages, want %d", i, len(seen), numClients)
		}
	}
}

// TestConcurrentShutdown verifies Shutdown may be called from several
// goroutines at once.
func TestConcurrentShutdown(t *testing.T) {
	relay := startTestRelay(t, nil)
	relay.connect(t, 2)

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- relay.acceptor.Shutdown(2 * time.Second)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	}
}

// TestShutdownWithoutClients verifies an idle relay shuts down immediately.
func TestShutdownWithoutClients(t *testing.T) {
	relay := startTestRelay(t, nil)

	start := time.Now()
	if err := relay.acceptor.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("idle shutdown took too long")
	}
}
