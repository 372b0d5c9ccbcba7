package server_test

import (
	"testing"

	"github.com/Tyrowin/chatrelay/internal/hub"
	"github.com/Tyrowin/chatrelay/internal/server"
)

func TestStateString(t *testing.T) {
	tests := map[server.State]string{
		server.StateConnected: "connected",
		server.StateClosing:   "closing",
		server.StateClosed:    "closed",
		server.State(42):      "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int32(state), got, want)
		}
	}
}

// TestSessionSubscribesOnCreate verifies that a session holds exactly one
// subscription from creation until close.
func TestSessionSubscribesOnCreate(t *testing.T) {
	room := hub.New(8)
	s := server.NewSession(nil, room, nil, *server.NewConfig(), nil)

	if s.State() != server.StateConnected {
		t.Errorf("State() = %v, want connected", s.State())
	}
	if n := room.Subscribers(); n != 1 {
		t.Errorf("Subscribers() = %d, want 1", n)
	}

	s.Close()
	if n := room.Subscribers(); n != 0 {
		t.Errorf("Subscribers() after Close = %d, want 0", n)
	}
}

// TestSessionCloseIsIdempotent verifies repeated Close calls leave the session
// closed and release its subscription once.
func TestSessionCloseIsIdempotent(t *testing.T) {
	room := hub.New(8)
	other := room.Subscribe()
	defer other.Close()

	s := server.NewSession(nil, room, nil, *server.NewConfig(), nil)
	s.Close()
	s.Close()

	if s.State() != server.StateClosed {
		t.Errorf("State() = %v, want closed", s.State())
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done() not closed after Close")
	}
	if n := room.Subscribers(); n != 1 {
		t.Errorf("Subscribers() = %d, want 1 (only the other subscriber)", n)
	}
}

func TestSessionIDsAreUnique(t *testing.T) {
	room := hub.New(8)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		s := server.NewSession(nil, room, nil, *server.NewConfig(), nil)
		if seen[s.ID()] {
			t.Fatalf("duplicate session id %q", s.ID())
		}
		seen[s.ID()] = true
		s.Close()
	}
}
