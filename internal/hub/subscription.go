package hub

import (
	"context"
	"errors"
	"sync"
)

// Subscription is one reader's cursor into a Hub. A Subscription must be used
// by a single goroutine at a time, except for Close which may be called from
// anywhere.
type Subscription struct {
	hub  *Hub
	next uint64 // guarded by hub.mu

	released bool // guarded by hub.mu
	done     chan struct{}
	once     sync.Once
}

// TryRecv returns the next message without waiting. It returns ErrEmpty when
// nothing is pending, a *LaggedError when messages were overwritten before
// they could be read, and ErrClosed once the subscription or the hub is
// closed and nothing is left to read.
func (s *Subscription) TryRecv() (Message, error) {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if s.released {
		return "", ErrClosed
	}

	if tail := h.tailLocked(); s.next < tail {
		skipped := tail - s.next
		s.next = tail
		h.lagEvents++
		h.skipped += skipped
		return "", &LaggedError{Skipped: skipped}
	}

	if s.next < h.head {
		msg := h.ring[s.next%h.capacity]
		s.next++
		return msg, nil
	}

	if h.closed {
		return "", ErrClosed
	}
	return "", ErrEmpty
}

// Ready returns a channel that is closed once TryRecv may have something new
// to report. Take the channel before calling TryRecv so that a publish landing
// in between is not missed. Closing the subscription itself does not close the
// returned channel.
func (s *Subscription) Ready() <-chan struct{} {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if s.released || h.closed || s.next < h.head {
		return closedChan
	}
	return h.notify
}

// Recv blocks until a message, a lag signal or closure is available, or until
// ctx is done.
func (s *Subscription) Recv(ctx context.Context) (Message, error) {
	for {
		ready := s.Ready()
		msg, err := s.TryRecv()
		if !errors.Is(err, ErrEmpty) {
			return msg, err
		}

		select {
		case <-ready:
		case <-s.done:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Pending returns how many retained messages are waiting for this subscriber,
// not counting any that have already been overwritten.
func (s *Subscription) Pending() int {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	next := s.next
	if tail := h.tailLocked(); next < tail {
		next = tail
	}
	return int(h.head - next)
}

// Close releases the subscription. It is safe to call more than once and
// concurrently with Recv.
func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		s.released = true
		h.subscribers--
		h.mu.Unlock()
		close(s.done)
	})
}
