package hub

import "sync"

// DefaultCapacity is the number of messages retained when New is given a
// non-positive capacity.
const DefaultCapacity = 1000

// Message is one chat message. The relay never looks inside it.
type Message string

// Publisher is the write side of a room. *Hub implements it, and so does the
// bridge that mirrors a room across relay instances.
type Publisher interface {
	// Publish offers msg to every current subscriber and returns how many
	// subscribers it was offered to.
	Publish(msg Message) int
}

// Stats is a point-in-time snapshot of hub counters.
type Stats struct {
	Subscribers        int    `json:"subscribers"`
	Capacity           int    `json:"capacity"`
	Buffered           int    `json:"buffered"`
	Published          uint64 `json:"published"`
	EmptyRoomPublishes uint64 `json:"empty_room_publishes"`
	LagEvents          uint64 `json:"lag_events"`
	Skipped            uint64 `json:"skipped"`
}

// Hub is a bounded fan-out channel shared by every session in a room.
// All of its state is guarded by one mutex; publishers and readers only ever
// hold it for a constant amount of work.
type Hub struct {
	mu       sync.Mutex
	ring     []Message
	capacity uint64

	// head is the sequence number the next published message receives.
	head uint64

	// notify is closed and replaced on every publish so that waiting
	// subscribers wake up without the publisher knowing who they are.
	notify chan struct{}

	subscribers int
	closed      bool

	published uint64
	emptyRoom uint64
	lagEvents uint64
	skipped   uint64
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// New creates a hub retaining at most capacity messages.
func New(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		ring:     make([]Message, capacity),
		capacity: uint64(capacity),
		notify:   make(chan struct{}),
	}
}

// Subscribe registers a new subscriber. The subscription observes every
// message published after Subscribe returns.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.subscribers++
	return &Subscription{
		hub:  h,
		next: h.head,
		done: make(chan struct{}),
	}
}

// Publish appends msg to the ring and wakes every waiting subscriber. It never
// blocks on subscribers. Publishing into an empty room, or into a closed hub,
// drops the message and returns 0.
func (h *Hub) Publish(msg Message) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0
	}
	if h.subscribers == 0 {
		h.emptyRoom++
		return 0
	}

	h.ring[h.head%h.capacity] = msg
	h.head++
	h.published++

	close(h.notify)
	h.notify = make(chan struct{})

	return h.subscribers
}

// Close stops the hub. Subscribers drain what is still retained for them and
// then receive ErrClosed. Close is idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	close(h.notify)
	h.notify = closedChan
}

// Capacity returns the number of messages the hub retains.
func (h *Hub) Capacity() int {
	return int(h.capacity)
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscribers
}

// Stats returns a snapshot of the hub counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	return Stats{
		Subscribers:        h.subscribers,
		Capacity:           int(h.capacity),
		Buffered:           int(h.head - h.tailLocked()),
		Published:          h.published,
		EmptyRoomPublishes: h.emptyRoom,
		LagEvents:          h.lagEvents,
		Skipped:            h.skipped,
	}
}

// tailLocked returns the sequence number of the oldest retained message.
func (h *Hub) tailLocked() uint64 {
	if h.head < h.capacity {
		return 0
	}
	return h.head - h.capacity
}
