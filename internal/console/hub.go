package console

import (
	"sync"

	"github.com/google/uuid"

	"github.com/tessara/warden/internal/metrics"
)

// EventKind distinguishes the two message kinds carried by the hub.
type EventKind string

const (
	KindLog    EventKind = "log"
	KindStatus EventKind = "status"
)

// Event is one fan-out unit: a console output chunk or a lifecycle status
// transition.
type Event struct {
	Kind EventKind `json:"kind"`
	Text string    `json:"text"`
}

// Subscription is one live consumer. Events arrive on C in append order.
// The channel is closed when the subscriber is dropped for falling behind
// or when Unsubscribe is called.
type Subscription struct {
	ID      string
	History []string // buffer snapshot at subscribe time, oldest first
	C       <-chan Event

	ch     chan Event
	closed bool
}

// Hub buffers recent worker output in a bounded FIFO ring and fans out every
// chunk to all live subscriptions. Each subscription has its own delivery
// queue, so a slow consumer never stalls the producer or its peers; a
// consumer whose queue stays full is dropped instead.
//
// Snapshot and registration happen under the same lock as Append, which
// makes Subscribe gap-free: a chunk appended concurrently with Subscribe
// lands either in History or on C, never both, never neither.
type Hub struct {
	mu       sync.Mutex
	buf      []string
	head     int // index of oldest entry when full
	full     bool
	cap      int
	subs     map[string]*Subscription
	queueLen int
}

// NewHub creates a hub holding at most capacity chunks.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 500
	}
	return &Hub{
		buf:      make([]string, 0, capacity),
		cap:      capacity,
		subs:     make(map[string]*Subscription),
		queueLen: 256,
	}
}

// Append records a chunk and forwards it to every subscriber in order.
// Called once per output event from the worker's pipe reader.
func (h *Hub) Append(chunk string) {
	h.mu.Lock()
	if h.full {
		h.buf[h.head] = chunk
		h.head = (h.head + 1) % h.cap
	} else {
		h.buf = append(h.buf, chunk)
		if len(h.buf) == h.cap {
			h.full = true
		}
	}
	h.dispatchLocked(Event{Kind: KindLog, Text: chunk})
	h.mu.Unlock()
	metrics.IncConsoleChunk()
}

// Broadcast sends a status event to all subscribers without buffering it.
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	h.dispatchLocked(ev)
	h.mu.Unlock()
}

func (h *Hub) dispatchLocked(ev Event) {
	for id, sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			// Queue full: the consumer has stalled past its allowance.
			// Drop it rather than block the producer.
			delete(h.subs, id)
			sub.closed = true
			close(sub.ch)
			metrics.IncDroppedSubscriber()
		}
	}
	metrics.SetSubscribers(len(h.subs))
}

// Subscribe returns the current buffer snapshot plus a live stream of every
// future event.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, h.queueLen)
	sub := &Subscription{
		ID:      uuid.NewString(),
		History: h.snapshotLocked(),
		C:       ch,
		ch:      ch,
	}
	h.subs[sub.ID] = sub
	metrics.SetSubscribers(len(h.subs))
	return sub
}

// Unsubscribe removes the subscription and closes its channel. Safe to call
// after the hub has already dropped the subscriber.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.ID]; !ok {
		return
	}
	delete(h.subs, sub.ID)
	sub.closed = true
	close(sub.ch)
	metrics.SetSubscribers(len(h.subs))
}

// History returns a copy of the buffered chunks, oldest first.
func (h *Hub) History() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

func (h *Hub) snapshotLocked() []string {
	out := make([]string, 0, len(h.buf))
	if h.full {
		out = append(out, h.buf[h.head:]...)
		out = append(out, h.buf[:h.head]...)
	} else {
		out = append(out, h.buf...)
	}
	return out
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
