// Package events provides the in-memory event bus carrying progress
// snapshots and canonical stream events. Delivery is fire-and-forget: a slow
// subscriber drops events rather than back-pressuring the engine.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Type identifies the kind of an event on the bus.
type Type string

const (
	BatchStarted   Type = "batch.started"
	BatchCompleted Type = "batch.completed"

	TaskStarted   Type = "task.started"
	TaskProgress  Type = "task.progress"
	TaskCompleted Type = "task.completed"
	TaskFailed    Type = "task.failed"
	TaskAborted   Type = "task.aborted"

	StreamEvent Type = "stream.event"
)

// Event is one bus entry.
type Event struct {
	ID        string    `json:"id"`
	BatchID   string    `json:"batch_id,omitempty"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Payload is implemented by all typed payloads.
type Payload interface {
	EventType() Type
}

var eventSeq atomic.Uint64

// New creates an event from a typed payload.
func New(batchID string, payload Payload) Event {
	return Event{
		ID:        fmt.Sprintf("%d-%d", time.Now().UnixNano(), eventSeq.Add(1)),
		BatchID:   batchID,
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// Subscriber receives events.
type Subscriber func(Event)

type subscription struct {
	types   []Type
	handler Subscriber
}

// Bus is an in-memory pub/sub bus with a bounded history ring.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	ring   *ring
	closed bool
}

// NewBus creates a bus retaining the last bufferSize events as history.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{
		subs: make(map[int]*subscription),
		ring: newRing(bufferSize),
	}
}

// Publish delivers an event to matching subscribers. Never blocks the caller
// beyond handler dispatch; handlers run on their own goroutines.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	b.ring.add(ev)
	for _, sub := range b.subs {
		if sub.matches(ev) {
			go sub.handler(ev)
		}
	}
}

func (s *subscription) matches(ev Event) bool {
	if len(s.types) == 0 {
		return true
	}
	for _, t := range s.types {
		if t == ev.Type {
			return true
		}
	}
	return false
}

// Subscribe registers a handler for the given event types (all types when
// none are named). Returns an unsubscribe function.
func (b *Bus) Subscribe(handler Subscriber, types ...Type) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = &subscription{types: types, handler: handler}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// History returns up to limit most recent events, oldest first.
func (b *Bus) History(limit int) []Event {
	return b.ring.get(limit)
}

// Close stops the bus; subsequent publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// ring is a fixed-size circular history buffer.
type ring struct {
	mu     sync.RWMutex
	events []Event
	pos    int
	count  int
}

func newRing(size int) *ring {
	return &ring{events: make([]Event, size)}
}

func (r *ring) add(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[r.pos] = ev
	r.pos = (r.pos + 1) % len(r.events)
	if r.count < len(r.events) {
		r.count++
	}
}

func (r *ring) get(n int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]Event, n)
	start := (r.pos - n + len(r.events)) % len(r.events)
	for i := 0; i < n; i++ {
		out[i] = r.events[(start+i)%len(r.events)]
	}
	return out
}
