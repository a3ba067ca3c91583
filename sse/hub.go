// Package sse fans task progress events out to Server-Sent-Events
// subscribers. Each task has its own broadcaster with full history
// replay, so late subscribers see every frame.
package sse

import (
	"sync"
)

// Event is one progress frame pushed to subscribers.
type Event map[string]any

// Broadcaster fans events for one task out to its subscribers.
// Thread-safe.
type Broadcaster struct {
	mu      sync.Mutex
	history []Event
	clients map[uint64]chan Event
	nextID  uint64
	closed  bool
	doneCh  chan struct{}
}

func newBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[uint64]chan Event),
		doneCh:  make(chan struct{}),
	}
}

// Send appends ev to history and delivers it to every subscriber. A
// subscriber that cannot keep up is dropped rather than blocking the
// worker.
func (b *Broadcaster) Send(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.history = append(b.history, ev)
	for id, ch := range b.clients {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(b.clients, id)
		}
	}
}

// Subscribe returns an events channel (history replay then live), a done
// channel closed when the task finishes, and an unsubscribe function.
// A closed events channel with done still open means this client was
// dropped for slowness.
func (b *Broadcaster) Subscribe() (<-chan Event, <-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, len(b.history)+256)
	id := b.nextID
	b.nextID++

	for _, ev := range b.history {
		ch <- ev
	}

	if b.closed {
		close(ch)
		return ch, b.doneCh, func() {}
	}

	b.clients[id] = ch
	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.clients[id]; ok {
			delete(b.clients, id)
			close(ch)
		}
	}
	return ch, b.doneCh, unsub
}

// Close marks the stream finished and closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.doneCh)
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// History returns a copy of all events sent so far.
func (b *Broadcaster) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}

// Closed reports whether the stream has finished.
func (b *Broadcaster) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Hub maps task IDs to broadcasters.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*Broadcaster
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]*Broadcaster)}
}

// Get returns the broadcaster for taskID, creating it if needed.
func (h *Hub) Get(taskID string) *Broadcaster {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.topics[taskID]
	if !ok {
		b = newBroadcaster()
		h.topics[taskID] = b
	}
	return b
}

// Lookup returns the broadcaster for taskID without creating one.
func (h *Hub) Lookup(taskID string) (*Broadcaster, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.topics[taskID]
	return b, ok
}

// Publish sends ev on the task's broadcaster.
func (h *Hub) Publish(taskID string, ev Event) {
	h.Get(taskID).Send(ev)
}

// CloseTask closes the task's stream and drops its state.
func (h *Hub) CloseTask(taskID string) {
	h.mu.Lock()
	b, ok := h.topics[taskID]
	delete(h.topics, taskID)
	h.mu.Unlock()
	if ok {
		b.Close()
	}
}
