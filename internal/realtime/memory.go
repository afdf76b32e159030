package realtime

import (
	"sync"

	"github.com/kanbanlab/boardsync/internal/models"
)

// MemoryHub is an in-process Channel for tests and single-process use.
// It serializes all publishes and delivers each message synchronously to
// every subscriber in subscription order, so concurrent lock requests
// resolve in a deterministic total order.
type MemoryHub struct {
	mu      sync.Mutex
	nextID  int
	subs    []hubSub
	closed  bool
	history []Message
}

type hubSub struct {
	id int
	h  Handler
}

// NewMemoryHub creates an open in-process hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{}
}

// Publish delivers msg to every subscriber, sender included. Delivery is
// synchronous; handlers may publish follow-up messages, which are
// delivered after the current message finishes (the lock is not held
// during handler calls, and reentrant publishes queue behind it).
func (hub *MemoryHub) Publish(msg Message) error {
	hub.mu.Lock()
	if hub.closed {
		hub.mu.Unlock()
		return models.ErrChannelClosed
	}
	hub.history = append(hub.history, msg)
	subs := append([]hubSub(nil), hub.subs...)
	hub.mu.Unlock()

	for _, s := range subs {
		s.h(msg)
	}
	return nil
}

// Subscribe registers a handler and returns its removal func.
func (hub *MemoryHub) Subscribe(h Handler) func() {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	hub.nextID++
	id := hub.nextID
	hub.subs = append(hub.subs, hubSub{id: id, h: h})

	return func() {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		for i, s := range hub.subs {
			if s.id == id {
				hub.subs = append(hub.subs[:i], hub.subs[i+1:]...)
				return
			}
		}
	}
}

// History returns every message published so far.
func (hub *MemoryHub) History() []Message {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return append([]Message(nil), hub.history...)
}

// Close marks the hub closed; further publishes fail.
func (hub *MemoryHub) Close() error {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	hub.closed = true
	hub.subs = nil
	return nil
}
