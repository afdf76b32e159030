package events

import (
	"sync"
	"time"
)

// EventType names an engine event.
type EventType string

const (
	// Optimistic update lifecycle
	EventUpdateApplied    EventType = "update_applied"
	EventUpdateConfirmed  EventType = "update_confirmed"
	EventUpdateFailed     EventType = "update_failed"
	EventUpdateRolledBack EventType = "update_rolled_back"
	EventConflictDetected EventType = "conflict_detected"
	EventConflictResolved EventType = "conflict_resolved"

	// Synchronization queue
	EventSyncStarted       EventType = "sync_started"
	EventSyncItemProcessed EventType = "sync_item_processed"
	EventSyncProgress      EventType = "sync_progress"
	EventSyncStateChanged  EventType = "sync_state_changed"

	// Collaborative locks
	EventLockGranted  EventType = "lock_granted"
	EventLockDenied   EventType = "lock_denied"
	EventLockReleased EventType = "lock_released"
	EventLockExpired  EventType = "lock_expired"

	// Backup and recovery
	EventBackupCreated EventType = "backup_created"
	EventBackupError   EventType = "backup_error"
	EventCrashDetected EventType = "crash_detected"
)

// Event is a bus notification. Payload types are defined by the
// publishing package.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   any
}

// Handler consumes a single event. Handlers run synchronously on the
// publisher's goroutine; they must not block.
type Handler func(Event)

type subscriber struct {
	id      int
	handler Handler
}

// Bus is a typed publish/subscribe hub. Subscribe returns an unsubscribe
// handle so listeners cannot leak.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[EventType][]subscriber
	all    []subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[EventType][]subscriber),
	}
}

// Subscribe registers a handler for one event type. The returned function
// removes the subscription and is safe to call more than once.
func (b *Bus) Subscribe(t EventType, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[t] = append(b.subs[t], subscriber{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs[t] = remove(b.subs[t], id)
	}
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscriber{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = remove(b.all, id)
	}
}

// Publish delivers an event to all matching handlers synchronously, in
// subscription order.
func (b *Bus) Publish(t EventType, payload any) {
	evt := Event{Type: t, Timestamp: time.Now(), Payload: payload}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[t])+len(b.all))
	for _, s := range b.subs[t] {
		handlers = append(handlers, s.handler)
	}
	for _, s := range b.all {
		handlers = append(handlers, s.handler)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(evt)
	}
}

func remove(subs []subscriber, id int) []subscriber {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}
