// Package locks implements lease-based collaborative field locking over
// a broadcast coordination channel.
//
// Arbitration relies on the channel delivering every message to every
// peer, sender included, in one total order. Each peer keeps an identical
// lock table: a lock_requested frame for a free lock is recorded and
// answered with lock_granted by every peer; a request for a held lock is
// answered with lock_denied. Because all tables replay the same sequence,
// every peer produces the same verdict, and duplicate grant or deny
// frames are idempotent.
package locks

import (
	"context"
	"sync"
	"time"

	"github.com/kanbanlab/boardsync/internal/clock"
	"github.com/kanbanlab/boardsync/internal/config"
	"github.com/kanbanlab/boardsync/internal/events"
	"github.com/kanbanlab/boardsync/internal/models"
	"github.com/kanbanlab/boardsync/internal/realtime"
)

// Manager owns this client's view of the shared lock table.
type Manager struct {
	clientID   string
	clientName string

	channel realtime.Channel
	bus     *events.Bus
	clock   clock.Clock
	logger  *events.Logger

	leaseTTL        time.Duration
	protocolTimeout time.Duration

	mu      sync.Mutex
	locks   map[string]*models.LockRecord
	timers  map[string]clock.Timer
	pending map[string][]chan realtime.Message
	closed  bool

	unsubscribe func()
}

// NewManager creates a lock manager and subscribes it to the channel.
func NewManager(clientID, clientName string, ch realtime.Channel, bus *events.Bus, clk clock.Clock, cfg config.LockConfig, logger *events.Logger) *Manager {
	m := &Manager{
		clientID:        clientID,
		clientName:      clientName,
		channel:         ch,
		bus:             bus,
		clock:           clk,
		logger:          logger.WithField("component", "lock_manager"),
		leaseTTL:        cfg.LeaseTTL,
		protocolTimeout: cfg.ProtocolTimeout,
		locks:           make(map[string]*models.LockRecord),
		timers:          make(map[string]clock.Timer),
		pending:         make(map[string][]chan realtime.Message),
	}
	m.unsubscribe = ch.Subscribe(m.handleMessage)
	return m
}

// RequestLock acquires the lease for one field. It returns immediately
// with a LockConflictError when the local table already shows another
// holder; otherwise it publishes a request and waits for the arbitration
// verdict, up to the protocol timeout. Requesting a lock this client
// already holds renews the lease.
func (m *Manager) RequestLock(ctx context.Context, resourceType, resourceID, field string) (*models.LockRecord, error) {
	if resourceType == "" {
		return nil, &models.ValidationError{Field: "resourceType", Reason: "must not be empty"}
	}
	if resourceID == "" {
		return nil, &models.ValidationError{Field: "resourceID", Reason: "must not be empty"}
	}

	lockID := models.LockID(resourceType, resourceID, field)

	m.mu.Lock()
	m.purgeExpiredLocked(lockID)
	if rec, ok := m.locks[lockID]; ok {
		if rec.OwnedBy(m.clientID) {
			// Re-requesting an already held lock is idempotent.
			clone := rec.Clone()
			m.mu.Unlock()
			return clone, nil
		}
		err := &models.LockConflictError{
			LockID:     lockID,
			HolderID:   rec.OwnerID,
			HolderName: rec.OwnerName,
			ExpiresAt:  rec.ExpiresAt,
		}
		m.mu.Unlock()
		return nil, err
	}
	if len(m.pending[lockID]) > 0 {
		m.mu.Unlock()
		return nil, &models.LockConflictError{LockID: lockID, Reason: "request already pending"}
	}
	waiter := make(chan realtime.Message, 1)
	m.pending[lockID] = append(m.pending[lockID], waiter)
	m.mu.Unlock()

	defer m.removeWaiter(lockID, waiter)

	err := m.channel.Publish(realtime.Message{
		Type:         realtime.MsgLockRequested,
		LockID:       lockID,
		UserID:       m.clientID,
		UserName:     m.clientName,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Field:        field,
		TimeoutMS:    m.protocolTimeout.Milliseconds(),
		RequestedAt:  m.clock.Now(),
	})
	if err != nil {
		return nil, err
	}

	deadline := make(chan struct{})
	timer := m.clock.AfterFunc(m.protocolTimeout, func() { close(deadline) })
	defer timer.Stop()

	for {
		select {
		case msg := <-waiter:
			switch msg.Type {
			case realtime.MsgLockGranted:
				m.mu.Lock()
				rec, ok := m.locks[lockID]
				m.mu.Unlock()
				if !ok || !rec.OwnedBy(m.clientID) {
					continue
				}
				return rec.Clone(), nil
			case realtime.MsgLockDenied:
				return nil, &models.LockConflictError{
					LockID:     lockID,
					HolderID:   msg.HolderID,
					HolderName: msg.HolderName,
					ExpiresAt:  msg.ExpiresAt,
					Reason:     msg.Reason,
				}
			}

		case <-deadline:
			return nil, &models.LockTimeoutError{LockID: lockID, Timeout: m.protocolTimeout}

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release gives up this client's lease. Releasing a lock that is not
// held, or held by another peer, is a no-op returning false.
func (m *Manager) Release(resourceType, resourceID, field string) (bool, error) {
	lockID := models.LockID(resourceType, resourceID, field)

	m.mu.Lock()
	rec, ok := m.locks[lockID]
	if !ok || !rec.OwnedBy(m.clientID) {
		m.mu.Unlock()
		return false, nil
	}
	m.dropLocked(lockID)
	m.mu.Unlock()

	err := m.channel.Publish(realtime.Message{
		Type:     realtime.MsgLockReleased,
		LockID:   lockID,
		UserID:   m.clientID,
		UserName: m.clientName,
	})
	if err != nil {
		return true, err
	}

	m.logger.WithField("lock_id", lockID).Debug("Released lock")
	return true, nil
}

// Extend renews this client's lease before it lapses. The renewal frame
// is a lock_granted broadcast so every peer's expiry advances together.
func (m *Manager) Extend(resourceType, resourceID, field string) (*models.LockRecord, error) {
	lockID := models.LockID(resourceType, resourceID, field)

	m.mu.Lock()
	rec, ok := m.locks[lockID]
	if !ok || !rec.OwnedBy(m.clientID) {
		m.mu.Unlock()
		return nil, &models.LockConflictError{LockID: lockID, Reason: "not held by this client"}
	}
	expires := m.clock.Now().Add(m.leaseTTL)
	m.mu.Unlock()

	err := m.channel.Publish(realtime.Message{
		Type:      realtime.MsgLockGranted,
		LockID:    lockID,
		UserID:    m.clientID,
		UserName:  m.clientName,
		ExpiresAt: expires,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.locks[lockID]; ok {
		return rec.Clone(), nil
	}
	return nil, &models.LockConflictError{LockID: lockID, Reason: "not held by this client"}
}

// Held returns the current record for a lock, if any.
func (m *Manager) Held(lockID string) (*models.LockRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeExpiredLocked(lockID)
	rec, ok := m.locks[lockID]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Locks snapshots the full lock table.
func (m *Manager) Locks() []*models.LockRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.LockRecord, 0, len(m.locks))
	for _, rec := range m.locks {
		out = append(out, rec.Clone())
	}
	return out
}

// Leave announces this client's departure so peers void its locks.
func (m *Manager) Leave() error {
	return m.channel.Publish(realtime.Message{
		Type:     realtime.MsgUserLeft,
		UserID:   m.clientID,
		UserName: m.clientName,
	})
}

// Close detaches from the channel and stops expiry timers.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}

// handleMessage replays one channel frame against the local table.
func (m *Manager) handleMessage(msg realtime.Message) {
	switch msg.Type {
	case realtime.MsgLockRequested:
		m.handleRequested(msg)
	case realtime.MsgLockGranted:
		m.handleGranted(msg)
	case realtime.MsgLockDenied:
		m.handleDenied(msg)
	case realtime.MsgLockReleased:
		m.handleReleased(msg)
	case realtime.MsgUserLeft:
		m.handleUserLeft(msg)
	}
}

func (m *Manager) handleRequested(msg realtime.Message) {
	m.mu.Lock()
	m.purgeExpiredLocked(msg.LockID)

	var reply realtime.Message
	if rec, ok := m.locks[msg.LockID]; ok && !rec.OwnedBy(msg.UserID) {
		reply = realtime.Message{
			Type:       realtime.MsgLockDenied,
			LockID:     msg.LockID,
			UserID:     msg.UserID,
			HolderID:   rec.OwnerID,
			HolderName: rec.OwnerName,
			ExpiresAt:  rec.ExpiresAt,
			Reason:     "lock held",
		}
	} else {
		now := m.clock.Now()
		expires := now.Add(m.leaseTTL)
		m.recordLocked(&models.LockRecord{
			ID:           msg.LockID,
			ResourceType: msg.ResourceType,
			ResourceID:   msg.ResourceID,
			Field:        msg.Field,
			OwnerID:      msg.UserID,
			OwnerName:    msg.UserName,
			GrantedAt:    now,
			ExpiresAt:    expires,
		})
		reply = realtime.Message{
			Type:      realtime.MsgLockGranted,
			LockID:    msg.LockID,
			UserID:    msg.UserID,
			UserName:  msg.UserName,
			ExpiresAt: expires,
		}
	}
	m.mu.Unlock()

	if err := m.channel.Publish(reply); err != nil {
		m.logger.WithError(err).WithField("lock_id", msg.LockID).Warn("Failed to publish lock verdict")
	}
}

func (m *Manager) handleGranted(msg realtime.Message) {
	m.mu.Lock()
	rec, ok := m.locks[msg.LockID]
	if ok && rec.OwnedBy(msg.UserID) {
		// Grant doubles as renewal: advance the lease.
		if msg.ExpiresAt.After(rec.ExpiresAt) {
			rec.ExpiresAt = msg.ExpiresAt
		}
		m.scheduleExpiryLocked(msg.LockID, rec.ExpiresAt)
	} else if !ok {
		now := m.clock.Now()
		expires := msg.ExpiresAt
		if expires.IsZero() {
			expires = now.Add(m.leaseTTL)
		}
		rec = &models.LockRecord{
			ID:        msg.LockID,
			OwnerID:   msg.UserID,
			OwnerName: msg.UserName,
			GrantedAt: now,
			ExpiresAt: expires,
		}
		m.recordLocked(rec)
	}
	snapshot := rec.Clone()

	if msg.UserID == m.clientID {
		m.resolvePendingLocked(msg.LockID, msg)
	}
	m.mu.Unlock()

	m.bus.Publish(events.EventLockGranted, snapshot)
}

func (m *Manager) handleDenied(msg realtime.Message) {
	if msg.UserID != m.clientID {
		return
	}
	m.mu.Lock()
	m.resolvePendingLocked(msg.LockID, msg)
	m.mu.Unlock()

	m.bus.Publish(events.EventLockDenied, msg)
}

func (m *Manager) handleReleased(msg realtime.Message) {
	m.mu.Lock()
	rec, ok := m.locks[msg.LockID]
	if !ok || !rec.OwnedBy(msg.UserID) {
		m.mu.Unlock()
		return
	}
	snapshot := rec.Clone()
	m.dropLocked(msg.LockID)
	m.mu.Unlock()

	m.bus.Publish(events.EventLockReleased, snapshot)
}

func (m *Manager) handleUserLeft(msg realtime.Message) {
	m.mu.Lock()
	var dropped []*models.LockRecord
	for id, rec := range m.locks {
		if rec.OwnedBy(msg.UserID) {
			dropped = append(dropped, rec.Clone())
			m.dropLocked(id)
		}
	}
	m.mu.Unlock()

	if len(dropped) > 0 {
		m.logger.WithFields(map[string]any{
			"user_id": msg.UserID,
			"locks":   len(dropped),
		}).Info("Voided locks for departed peer")
	}
	for _, rec := range dropped {
		m.bus.Publish(events.EventLockReleased, rec)
	}
}

// recordLocked installs a record and its expiry timer. Caller holds mu.
func (m *Manager) recordLocked(rec *models.LockRecord) {
	m.locks[rec.ID] = rec
	m.scheduleExpiryLocked(rec.ID, rec.ExpiresAt)
}

// dropLocked removes a record and stops its timer. Caller holds mu.
func (m *Manager) dropLocked(lockID string) {
	delete(m.locks, lockID)
	if t, ok := m.timers[lockID]; ok {
		t.Stop()
		delete(m.timers, lockID)
	}
}

// scheduleExpiryLocked arms or re-arms the expiry timer. Caller holds mu.
func (m *Manager) scheduleExpiryLocked(lockID string, expiresAt time.Time) {
	d := expiresAt.Sub(m.clock.Now())
	if t, ok := m.timers[lockID]; ok {
		t.Reset(d)
		return
	}
	m.timers[lockID] = m.clock.AfterFunc(d, func() { m.expire(lockID) })
}

// expire voids a lapsed lease.
func (m *Manager) expire(lockID string) {
	m.mu.Lock()
	rec, ok := m.locks[lockID]
	if !ok || !rec.Expired(m.clock.Now()) {
		m.mu.Unlock()
		return
	}
	snapshot := rec.Clone()
	m.dropLocked(lockID)
	m.mu.Unlock()

	m.logger.WithFields(map[string]any{
		"lock_id": lockID,
		"owner":   snapshot.OwnerID,
	}).Debug("Lock lease expired")
	m.bus.Publish(events.EventLockExpired, snapshot)
}

// purgeExpiredLocked drops a lapsed record without the timer having
// fired yet. Caller holds mu.
func (m *Manager) purgeExpiredLocked(lockID string) {
	if rec, ok := m.locks[lockID]; ok && rec.Expired(m.clock.Now()) {
		m.dropLocked(lockID)
	}
}

// resolvePendingLocked delivers the verdict to waiters. Caller holds mu.
func (m *Manager) resolvePendingLocked(lockID string, msg realtime.Message) {
	for _, w := range m.pending[lockID] {
		select {
		case w <- msg:
		default:
		}
	}
	delete(m.pending, lockID)
}

func (m *Manager) removeWaiter(lockID string, waiter chan realtime.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	waiters := m.pending[lockID]
	for i, w := range waiters {
		if w == waiter {
			m.pending[lockID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(m.pending[lockID]) == 0 {
		delete(m.pending, lockID)
	}
}
