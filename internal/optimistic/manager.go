// Package optimistic implements the per-mutation lifecycle state machine:
// updates applied to the local view immediately, rolled back on failure,
// and merged or resolved when the remote disagrees.
package optimistic

import (
	"sort"
	"sync"

	"github.com/kanbanlab/boardsync/internal/clock"
	"github.com/kanbanlab/boardsync/internal/events"
	"github.com/kanbanlab/boardsync/internal/models"
	"github.com/kanbanlab/boardsync/internal/remote"
)

// historyLimit bounds the audit ring of finished update records.
const historyLimit = 100

// Enqueuer hands confirmed proposals to the synchronization queue.
type Enqueuer interface {
	Enqueue(updateID string) bool
}

// ProposeOptions tunes a single proposal.
type ProposeOptions struct {
	// Operation defaults to update.
	Operation models.Operation

	// Strategy selects conflict handling; defaults to manual.
	Strategy models.ConflictStrategy

	// Deferred skips enqueueing the mutation for synchronization; the
	// caller flushes it later. Deferred updates are not rolled back
	// automatically on rejection.
	Deferred bool

	// RetryOnFailure lets the queue retry transient failures up to its
	// attempt cap before surfacing a failed record.
	RetryOnFailure bool
}

// ProposeResult is returned synchronously from Propose.
type ProposeResult struct {
	UpdateID       string
	OptimisticView models.Document
}

// UpdateEvent is the bus payload for update lifecycle events. Record is a
// clone; Data carries the view relevant to the transition (optimistic
// data on apply, original data on rollback).
type UpdateEvent struct {
	Record *models.UpdateRecord
	Data   models.Document
	Reason string
}

// Manager owns all in-flight UpdateRecords. Every operation is atomic
// under the manager's lock; subscribers are notified synchronously so
// callers observe transitions in order.
type Manager struct {
	mu      sync.Mutex
	seq     uint64
	updates map[string]*models.UpdateRecord
	byItem  map[string][]*models.UpdateRecord
	history []*models.UpdateRecord

	queue  Enqueuer
	bus    *events.Bus
	clock  clock.Clock
	logger *events.Logger
}

// NewManager creates an update manager.
func NewManager(bus *events.Bus, clk clock.Clock, logger *events.Logger) *Manager {
	return &Manager{
		updates: make(map[string]*models.UpdateRecord),
		byItem:  make(map[string][]*models.UpdateRecord),
		bus:     bus,
		clock:   clk,
		logger:  logger.WithField("component", "update_manager"),
	}
}

// AttachQueue wires the synchronization queue. Set once during engine
// assembly; proposals made before attachment are not enqueued.
func (m *Manager) AttachQueue(q Enqueuer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = q
}

// Propose computes and returns the optimistic view synchronously, creates
// a PENDING UpdateRecord, notifies subscribers, and (unless deferred)
// enqueues the mutation for synchronization.
func (m *Manager) Propose(itemID string, baseline, delta models.Document, opts ProposeOptions) (*ProposeResult, error) {
	if itemID == "" {
		return nil, &models.ValidationError{Field: "itemId", Reason: "must not be empty"}
	}
	if opts.Operation == "" {
		opts.Operation = models.OpUpdate
	}
	if opts.Operation != models.OpCreate && opts.Operation != models.OpUpdate && opts.Operation != models.OpDelete {
		return nil, &models.ValidationError{Field: "operation", Reason: "unknown operation"}
	}
	if opts.Operation != models.OpDelete && len(delta) == 0 {
		return nil, &models.ValidationError{Field: "delta", Reason: "must not be empty"}
	}
	if opts.Operation != models.OpCreate && baseline == nil {
		return nil, &models.ValidationError{Field: "baseline", Reason: "required for update and delete"}
	}
	if opts.Strategy == "" {
		opts.Strategy = models.StrategyManual
	}
	if !models.ValidStrategy(opts.Strategy) {
		return nil, &models.ValidationError{Field: "conflictStrategy", Reason: "unknown strategy"}
	}

	m.mu.Lock()

	m.seq++
	now := m.clock.Now()

	original := baseline.Clone()
	if original == nil {
		original = models.Document{}
	}

	optimistic := original.Overlay(delta)
	version := original.Version() + 1
	optimistic["version"] = version
	optimistic["updated_at"] = now.UTC().Format(timeLayout)

	rec := &models.UpdateRecord{
		ID:             models.UpdateID(m.seq, now),
		Seq:            m.seq,
		ItemID:         itemID,
		Operation:      opts.Operation,
		Original:       original,
		Delta:          delta.Clone(),
		Optimistic:     optimistic,
		State:          models.StatePending,
		Timestamp:      now,
		Strategy:       opts.Strategy,
		Version:        version,
		Checksum:       optimistic.Checksum(),
		Immediate:      !opts.Deferred,
		RetryOnFailure: opts.RetryOnFailure,
	}

	m.updates[rec.ID] = rec
	m.byItem[itemID] = append(m.byItem[itemID], rec)

	queue := m.queue
	result := &ProposeResult{
		UpdateID:       rec.ID,
		OptimisticView: optimistic.Clone(),
	}
	snapshot := rec.Clone()

	m.mu.Unlock()

	m.logger.WithFields(map[string]any{
		"update_id": rec.ID,
		"item_id":   itemID,
		"operation": opts.Operation,
		"version":   version,
	}).Debug("Proposed update")

	m.bus.Publish(events.EventUpdateApplied, UpdateEvent{
		Record: snapshot,
		Data:   result.OptimisticView,
	})

	if !opts.Deferred && queue != nil {
		queue.Enqueue(rec.ID)
	}

	return result, nil
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Confirm transitions PENDING to CONFIRMED and drops rollback
// bookkeeping. Confirmation only removes the record; remaining pending
// records keep their order.
func (m *Manager) Confirm(updateID string, newVersion int) error {
	m.mu.Lock()
	rec, ok := m.updates[updateID]
	if !ok {
		m.mu.Unlock()
		return models.ErrUpdateNotFound
	}
	if !rec.CanTransition(models.StateConfirmed) {
		m.mu.Unlock()
		return &models.ConflictError{UpdateID: updateID,
			Reason: "cannot confirm from state " + string(rec.State)}
	}

	rec.State = models.StateConfirmed
	if newVersion > 0 {
		rec.Version = newVersion
		rec.Optimistic["version"] = newVersion
	}
	m.removeLocked(rec)
	snapshot := rec.Clone()
	m.mu.Unlock()

	m.logger.WithFields(map[string]any{
		"update_id": updateID,
		"version":   snapshot.Version,
	}).Debug("Update confirmed")

	m.bus.Publish(events.EventUpdateConfirmed, UpdateEvent{
		Record: snapshot,
		Data:   snapshot.Optimistic,
	})
	return nil
}

// Reject transitions PENDING to FAILED. Updates that were applied
// immediately roll back automatically; deferred ones stay FAILED for the
// caller to inspect, retry, or roll back.
func (m *Manager) Reject(updateID string, reason error) error {
	m.mu.Lock()
	rec, ok := m.updates[updateID]
	if !ok {
		m.mu.Unlock()
		return models.ErrUpdateNotFound
	}
	if !rec.CanTransition(models.StateFailed) {
		m.mu.Unlock()
		return &models.ConflictError{UpdateID: updateID,
			Reason: "cannot reject from state " + string(rec.State)}
	}

	rec.State = models.StateFailed
	if reason != nil {
		rec.FailReason = reason.Error()
	}
	immediate := rec.Immediate
	snapshot := rec.Clone()
	m.mu.Unlock()

	m.logger.WithFields(map[string]any{
		"update_id": updateID,
		"reason":    snapshot.FailReason,
	}).Warn("Update rejected")

	m.bus.Publish(events.EventUpdateFailed, UpdateEvent{
		Record: snapshot,
		Reason: snapshot.FailReason,
	})

	if immediate {
		return m.Rollback(updateID)
	}
	return nil
}

// Rollback transitions FAILED or PENDING to ROLLED_BACK, notifies
// subscribers with the pre-mutation original data so the UI can restore
// it, and deletes the record.
func (m *Manager) Rollback(updateID string) error {
	m.mu.Lock()
	rec, ok := m.updates[updateID]
	if !ok {
		m.mu.Unlock()
		return models.ErrUpdateNotFound
	}
	if rec.State != models.StateFailed && rec.State != models.StatePending {
		m.mu.Unlock()
		return &models.ConflictError{UpdateID: updateID,
			Reason: "cannot roll back from state " + string(rec.State)}
	}

	rec.State = models.StateRolledBack
	m.removeLocked(rec)
	snapshot := rec.Clone()
	m.mu.Unlock()

	m.logger.WithField("update_id", updateID).Info("Update rolled back")

	m.bus.Publish(events.EventUpdateRolledBack, UpdateEvent{
		Record: snapshot,
		Data:   snapshot.Original,
	})
	return nil
}

// MarkConflicted transitions PENDING to CONFLICTED and derives the
// field-diff sets. A non-manual strategy resolves immediately; if
// auto-merge refuses, the record stays CONFLICTED awaiting explicit
// resolution.
func (m *Manager) MarkConflicted(updateID string, serverVersion models.Document) error {
	m.mu.Lock()
	rec, ok := m.updates[updateID]
	if !ok {
		m.mu.Unlock()
		return models.ErrUpdateNotFound
	}
	if !rec.CanTransition(models.StateConflicted) {
		m.mu.Unlock()
		return &models.ConflictError{UpdateID: updateID,
			Reason: "cannot mark conflicted from state " + string(rec.State)}
	}

	info := DetectConflict(rec.Original, rec.Optimistic, serverVersion)
	info.DetectedAt = m.clock.Now()
	rec.State = models.StateConflicted
	rec.Conflict = info
	strategy := rec.Strategy
	snapshot := rec.Clone()
	m.mu.Unlock()

	m.logger.WithFields(map[string]any{
		"update_id":      updateID,
		"local_changed":  info.LocalChanged,
		"remote_changed": info.RemoteChanged,
		"overlap":        info.Overlap,
	}).Warn("Conflict detected")

	m.bus.Publish(events.EventConflictDetected, UpdateEvent{
		Record: snapshot,
		Data:   info.ServerVersion,
	})

	if strategy != models.StrategyManual {
		if err := m.ResolveConflict(updateID, strategy, nil); err != nil {
			// Auto-merge refusal leaves the record CONFLICTED; the
			// conflict event above already surfaced it.
			m.logger.WithError(err).WithField("update_id", updateID).
				Warn("Automatic conflict resolution refused")
		}
	}
	return nil
}

// ResolveConflict transitions CONFLICTED back to PENDING and re-queues
// the mutation. "local" keeps the optimistic data, "remote" adopts the
// server snapshot, "merge" uses caller-supplied data or the three-way
// auto-merge. Invoked outside CONFLICTED state it returns a
// ConflictError.
func (m *Manager) ResolveConflict(updateID string, strategy models.ConflictStrategy, merged models.Document) error {
	if !models.ValidStrategy(strategy) || strategy == models.StrategyManual {
		return &models.ValidationError{Field: "strategy", Reason: "must be local, remote, or merge"}
	}

	m.mu.Lock()
	rec, ok := m.updates[updateID]
	if !ok {
		m.mu.Unlock()
		return models.ErrUpdateNotFound
	}
	if rec.State != models.StateConflicted || rec.Conflict == nil {
		m.mu.Unlock()
		return &models.ConflictError{UpdateID: updateID,
			Reason: "not in conflicted state"}
	}

	server := rec.Conflict.ServerVersion
	serverVersion := server.Version()

	var resolved models.Document
	switch strategy {
	case models.StrategyLocal:
		resolved = rec.Optimistic.Clone()
		version := rec.Version
		if serverVersion > version {
			version = serverVersion
		}
		resolved["version"] = version + 1

	case models.StrategyRemote:
		resolved = server.Clone()
		resolved["version"] = serverVersion + 1

	case models.StrategyMerge:
		if merged != nil {
			resolved = merged.Clone()
			if resolved.Version() == 0 {
				version := rec.Version
				if serverVersion > version {
					version = serverVersion
				}
				resolved["version"] = version + 1
			}
		} else {
			var err error
			resolved, err = AutoMerge(updateID, rec.Original, rec.Optimistic, server)
			if err != nil {
				m.mu.Unlock()
				return err
			}
			rec.AutoMerged = true
		}
	}

	rec.Optimistic = resolved
	rec.Version = resolved.Version()
	rec.Checksum = resolved.Checksum()
	rec.Conflict = nil
	rec.State = models.StatePending
	queue := m.queue
	snapshot := rec.Clone()
	m.mu.Unlock()

	m.logger.WithFields(map[string]any{
		"update_id": updateID,
		"strategy":  strategy,
		"version":   snapshot.Version,
	}).Info("Conflict resolved")

	m.bus.Publish(events.EventConflictResolved, UpdateEvent{
		Record: snapshot,
		Data:   snapshot.Optimistic,
		Reason: string(strategy),
	})

	if queue != nil {
		queue.Enqueue(updateID)
	}
	return nil
}

// Retry transitions a FAILED record back to PENDING and re-queues it.
// This is the manual path after the queue's automatic attempts are
// exhausted.
func (m *Manager) Retry(updateID string) error {
	m.mu.Lock()
	rec, ok := m.updates[updateID]
	if !ok {
		m.mu.Unlock()
		return models.ErrUpdateNotFound
	}
	if rec.State != models.StateFailed {
		m.mu.Unlock()
		return &models.ConflictError{UpdateID: updateID,
			Reason: "only failed updates can be retried"}
	}

	rec.State = models.StatePending
	rec.FailReason = ""
	queue := m.queue
	m.mu.Unlock()

	m.logger.WithField("update_id", updateID).Info("Retrying update")

	if queue != nil {
		queue.Enqueue(updateID)
	}
	return nil
}

// View composes the current optimistic view for an item: all still-pending
// records, ordered by sequence counter ascending, folded onto the
// baseline. Each application is a shallow merge of the record's delta
// plus a version and timestamp bump. Pure function of the pending records
// and baseline.
func (m *Manager) View(itemID string, baseline models.Document) models.Document {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := baseline.Clone()
	if out == nil {
		out = models.Document{}
	}

	for _, rec := range m.byItem[itemID] {
		if rec.State != models.StatePending {
			continue
		}
		out = out.Overlay(rec.Delta)
		out["version"] = rec.Version
		out["updated_at"] = rec.Timestamp.UTC().Format(timeLayout)
	}
	return out
}

// Get returns a clone of a record.
func (m *Manager) Get(updateID string) (*models.UpdateRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.updates[updateID]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// PendingFor returns clones of the still-pending records for an item in
// sequence order.
func (m *Manager) PendingFor(itemID string) []*models.UpdateRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.UpdateRecord
	for _, rec := range m.byItem[itemID] {
		if rec.State == models.StatePending {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// Records returns clones of all live records, ordered by sequence. Used
// by snapshots.
func (m *Manager) Records() []*models.UpdateRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.UpdateRecord, 0, len(m.updates))
	for _, recs := range m.byItem {
		for _, rec := range recs {
			out = append(out, rec.Clone())
		}
	}
	sortRecords(out)
	return out
}

// History returns clones of the bounded audit ring, oldest first.
func (m *Manager) History() []*models.UpdateRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.UpdateRecord, 0, len(m.history))
	for _, rec := range m.history {
		out = append(out, rec.Clone())
	}
	return out
}

// Adopt reinstates records from a restored snapshot. Replaying stale
// pending mutations can reintroduce resolved conflicts, so callers opt in
// explicitly. Sequence numbering continues past the adopted records.
func (m *Manager) Adopt(records []*models.UpdateRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range records {
		if rec == nil || rec.Terminal() {
			continue
		}
		cp := rec.Clone()
		m.updates[cp.ID] = cp
		m.byItem[cp.ItemID] = append(m.byItem[cp.ItemID], cp)
		if cp.Seq > m.seq {
			m.seq = cp.Seq
		}
	}
	for itemID := range m.byItem {
		sortRecords(m.byItem[itemID])
	}
}

// Mutation builds the remote write for a pending record. Implements the
// queue's source contract.
func (m *Manager) Mutation(updateID string) (remote.Mutation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.updates[updateID]
	if !ok {
		return remote.Mutation{}, models.ErrUpdateNotFound
	}

	return remote.Mutation{
		UpdateID:    rec.ID,
		ItemID:      rec.ItemID,
		Operation:   rec.Operation,
		Data:        rec.Optimistic.Clone(),
		BaseVersion: rec.Version - 1,
	}, nil
}

// IncrementRetry bumps the record's attempt counter. Called by the queue
// before each automatic retry.
func (m *Manager) IncrementRetry(updateID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.updates[updateID]; ok {
		rec.RetryCount++
	}
}

// UpdateConfirmed, UpdateFailed, and UpdateConflicted implement the sync
// queue's outcome sink.

func (m *Manager) UpdateConfirmed(updateID string, newVersion int) {
	if err := m.Confirm(updateID, newVersion); err != nil {
		m.logger.WithError(err).WithField("update_id", updateID).
			Warn("Confirm after sync failed")
	}
}

func (m *Manager) UpdateFailed(updateID string, reason error) {
	if err := m.Reject(updateID, reason); err != nil {
		m.logger.WithError(err).WithField("update_id", updateID).
			Warn("Reject after sync failed")
	}
}

func (m *Manager) UpdateConflicted(updateID string, serverVersion models.Document) {
	if err := m.MarkConflicted(updateID, serverVersion); err != nil {
		m.logger.WithError(err).WithField("update_id", updateID).
			Warn("Conflict marking after sync failed")
	}
}

// removeLocked deletes a record from the live maps and appends it to the
// audit ring, evicting the oldest entry past the cap.
func (m *Manager) removeLocked(rec *models.UpdateRecord) {
	delete(m.updates, rec.ID)

	recs := m.byItem[rec.ItemID]
	for i, r := range recs {
		if r.ID == rec.ID {
			m.byItem[rec.ItemID] = append(recs[:i:i], recs[i+1:]...)
			break
		}
	}
	if len(m.byItem[rec.ItemID]) == 0 {
		delete(m.byItem, rec.ItemID)
	}

	m.history = append(m.history, rec.Clone())
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
}

func sortRecords(recs []*models.UpdateRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })
}
