// Package syncq drains pending mutations to the remote store one at a
// time, preserving per-item visibility ordering, with bounded retry and
// a pause/resume/cancel protocol.
package syncq

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kanbanlab/boardsync/internal/clock"
	"github.com/kanbanlab/boardsync/internal/events"
	"github.com/kanbanlab/boardsync/internal/models"
	"github.com/kanbanlab/boardsync/internal/remote"
)

// State is the queue's drain state.
type State string

const (
	StateIdle      State = "idle"
	StateSyncing   State = "syncing"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateError     State = "error"
	StateCancelled State = "cancelled"
)

// ItemStatus is the outcome of processing one queue item.
type ItemStatus string

const (
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
	ItemConflicted ItemStatus = "conflicted"
	ItemSkipped    ItemStatus = "skipped"
)

// Updates is the queue's view of the update manager: mutation payloads in,
// outcomes back.
type Updates interface {
	Get(updateID string) (*models.UpdateRecord, bool)
	Mutation(updateID string) (remote.Mutation, error)
	IncrementRetry(updateID string)
	UpdateConfirmed(updateID string, newVersion int)
	UpdateFailed(updateID string, reason error)
	UpdateConflicted(updateID string, serverVersion models.Document)
}

// Progress is reported on the bus after every processed item.
type Progress struct {
	Processed  int     `json:"processed_items"`
	Total      int     `json:"total_items"`
	Failed     int     `json:"failed_items"`
	Conflicted int     `json:"conflicted_items"`
	Percent    float64 `json:"progress"`
}

// ItemEvent is the bus payload for a processed queue item.
type ItemEvent struct {
	UpdateID string
	Status   ItemStatus
	Attempts int
	Error    string
}

// StateChange is the bus payload for queue state transitions.
type StateChange struct {
	From State
	To   State
}

// ErrCancelled marks updates dropped by a queue cancel.
var ErrCancelled = errors.New("cancelled")

// Queue is the synchronization queue. One network call is in flight at a
// time; cancellation is cooperative and cannot interrupt a dispatched
// call, only discard its result.
type Queue struct {
	mu     sync.Mutex
	state  State
	items  []*models.SyncQueueItem
	queued map[string]bool
	pos    int
	gen    int

	progress Progress

	updates Updates
	remote  remote.Store
	bus     *events.Bus
	clock   clock.Clock
	logger  *events.Logger

	maxAttempts int
	retryDelay  time.Duration
}

// Config tunes the queue's retry policy.
type Config struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

// NewQueue creates a synchronization queue.
func NewQueue(updates Updates, store remote.Store, bus *events.Bus, clk clock.Clock, cfg Config, logger *events.Logger) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Queue{
		state:       StateIdle,
		queued:      make(map[string]bool),
		updates:     updates,
		remote:      store,
		bus:         bus,
		clock:       clk,
		logger:      logger.WithField("component", "sync_queue"),
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
	}
}

// State returns the current drain state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Progress returns a copy of the current progress counters.
func (q *Queue) Progress() Progress {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := q.progress
	p.Total = len(q.items)
	return p
}

// Enqueue appends an update to the tail of the queue. No-op if the update
// is already queued and unprocessed.
func (q *Queue) Enqueue(updateID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.queued[updateID] {
		return false
	}
	q.queued[updateID] = true
	q.items = append(q.items, &models.SyncQueueItem{
		UpdateID:   updateID,
		EnqueuedAt: q.clock.Now(),
	})

	q.logger.WithFields(map[string]any{
		"update_id": updateID,
		"depth":     len(q.items) - q.pos,
	}).Debug("Enqueued update")
	return true
}

// Pending returns the number of unprocessed items.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.pos
}

// Start drains the queue sequentially until it is empty, paused, or
// cancelled. It runs on the caller's goroutine; callers wanting a
// background drain run it in one. A fresh start from a terminal state
// resets progress counters.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.state == StateSyncing {
		q.mu.Unlock()
		return models.ErrSyncInProgress
	}
	from := q.state
	if from != StatePaused {
		// Fresh run: drop already-processed prefix and reset counters.
		q.items = append([]*models.SyncQueueItem(nil), q.items[q.pos:]...)
		q.pos = 0
		q.progress = Progress{}
	}
	q.state = StateSyncing
	gen := q.gen
	q.mu.Unlock()

	q.publishStateChange(from, StateSyncing)
	q.bus.Publish(events.EventSyncStarted, q.Progress())

	return q.drain(ctx, gen)
}

// Pause stops dequeuing after the current in-flight call completes. The
// in-flight call is not cancelled.
func (q *Queue) Pause() {
	q.mu.Lock()
	if q.state != StateSyncing {
		q.mu.Unlock()
		return
	}
	q.state = StatePaused
	q.mu.Unlock()

	q.logger.Info("Sync queue paused")
	q.publishStateChange(StateSyncing, StatePaused)
}

// Resume continues draining from the first unprocessed index.
func (q *Queue) Resume(ctx context.Context) error {
	q.mu.Lock()
	if q.state != StatePaused {
		q.mu.Unlock()
		return models.ErrQueueInactive
	}
	q.state = StateSyncing
	gen := q.gen
	q.mu.Unlock()

	q.logger.Info("Sync queue resumed")
	q.publishStateChange(StatePaused, StateSyncing)

	return q.drain(ctx, gen)
}

// Cancel drops all remaining queued items, marking their update records
// failed with reason "cancelled". An in-flight call is not aborted; its
// result is discarded on arrival.
func (q *Queue) Cancel() {
	q.mu.Lock()
	from := q.state
	dropped := make([]string, 0, len(q.items)-q.pos)
	for _, item := range q.items[q.pos:] {
		dropped = append(dropped, item.UpdateID)
		delete(q.queued, item.UpdateID)
	}
	q.items = nil
	q.pos = 0
	q.gen++
	q.state = StateCancelled
	q.mu.Unlock()

	q.logger.WithField("dropped", len(dropped)).Info("Sync queue cancelled")

	for _, id := range dropped {
		q.updates.UpdateFailed(id, ErrCancelled)
	}
	if from != StateCancelled {
		q.publishStateChange(from, StateCancelled)
	}
}

// drain processes items until the queue empties or leaves the syncing
// state. gen guards against results arriving after a cancel.
func (q *Queue) drain(ctx context.Context, gen int) error {
	for {
		q.mu.Lock()
		if q.gen != gen || q.state != StateSyncing {
			q.mu.Unlock()
			return nil
		}
		if q.pos >= len(q.items) {
			q.state = StateCompleted
			q.mu.Unlock()
			q.logger.WithField("processed", q.progress.Processed).Info("Sync queue drained")
			q.publishStateChange(StateSyncing, StateCompleted)
			return nil
		}
		item := q.items[q.pos]
		q.mu.Unlock()

		status, attempts, procErr := q.processItem(ctx, item)

		q.mu.Lock()
		if q.gen != gen {
			// Cancelled while the call was in flight; discard the result.
			q.mu.Unlock()
			return nil
		}
		if procErr != nil && errors.Is(procErr, ctx.Err()) && ctx.Err() != nil {
			q.state = StateError
			q.mu.Unlock()
			q.publishStateChange(StateSyncing, StateError)
			return procErr
		}

		q.pos++
		delete(q.queued, item.UpdateID)
		q.progress.Processed++
		switch status {
		case ItemFailed:
			q.progress.Failed++
		case ItemConflicted:
			q.progress.Conflicted++
		}
		progress := q.progress
		progress.Total = len(q.items)
		if progress.Total > 0 {
			progress.Percent = float64(progress.Processed) / float64(progress.Total) * 100
		}
		q.mu.Unlock()

		q.bus.Publish(events.EventSyncItemProcessed, ItemEvent{
			UpdateID: item.UpdateID,
			Status:   status,
			Attempts: attempts,
			Error:    errString(procErr),
		})
		q.bus.Publish(events.EventSyncProgress, progress)
	}
}

// processItem runs one remote write with bounded exponential backoff.
func (q *Queue) processItem(ctx context.Context, item *models.SyncQueueItem) (ItemStatus, int, error) {
	rec, ok := q.updates.Get(item.UpdateID)
	if !ok || rec.State != models.StatePending {
		// Rolled back or resolved elsewhere while queued.
		return ItemSkipped, 0, nil
	}

	maxAttempts := 1
	if rec.RetryOnFailure {
		maxAttempts = q.maxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		item.Attempts++
		if attempt > 1 {
			q.updates.IncrementRetry(item.UpdateID)

			delay := q.retryDelay * (1 << (attempt - 2))
			item.NextAttemptAt = q.clock.Now().Add(delay)
			q.logger.WithFields(map[string]any{
				"update_id": item.UpdateID,
				"attempt":   attempt,
				"delay":     delay,
			}).Debug("Retrying sync item")

			if err := q.wait(ctx, delay); err != nil {
				return ItemFailed, item.Attempts, err
			}
		}

		mutation, err := q.updates.Mutation(item.UpdateID)
		if err != nil {
			return ItemSkipped, item.Attempts, nil
		}

		result, err := q.remote.Apply(ctx, mutation)
		if err != nil {
			if ctx.Err() != nil {
				return ItemFailed, item.Attempts, ctx.Err()
			}
			lastErr = err
			continue
		}

		switch result.Status {
		case remote.StatusConflict:
			q.updates.UpdateConflicted(item.UpdateID, result.ServerVersion)
			return ItemConflicted, item.Attempts, nil
		default:
			q.updates.UpdateConfirmed(item.UpdateID, result.NewVersion)
			return ItemCompleted, item.Attempts, nil
		}
	}

	syncErr := &models.SyncError{
		UpdateID: item.UpdateID,
		Attempts: item.Attempts,
		Err:      lastErr,
	}
	q.updates.UpdateFailed(item.UpdateID, syncErr)
	return ItemFailed, item.Attempts, syncErr
}

// wait blocks for the backoff delay using the injected clock.
func (q *Queue) wait(ctx context.Context, d time.Duration) error {
	done := make(chan struct{})
	t := q.clock.AfterFunc(d, func() { close(done) })
	defer t.Stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) publishStateChange(from, to State) {
	q.bus.Publish(events.EventSyncStateChanged, StateChange{From: from, To: to})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
