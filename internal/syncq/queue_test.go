package syncq_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanbanlab/boardsync/internal/clock"
	"github.com/kanbanlab/boardsync/internal/events"
	"github.com/kanbanlab/boardsync/internal/models"
	"github.com/kanbanlab/boardsync/internal/optimistic"
	"github.com/kanbanlab/boardsync/internal/remote"
	"github.com/kanbanlab/boardsync/internal/syncq"
	"github.com/kanbanlab/boardsync/test/testutil"
)

type fixture struct {
	mgr   *optimistic.Manager
	queue *syncq.Queue
	store *remote.MockStore
	rec   *testutil.Recorder
}

// newFixture wires a real update manager against the mock remote. The
// real clock with a millisecond retry delay keeps backoff tests fast.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	bus := events.NewBus()
	rec := &testutil.Recorder{}
	t.Cleanup(rec.Attach(bus))

	logger := testutil.NewTestLogger()
	clk := clock.New()
	store := remote.NewMockStore()

	mgr := optimistic.NewManager(bus, clk, logger)
	queue := syncq.NewQueue(mgr, store, bus, clk, syncq.Config{
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
	}, logger)
	mgr.AttachQueue(queue)

	return &fixture{mgr: mgr, queue: queue, store: store, rec: rec}
}

func (f *fixture) propose(t *testing.T, itemID string, baseline, delta models.Document, retry bool) string {
	t.Helper()
	res, err := f.mgr.Propose(itemID, baseline, delta, optimistic.ProposeOptions{
		RetryOnFailure: retry,
	})
	require.NoError(t, err)
	return res.UpdateID
}

func TestQueueDrain(t *testing.T) {
	f := newFixture(t)
	baseline := testutil.TaskDoc("A", "pending", 1)
	f.store.Seed("task-1", baseline)

	id1 := f.propose(t, "task-1", baseline, models.Document{"status": "in-progress"}, false)
	assert.Equal(t, 1, f.queue.Pending())

	require.NoError(t, f.queue.Start(context.Background()))

	assert.Equal(t, syncq.StateCompleted, f.queue.State())
	assert.Equal(t, 0, f.queue.Pending())

	_, live := f.mgr.Get(id1)
	assert.False(t, live, "confirmed record should leave the live set")

	entity, ok := f.store.Entity("task-1")
	require.True(t, ok)
	assert.Equal(t, "in-progress", entity["status"])
	assert.Equal(t, 2, entity.Version())

	progress := f.queue.Progress()
	assert.Equal(t, 1, progress.Processed)
	assert.Equal(t, 0, progress.Failed)

	assert.Equal(t, 1, f.rec.Count(events.EventSyncItemProcessed))
	assert.Equal(t, 1, f.rec.Count(events.EventSyncProgress))
	assert.Equal(t, 1, f.rec.Count(events.EventUpdateConfirmed))
}

func TestQueueSequentialOrder(t *testing.T) {
	f := newFixture(t)
	baseline := testutil.TaskDoc("A", "pending", 1)
	f.store.Seed("task-1", baseline)

	// Two stacked edits to the same item; the second is proposed against
	// the first's optimistic view so its baseline version lines up.
	id1 := f.propose(t, "task-1", baseline, models.Document{"status": "in-progress"}, false)
	first, _ := f.mgr.Get(id1)
	f.propose(t, "task-1", first.Optimistic, models.Document{"status": "done"}, false)

	require.NoError(t, f.queue.Start(context.Background()))

	applied := f.store.Applied()
	require.Len(t, applied, 2)
	assert.Equal(t, 1, applied[0].BaseVersion)
	assert.Equal(t, 2, applied[1].BaseVersion)

	entity, _ := f.store.Entity("task-1")
	assert.Equal(t, "done", entity["status"])
	assert.Equal(t, 3, entity.Version())
}

func TestQueueRetry(t *testing.T) {
	t.Run("transient failure recovers within the cap", func(t *testing.T) {
		f := newFixture(t)
		baseline := testutil.TaskDoc("A", "pending", 1)
		f.store.Seed("task-1", baseline)
		f.store.FailNext(2, errors.New("connection reset"))

		id := f.propose(t, "task-1", baseline, models.Document{"status": "done"}, true)

		require.NoError(t, f.queue.Start(context.Background()))

		assert.Equal(t, syncq.StateCompleted, f.queue.State())
		_, live := f.mgr.Get(id)
		assert.False(t, live)
		assert.Equal(t, 1, f.rec.Count(events.EventUpdateConfirmed))
	})

	t.Run("exhausted attempts fail the record", func(t *testing.T) {
		f := newFixture(t)
		baseline := testutil.TaskDoc("A", "pending", 1)
		f.store.Seed("task-1", baseline)
		f.store.FailNext(5, errors.New("connection reset"))

		id := f.propose(t, "task-1", baseline, models.Document{"status": "done"}, true)

		require.NoError(t, f.queue.Start(context.Background()))

		// Three attempts total, then reject plus automatic rollback.
		assert.Len(t, f.store.Applied(), 0)
		_, live := f.mgr.Get(id)
		assert.False(t, live)
		assert.Equal(t, 1, f.rec.Count(events.EventUpdateFailed))
		assert.Equal(t, 1, f.rec.Count(events.EventUpdateRolledBack))

		progress := f.queue.Progress()
		assert.Equal(t, 1, progress.Failed)

		history := f.mgr.History()
		require.Len(t, history, 1)
		assert.Equal(t, 2, history[0].RetryCount)
	})

	t.Run("no retry without opt-in", func(t *testing.T) {
		f := newFixture(t)
		baseline := testutil.TaskDoc("A", "pending", 1)
		f.store.Seed("task-1", baseline)
		f.store.FailNext(1, errors.New("connection reset"))

		f.propose(t, "task-1", baseline, models.Document{"status": "done"}, false)

		require.NoError(t, f.queue.Start(context.Background()))

		assert.Equal(t, 1, f.rec.Count(events.EventUpdateFailed))
		history := f.mgr.History()
		require.Len(t, history, 1)
		assert.Equal(t, 0, history[0].RetryCount)
	})
}

func TestQueueConflict(t *testing.T) {
	f := newFixture(t)
	baseline := testutil.TaskDoc("A", "pending", 1)

	// Remote moved ahead while the local edit was proposed against v1.
	server := baseline.Clone()
	server["title"] = "B"
	server["version"] = 2
	f.store.Seed("task-1", server)

	id := f.propose(t, "task-1", baseline, models.Document{"status": "in-progress"}, false)

	require.NoError(t, f.queue.Start(context.Background()))

	got, ok := f.mgr.Get(id)
	require.True(t, ok)
	assert.Equal(t, models.StateConflicted, got.State)
	assert.Equal(t, "B", got.Conflict.ServerVersion["title"])

	progress := f.queue.Progress()
	assert.Equal(t, 1, progress.Conflicted)
	assert.Equal(t, 1, f.rec.Count(events.EventConflictDetected))

	// Resolving re-queues; the next drain succeeds against the server
	// version.
	require.NoError(t, f.mgr.ResolveConflict(id, models.StrategyMerge, nil))
	require.NoError(t, f.queue.Start(context.Background()))

	entity, _ := f.store.Entity("task-1")
	assert.Equal(t, "B", entity["title"])
	assert.Equal(t, "in-progress", entity["status"])
	assert.Equal(t, 3, entity.Version())
}

func TestQueuePauseResume(t *testing.T) {
	f := newFixture(t)
	baseline := testutil.TaskDoc("A", "pending", 1)
	f.store.Seed("task-1", baseline)
	f.store.Seed("task-2", baseline)

	f.propose(t, "task-1", baseline, models.Document{"status": "done"}, false)
	f.propose(t, "task-2", baseline, models.Document{"status": "done"}, false)

	// Pause while the first call is in flight; it completes, the second
	// item stays queued.
	f.store.BeforeApply = func(m remote.Mutation) {
		f.store.BeforeApply = nil
		f.queue.Pause()
	}

	require.NoError(t, f.queue.Start(context.Background()))

	assert.Equal(t, syncq.StatePaused, f.queue.State())
	assert.Equal(t, 1, f.queue.Pending())
	assert.Len(t, f.store.Applied(), 1)

	require.NoError(t, f.queue.Resume(context.Background()))

	assert.Equal(t, syncq.StateCompleted, f.queue.State())
	assert.Equal(t, 0, f.queue.Pending())
	assert.Equal(t, 2, f.queue.Progress().Processed)
}

func TestQueueCancel(t *testing.T) {
	f := newFixture(t)
	baseline := testutil.TaskDoc("A", "pending", 1)
	f.store.Seed("task-1", baseline)
	f.store.Seed("task-2", baseline)

	id1 := f.propose(t, "task-1", baseline, models.Document{"status": "done"}, false)
	id2 := f.propose(t, "task-2", baseline, models.Document{"status": "done"}, false)

	// Cancel while the first call is in flight: its result is discarded
	// and both records fail with the cancellation reason.
	f.store.BeforeApply = func(m remote.Mutation) {
		f.store.BeforeApply = nil
		f.queue.Cancel()
	}

	require.NoError(t, f.queue.Start(context.Background()))

	assert.Equal(t, syncq.StateCancelled, f.queue.State())
	assert.Equal(t, 0, f.queue.Pending())

	for _, id := range []string{id1, id2} {
		_, live := f.mgr.Get(id)
		assert.False(t, live, "cancelled records roll back")
	}
	assert.Equal(t, 2, f.rec.Count(events.EventUpdateFailed))

	// The discarded in-flight result must not confirm anything.
	assert.Equal(t, 0, f.rec.Count(events.EventUpdateConfirmed))

	for _, rec := range f.mgr.History() {
		if rec.State == models.StateFailed || rec.State == models.StateRolledBack {
			continue
		}
		t.Fatalf("unexpected state %s after cancel", rec.State)
	}
}

func TestQueueRestartAfterTerminal(t *testing.T) {
	f := newFixture(t)
	baseline := testutil.TaskDoc("A", "pending", 1)
	f.store.Seed("task-1", baseline)

	f.propose(t, "task-1", baseline, models.Document{"status": "in-progress"}, false)
	require.NoError(t, f.queue.Start(context.Background()))
	require.Equal(t, syncq.StateCompleted, f.queue.State())

	// A fresh enqueue after completion drains on the next start with
	// reset progress.
	entity, _ := f.store.Entity("task-1")
	f.propose(t, "task-1", entity, models.Document{"status": "done"}, false)

	require.NoError(t, f.queue.Start(context.Background()))
	assert.Equal(t, syncq.StateCompleted, f.queue.State())
	assert.Equal(t, 1, f.queue.Progress().Processed)

	final, _ := f.store.Entity("task-1")
	assert.Equal(t, "done", final["status"])
	assert.Equal(t, 3, final.Version())
}

func TestQueueEnqueueDedup(t *testing.T) {
	f := newFixture(t)

	assert.True(t, f.queue.Enqueue("u1"))
	assert.False(t, f.queue.Enqueue("u1"))
	assert.Equal(t, 1, f.queue.Pending())
}

func TestQueueStartWhileSyncing(t *testing.T) {
	f := newFixture(t)
	baseline := testutil.TaskDoc("A", "pending", 1)
	f.store.Seed("task-1", baseline)
	f.propose(t, "task-1", baseline, models.Document{"status": "done"}, false)

	var startErr error
	f.store.BeforeApply = func(m remote.Mutation) {
		f.store.BeforeApply = nil
		startErr = f.queue.Start(context.Background())
	}

	require.NoError(t, f.queue.Start(context.Background()))
	assert.ErrorIs(t, startErr, models.ErrSyncInProgress)
}

func TestQueueSkipsResolvedRecords(t *testing.T) {
	f := newFixture(t)
	baseline := testutil.TaskDoc("A", "pending", 1)
	f.store.Seed("task-1", baseline)

	id := f.propose(t, "task-1", baseline, models.Document{"status": "done"}, false)
	require.NoError(t, f.mgr.Rollback(id))

	require.NoError(t, f.queue.Start(context.Background()))

	assert.Len(t, f.store.Applied(), 0)
	assert.Equal(t, syncq.StateCompleted, f.queue.State())
}
