package optimistic_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanbanlab/boardsync/internal/events"
	"github.com/kanbanlab/boardsync/internal/models"
	"github.com/kanbanlab/boardsync/internal/optimistic"
	"github.com/kanbanlab/boardsync/test/testutil"
)

type captureQueue struct {
	ids []string
}

func (q *captureQueue) Enqueue(updateID string) bool {
	q.ids = append(q.ids, updateID)
	return true
}

func newManager(t *testing.T) (*optimistic.Manager, *captureQueue, *testutil.Recorder) {
	t.Helper()

	bus := events.NewBus()
	rec := &testutil.Recorder{}
	t.Cleanup(rec.Attach(bus))

	mgr := optimistic.NewManager(bus, testutil.NewFakeClock(), testutil.NewTestLogger())
	queue := &captureQueue{}
	mgr.AttachQueue(queue)
	return mgr, queue, rec
}

func TestPropose(t *testing.T) {
	baseline := testutil.TaskDoc("A", "pending", 1)

	t.Run("returns optimistic view synchronously", func(t *testing.T) {
		mgr, queue, rec := newManager(t)

		res, err := mgr.Propose("task-1", baseline, models.Document{"status": "in-progress"},
			optimistic.ProposeOptions{})
		require.NoError(t, err)

		assert.Equal(t, "in-progress", res.OptimisticView["status"])
		assert.Equal(t, "A", res.OptimisticView["title"])
		assert.Equal(t, 2, res.OptimisticView.Version())
		assert.Contains(t, res.OptimisticView, "updated_at")

		assert.Equal(t, []string{res.UpdateID}, queue.ids)
		assert.Equal(t, 1, rec.Count(events.EventUpdateApplied))

		got, ok := mgr.Get(res.UpdateID)
		require.True(t, ok)
		assert.Equal(t, models.StatePending, got.State)
		assert.Equal(t, "A", got.Original["title"])
		assert.Equal(t, 1, got.Original.Version())
	})

	t.Run("deferred proposals are not enqueued", func(t *testing.T) {
		mgr, queue, _ := newManager(t)

		res, err := mgr.Propose("task-1", baseline, models.Document{"status": "done"},
			optimistic.ProposeOptions{Deferred: true})
		require.NoError(t, err)

		assert.Empty(t, queue.ids)
		assert.NotEmpty(t, res.OptimisticView)
	})

	t.Run("ids order by sequence", func(t *testing.T) {
		mgr, _, _ := newManager(t)

		first, err := mgr.Propose("task-1", baseline, models.Document{"a": 1},
			optimistic.ProposeOptions{})
		require.NoError(t, err)
		second, err := mgr.Propose("task-1", baseline, models.Document{"b": 2},
			optimistic.ProposeOptions{})
		require.NoError(t, err)

		recs := mgr.PendingFor("task-1")
		require.Len(t, recs, 2)
		assert.Equal(t, first.UpdateID, recs[0].ID)
		assert.Equal(t, second.UpdateID, recs[1].ID)
		assert.Less(t, recs[0].Seq, recs[1].Seq)
	})

	t.Run("validation", func(t *testing.T) {
		mgr, _, _ := newManager(t)

		cases := []struct {
			name     string
			itemID   string
			baseline models.Document
			delta    models.Document
			opts     optimistic.ProposeOptions
		}{
			{"empty item id", "", baseline, models.Document{"a": 1}, optimistic.ProposeOptions{}},
			{"empty delta", "task-1", baseline, models.Document{}, optimistic.ProposeOptions{}},
			{"missing baseline for update", "task-1", nil, models.Document{"a": 1}, optimistic.ProposeOptions{}},
			{"unknown operation", "task-1", baseline, models.Document{"a": 1},
				optimistic.ProposeOptions{Operation: "upsert"}},
			{"unknown strategy", "task-1", baseline, models.Document{"a": 1},
				optimistic.ProposeOptions{Strategy: "theirs"}},
		}

		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := mgr.Propose(tc.itemID, tc.baseline, tc.delta, tc.opts)
				var verr *models.ValidationError
				assert.ErrorAs(t, err, &verr)
			})
		}
	})
}

func TestConfirm(t *testing.T) {
	baseline := testutil.TaskDoc("A", "pending", 1)

	t.Run("removes the record and publishes", func(t *testing.T) {
		mgr, _, rec := newManager(t)

		res, err := mgr.Propose("task-1", baseline, models.Document{"status": "done"},
			optimistic.ProposeOptions{})
		require.NoError(t, err)

		require.NoError(t, mgr.Confirm(res.UpdateID, 2))

		_, ok := mgr.Get(res.UpdateID)
		assert.False(t, ok)
		assert.Empty(t, mgr.PendingFor("task-1"))
		assert.Equal(t, 1, rec.Count(events.EventUpdateConfirmed))

		history := mgr.History()
		require.Len(t, history, 1)
		assert.Equal(t, models.StateConfirmed, history[0].State)
	})

	t.Run("unknown id", func(t *testing.T) {
		mgr, _, _ := newManager(t)
		assert.ErrorIs(t, mgr.Confirm("nope", 2), models.ErrUpdateNotFound)
	})

	t.Run("cannot confirm twice", func(t *testing.T) {
		mgr, _, _ := newManager(t)

		res, err := mgr.Propose("task-1", baseline, models.Document{"status": "done"},
			optimistic.ProposeOptions{})
		require.NoError(t, err)
		require.NoError(t, mgr.Confirm(res.UpdateID, 2))

		assert.ErrorIs(t, mgr.Confirm(res.UpdateID, 3), models.ErrUpdateNotFound)
	})
}

func TestRejectAndRollback(t *testing.T) {
	baseline := testutil.TaskDoc("A", "pending", 1)

	t.Run("immediate updates roll back automatically", func(t *testing.T) {
		mgr, _, rec := newManager(t)

		res, err := mgr.Propose("task-1", baseline, models.Document{"status": "done"},
			optimistic.ProposeOptions{})
		require.NoError(t, err)

		require.NoError(t, mgr.Reject(res.UpdateID, errors.New("server said no")))

		_, ok := mgr.Get(res.UpdateID)
		assert.False(t, ok)
		assert.Equal(t, 1, rec.Count(events.EventUpdateFailed))
		assert.Equal(t, 1, rec.Count(events.EventUpdateRolledBack))

		// Rollback event carries the pre-mutation data.
		for _, evt := range rec.Events {
			if evt.Type == events.EventUpdateRolledBack {
				payload := evt.Payload.(optimistic.UpdateEvent)
				assert.Equal(t, "pending", payload.Data["status"])
				assert.Equal(t, 1, payload.Data.Version())
			}
		}
	})

	t.Run("deferred updates stay failed for manual retry", func(t *testing.T) {
		mgr, queue, _ := newManager(t)

		res, err := mgr.Propose("task-1", baseline, models.Document{"status": "done"},
			optimistic.ProposeOptions{Deferred: true})
		require.NoError(t, err)

		require.NoError(t, mgr.Reject(res.UpdateID, errors.New("offline")))

		got, ok := mgr.Get(res.UpdateID)
		require.True(t, ok)
		assert.Equal(t, models.StateFailed, got.State)
		assert.Equal(t, "offline", got.FailReason)

		require.NoError(t, mgr.Retry(res.UpdateID))
		got, _ = mgr.Get(res.UpdateID)
		assert.Equal(t, models.StatePending, got.State)
		assert.Equal(t, []string{res.UpdateID}, queue.ids)
	})

	t.Run("retry requires failed state", func(t *testing.T) {
		mgr, _, _ := newManager(t)

		res, err := mgr.Propose("task-1", baseline, models.Document{"status": "done"},
			optimistic.ProposeOptions{})
		require.NoError(t, err)

		var cerr *models.ConflictError
		assert.ErrorAs(t, mgr.Retry(res.UpdateID), &cerr)
	})
}

func TestConflictLifecycle(t *testing.T) {
	baseline := testutil.TaskDoc("A", "pending", 1)

	serverDoc := func() models.Document {
		doc := baseline.Clone()
		doc["title"] = "B"
		doc["version"] = 2
		return doc
	}

	t.Run("manual strategy waits for resolution", func(t *testing.T) {
		mgr, _, rec := newManager(t)

		res, err := mgr.Propose("task-1", baseline, models.Document{"status": "in-progress"},
			optimistic.ProposeOptions{})
		require.NoError(t, err)

		require.NoError(t, mgr.MarkConflicted(res.UpdateID, serverDoc()))

		got, ok := mgr.Get(res.UpdateID)
		require.True(t, ok)
		assert.Equal(t, models.StateConflicted, got.State)
		require.NotNil(t, got.Conflict)
		assert.Equal(t, []string{"status"}, got.Conflict.LocalChanged)
		assert.Equal(t, []string{"title"}, got.Conflict.RemoteChanged)
		assert.Empty(t, got.Conflict.Overlap)
		assert.Equal(t, 1, rec.Count(events.EventConflictDetected))
	})

	t.Run("merge strategy resolves automatically", func(t *testing.T) {
		mgr, queue, rec := newManager(t)

		res, err := mgr.Propose("task-1", baseline, models.Document{"status": "in-progress"},
			optimistic.ProposeOptions{Strategy: models.StrategyMerge})
		require.NoError(t, err)
		queue.ids = nil

		require.NoError(t, mgr.MarkConflicted(res.UpdateID, serverDoc()))

		got, ok := mgr.Get(res.UpdateID)
		require.True(t, ok)
		assert.Equal(t, models.StatePending, got.State)
		assert.True(t, got.AutoMerged)
		assert.Equal(t, "B", got.Optimistic["title"])
		assert.Equal(t, "in-progress", got.Optimistic["status"])
		assert.Equal(t, 3, got.Version)

		assert.Equal(t, []string{res.UpdateID}, queue.ids)
		assert.Equal(t, 1, rec.Count(events.EventConflictResolved))
	})

	t.Run("merge refusal leaves the record conflicted", func(t *testing.T) {
		mgr, _, _ := newManager(t)

		res, err := mgr.Propose("task-1", baseline, models.Document{"title": "C"},
			optimistic.ProposeOptions{Strategy: models.StrategyMerge})
		require.NoError(t, err)

		require.NoError(t, mgr.MarkConflicted(res.UpdateID, serverDoc()))

		got, ok := mgr.Get(res.UpdateID)
		require.True(t, ok)
		assert.Equal(t, models.StateConflicted, got.State)
		assert.Equal(t, []string{"title"}, got.Conflict.Overlap)
	})

	t.Run("resolve local keeps optimistic data past server version", func(t *testing.T) {
		mgr, _, _ := newManager(t)

		res, err := mgr.Propose("task-1", baseline, models.Document{"status": "in-progress"},
			optimistic.ProposeOptions{})
		require.NoError(t, err)
		require.NoError(t, mgr.MarkConflicted(res.UpdateID, serverDoc()))

		require.NoError(t, mgr.ResolveConflict(res.UpdateID, models.StrategyLocal, nil))

		got, _ := mgr.Get(res.UpdateID)
		assert.Equal(t, models.StatePending, got.State)
		assert.Equal(t, "in-progress", got.Optimistic["status"])
		assert.Equal(t, "A", got.Optimistic["title"])
		assert.Equal(t, 3, got.Version)
	})

	t.Run("resolve remote adopts the server snapshot", func(t *testing.T) {
		mgr, _, _ := newManager(t)

		res, err := mgr.Propose("task-1", baseline, models.Document{"status": "in-progress"},
			optimistic.ProposeOptions{})
		require.NoError(t, err)
		require.NoError(t, mgr.MarkConflicted(res.UpdateID, serverDoc()))

		require.NoError(t, mgr.ResolveConflict(res.UpdateID, models.StrategyRemote, nil))

		got, _ := mgr.Get(res.UpdateID)
		assert.Equal(t, "B", got.Optimistic["title"])
		assert.Equal(t, "pending", got.Optimistic["status"])
		assert.Equal(t, 3, got.Version)
	})

	t.Run("resolve with caller-supplied merge data", func(t *testing.T) {
		mgr, _, _ := newManager(t)

		res, err := mgr.Propose("task-1", baseline, models.Document{"title": "C"},
			optimistic.ProposeOptions{})
		require.NoError(t, err)
		require.NoError(t, mgr.MarkConflicted(res.UpdateID, serverDoc()))

		merged := models.Document{"id": "task-1", "title": "B+C", "status": "pending"}
		require.NoError(t, mgr.ResolveConflict(res.UpdateID, models.StrategyMerge, merged))

		got, _ := mgr.Get(res.UpdateID)
		assert.Equal(t, "B+C", got.Optimistic["title"])
		assert.Equal(t, 3, got.Version)
	})

	t.Run("resolve outside conflicted state fails", func(t *testing.T) {
		mgr, _, _ := newManager(t)

		res, err := mgr.Propose("task-1", baseline, models.Document{"status": "done"},
			optimistic.ProposeOptions{})
		require.NoError(t, err)

		var cerr *models.ConflictError
		assert.ErrorAs(t, mgr.ResolveConflict(res.UpdateID, models.StrategyLocal, nil), &cerr)
	})

	t.Run("manual is not a resolution strategy", func(t *testing.T) {
		mgr, _, _ := newManager(t)
		var verr *models.ValidationError
		assert.ErrorAs(t, mgr.ResolveConflict("u1", models.StrategyManual, nil), &verr)
	})
}

func TestView(t *testing.T) {
	baseline := testutil.TaskDoc("A", "pending", 1)

	t.Run("folds pending deltas in sequence order", func(t *testing.T) {
		mgr, _, _ := newManager(t)

		_, err := mgr.Propose("task-1", baseline, models.Document{"status": "in-progress"},
			optimistic.ProposeOptions{})
		require.NoError(t, err)
		_, err = mgr.Propose("task-1", baseline, models.Document{"status": "done", "assignee": "dana"},
			optimistic.ProposeOptions{})
		require.NoError(t, err)

		view := mgr.View("task-1", baseline)
		assert.Equal(t, "done", view["status"])
		assert.Equal(t, "dana", view["assignee"])
		assert.Equal(t, "A", view["title"])
	})

	t.Run("is deterministic and does not mutate the baseline", func(t *testing.T) {
		mgr, _, _ := newManager(t)

		_, err := mgr.Propose("task-1", baseline, models.Document{"status": "done"},
			optimistic.ProposeOptions{})
		require.NoError(t, err)

		first := mgr.View("task-1", baseline)
		second := mgr.View("task-1", baseline)
		assert.Equal(t, first, second)
		assert.Equal(t, "pending", baseline["status"])
	})

	t.Run("skips non-pending records", func(t *testing.T) {
		mgr, _, _ := newManager(t)

		res, err := mgr.Propose("task-1", baseline, models.Document{"status": "done"},
			optimistic.ProposeOptions{Deferred: true})
		require.NoError(t, err)
		require.NoError(t, mgr.Reject(res.UpdateID, errors.New("nope")))

		view := mgr.View("task-1", baseline)
		assert.Equal(t, "pending", view["status"])
	})

	t.Run("empty baseline", func(t *testing.T) {
		mgr, _, _ := newManager(t)
		view := mgr.View("missing", nil)
		assert.Empty(t, view)
	})
}

func TestHistoryRing(t *testing.T) {
	mgr, _, _ := newManager(t)
	baseline := testutil.TaskDoc("A", "pending", 1)

	for i := 0; i < 120; i++ {
		res, err := mgr.Propose(fmt.Sprintf("task-%d", i), baseline,
			models.Document{"n": i}, optimistic.ProposeOptions{})
		require.NoError(t, err)
		require.NoError(t, mgr.Confirm(res.UpdateID, 2))
	}

	history := mgr.History()
	assert.Len(t, history, 100)
	// Oldest entries evicted; the ring keeps the most recent hundred.
	assert.Equal(t, float64(20), history[0].Optimistic["n"].(float64))
}
