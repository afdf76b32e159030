// Package integration exercises the assembled engine end to end: the
// update manager, sync queue, lock manager, and backup service wired
// together the way the CLI wires them, over in-memory fakes.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanbanlab/boardsync/internal/backup"
	"github.com/kanbanlab/boardsync/internal/clock"
	"github.com/kanbanlab/boardsync/internal/config"
	"github.com/kanbanlab/boardsync/internal/engine"
	"github.com/kanbanlab/boardsync/internal/events"
	"github.com/kanbanlab/boardsync/internal/models"
	"github.com/kanbanlab/boardsync/internal/optimistic"
	"github.com/kanbanlab/boardsync/internal/realtime"
	"github.com/kanbanlab/boardsync/internal/remote"
	"github.com/kanbanlab/boardsync/internal/storage"
	"github.com/kanbanlab/boardsync/internal/syncq"
	"github.com/kanbanlab/boardsync/test/testutil"
)

type env struct {
	client *engine.Client
	mock   *remote.MockStore
	hub    *realtime.MemoryHub
	kv     *storage.MemoryStore
	bus    *events.Bus
}

type envOption func(*engine.Options)

func withKV(kv *storage.MemoryStore) envOption {
	return func(o *engine.Options) { o.Store = kv }
}

func withHub(hub *realtime.MemoryHub) envOption {
	return func(o *engine.Options) { o.Channel = hub }
}

func withClock(clk clock.Clock) envOption {
	return func(o *engine.Options) { o.Clock = clk }
}

func newEnv(t *testing.T, clientID, clientName string, opts ...envOption) *env {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Sync.RetryDelay = time.Millisecond

	e := &env{
		mock: remote.NewMockStore(),
		bus:  events.NewBus(),
	}
	options := engine.Options{
		Remote:     e.mock,
		Bus:        e.bus,
		Logger:     testutil.NewTestLogger(),
		ClientID:   clientID,
		ClientName: clientName,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Store == nil {
		options.Store = storage.NewMemoryStore()
	}
	if options.Channel == nil {
		options.Channel = realtime.NewMemoryHub()
	}
	e.kv = options.Store.(*storage.MemoryStore)
	e.hub = options.Channel.(*realtime.MemoryHub)

	client, err := engine.New(cfg, options)
	require.NoError(t, err)
	e.client = client
	return e
}

func TestEngineSyncFlow(t *testing.T) {
	e := newEnv(t, "client-a", "Alice")
	defer e.client.Close()
	ctx := context.Background()

	report, err := e.client.Start(ctx)
	require.NoError(t, err)
	assert.Nil(t, report, "clean start reports no crash")

	res, err := e.client.Propose("task-1", models.Document{
		"id":     "task-1",
		"title":  "Write release notes",
		"status": "todo",
	}, optimistic.ProposeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.OptimisticView.Version())
	assert.Equal(t, 1, e.client.Queue().Pending())

	require.NoError(t, e.client.Sync(ctx))
	assert.Equal(t, syncq.StateCompleted, e.client.Queue().State())

	// The confirmed view became the stored baseline.
	doc, err := e.client.Entity("task-1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "Write release notes", doc["title"])
	assert.Equal(t, 1, doc.Version())

	// A follow-up edit builds on the synced baseline.
	_, err = e.client.Propose("task-1", models.Document{"status": "doing"}, optimistic.ProposeOptions{})
	require.NoError(t, err)
	require.NoError(t, e.client.Sync(ctx))

	doc, err = e.client.Entity("task-1")
	require.NoError(t, err)
	assert.Equal(t, "doing", doc["status"])
	assert.Equal(t, 2, doc.Version())

	server, ok := e.mock.Entity("task-1")
	require.True(t, ok)
	assert.Equal(t, 2, server.Version())

	status, err := e.client.Status()
	require.NoError(t, err)
	assert.Equal(t, "client-a", status.ClientID)
	assert.Equal(t, syncq.StateCompleted, status.QueueState)
	assert.Equal(t, 0, status.QueuePending)
	assert.Equal(t, 1, status.Entities)
	assert.Equal(t, 1, status.SyncProgress.Processed)
}

func TestEngineConflictFlow(t *testing.T) {
	e := newEnv(t, "client-a", "Alice")
	defer e.client.Close()
	ctx := context.Background()

	// Local baseline lags the server by one version.
	require.NoError(t, e.client.SetEntity("task-1", testutil.TaskDoc("Draft", "todo", 1)))
	e.mock.Seed("task-1", testutil.TaskDoc("Draft", "review", 2))

	res, err := e.client.Propose("task-1", models.Document{"title": "Final"}, optimistic.ProposeOptions{})
	require.NoError(t, err)

	require.NoError(t, e.client.Sync(ctx))

	rec, ok := e.client.Updates().Get(res.UpdateID)
	require.True(t, ok)
	require.Equal(t, models.StateConflicted, rec.State)
	require.NotNil(t, rec.Conflict)
	assert.Equal(t, 2, rec.Conflict.ServerVersion.Version())

	// Adopting the server version re-queues the mutation at a version
	// past both sides.
	require.NoError(t, e.client.Updates().ResolveConflict(res.UpdateID, models.StrategyRemote, nil))
	require.NoError(t, e.client.Sync(ctx))

	doc, err := e.client.Entity("task-1")
	require.NoError(t, err)
	assert.Equal(t, "Draft", doc["title"])
	assert.Equal(t, "review", doc["status"])
	assert.Equal(t, 3, doc.Version())

	server, ok := e.mock.Entity("task-1")
	require.True(t, ok)
	assert.Equal(t, 3, server.Version())
}

func TestEngineSnapshotRestore(t *testing.T) {
	source := newEnv(t, "client-a", "Alice")
	defer source.client.Close()

	require.NoError(t, source.client.SetEntity("task-1", testutil.TaskDoc("Draft", "todo", 1)))
	res, err := source.client.Propose("task-1", models.Document{"status": "doing"},
		optimistic.ProposeOptions{Deferred: true})
	require.NoError(t, err)

	snap, err := source.client.Backups().Snapshot(models.BackupManual, "before migration")
	require.NoError(t, err)

	t.Run("default restore excludes updates", func(t *testing.T) {
		target := newEnv(t, "client-b", "Bob")
		defer target.client.Close()

		_, err := source.client.Backups().Restore(snap.ID, target.client, backup.RestoreOptions{})
		require.NoError(t, err)

		doc, err := target.client.Entity("task-1")
		require.NoError(t, err)
		require.NotNil(t, doc)
		assert.Equal(t, 1, doc.Version())
		assert.Empty(t, target.client.Updates().PendingFor("task-1"))
		assert.Equal(t, 0, target.client.Queue().Pending())
	})

	t.Run("opt-in restore re-queues pending updates", func(t *testing.T) {
		target := newEnv(t, "client-c", "Carol")
		defer target.client.Close()
		target.mock.Seed("task-1", testutil.TaskDoc("Draft", "todo", 1))

		_, err := source.client.Backups().Restore(snap.ID, target.client,
			backup.RestoreOptions{IncludeUpdates: true})
		require.NoError(t, err)

		pending := target.client.Updates().PendingFor("task-1")
		require.Len(t, pending, 1)
		assert.Equal(t, res.UpdateID, pending[0].ID)
		assert.Equal(t, 1, target.client.Queue().Pending())

		view, err := target.client.View("task-1")
		require.NoError(t, err)
		assert.Equal(t, "doing", view["status"])
		assert.Equal(t, 2, view.Version())

		require.NoError(t, target.client.Sync(context.Background()))
		doc, err := target.client.Entity("task-1")
		require.NoError(t, err)
		assert.Equal(t, "doing", doc["status"])
		assert.Equal(t, 2, doc.Version())
	})
}

func TestEngineLockCoordination(t *testing.T) {
	hub := realtime.NewMemoryHub()
	alice := newEnv(t, "client-a", "Alice", withHub(hub))
	bob := newEnv(t, "client-b", "Bob", withHub(hub))
	defer alice.client.Close()
	defer bob.client.Close()
	ctx := context.Background()

	rec, err := alice.client.Locks().RequestLock(ctx, "task", "task-1", "title")
	require.NoError(t, err)
	assert.Equal(t, "task:task-1:title", rec.ID)

	_, err = bob.client.Locks().RequestLock(ctx, "task", "task-1", "title")
	var conflict *models.LockConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "client-a", conflict.HolderID)
	assert.Equal(t, "Alice", conflict.HolderName)

	// A different field on the same resource is an independent lease.
	_, err = bob.client.Locks().RequestLock(ctx, "task", "task-1", "status")
	require.NoError(t, err)

	released, err := alice.client.Locks().Release("task", "task-1", "title")
	require.NoError(t, err)
	assert.True(t, released)

	_, err = bob.client.Locks().RequestLock(ctx, "task", "task-1", "title")
	require.NoError(t, err)
}

func TestEngineCrashRecovery(t *testing.T) {
	kv := storage.NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	first := newEnv(t, "client-a", "Alice", withKV(kv), withClock(clock.NewFake(base)))
	report, err := first.client.Start(ctx)
	require.NoError(t, err)
	require.Nil(t, report)
	require.NoError(t, first.client.SetEntity("task-1", testutil.TaskDoc("Draft", "todo", 1)))
	// No Close: the run "crashed" with its heartbeat left behind.

	// A restart inside the threshold window is not treated as a crash.
	quick := newEnv(t, "client-a", "Alice", withKV(kv), withClock(clock.NewFake(base.Add(2*time.Minute))))
	report, err = quick.client.Start(ctx)
	require.NoError(t, err)
	assert.Nil(t, report)
	// quick "crashes" too, stamping the heartbeat at base+2m.

	second := newEnv(t, "client-a", "Alice", withKV(kv), withClock(clock.NewFake(base.Add(20*time.Minute))))
	report, err = second.client.Start(ctx)
	require.NoError(t, err)
	require.NotNil(t, report, "aged heartbeat signals an unclean shutdown")
	require.NotEmpty(t, report.SnapshotID)
	assert.Equal(t, base.Add(2*time.Minute), report.LastHeartbeat.UTC())

	snap, err := second.client.Backups().Load(report.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, models.BackupCrashRecovery, snap.Type)
	require.Contains(t, snap.Payload.Entities, "task-1")
	assert.Equal(t, "Draft", snap.Payload.Entities["task-1"]["title"])

	require.NoError(t, second.client.Close())

	// Close removed the heartbeat, so the next start is clean.
	third := newEnv(t, "client-a", "Alice", withKV(storage.NewMemoryStore()))
	defer third.client.Close()
	report, err = third.client.Start(ctx)
	require.NoError(t, err)
	assert.Nil(t, report)
}
