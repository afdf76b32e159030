// Package engine assembles the optimistic update manager, sync queue,
// lock manager, and backup service into one client facade.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/kanbanlab/boardsync/internal/backup"
	"github.com/kanbanlab/boardsync/internal/clock"
	"github.com/kanbanlab/boardsync/internal/config"
	"github.com/kanbanlab/boardsync/internal/events"
	"github.com/kanbanlab/boardsync/internal/locks"
	"github.com/kanbanlab/boardsync/internal/models"
	"github.com/kanbanlab/boardsync/internal/optimistic"
	"github.com/kanbanlab/boardsync/internal/realtime"
	"github.com/kanbanlab/boardsync/internal/remote"
	"github.com/kanbanlab/boardsync/internal/storage"
	"github.com/kanbanlab/boardsync/internal/syncq"
)

const entityPrefix = "entity:"

// Options overrides default component wiring, mainly for tests.
type Options struct {
	Remote  remote.Store
	Channel realtime.Channel
	Store   storage.KV
	Clock   clock.Clock
	Bus     *events.Bus
	Logger  *events.Logger

	ClientID   string
	ClientName string
}

// Client is the engine facade. It owns entity state persisted in the
// key-value store and exposes the update, sync, lock, and backup
// surfaces.
type Client struct {
	cfg    *config.Config
	logger *events.Logger
	bus    *events.Bus
	clock  clock.Clock

	kv      storage.KV
	remote  remote.Store
	channel realtime.Channel

	updates *optimistic.Manager
	queue   *syncq.Queue
	locks   *locks.Manager
	backups *backup.Service

	clientID   string
	clientName string

	unsubscribe []func()
}

// Status summarizes engine state for inspection surfaces.
type Status struct {
	ClientID     string         `json:"client_id"`
	ClientName   string         `json:"client_name"`
	QueueState   syncq.State    `json:"queue_state"`
	QueuePending int            `json:"queue_pending"`
	SyncProgress syncq.Progress `json:"sync_progress"`
	LocksHeld    int            `json:"locks_held"`
	Entities     int            `json:"entities"`
	Backups      int            `json:"backups"`
}

// New assembles a client from config plus optional overrides.
func New(cfg *config.Config, opts Options) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = events.NewLogger(&cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("create logger: %w", err)
		}
	}

	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus()
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	kv := opts.Store
	if kv == nil {
		if err := cfg.EnsureDirectories(); err != nil {
			return nil, err
		}
		var err error
		switch cfg.Storage.Driver {
		case "sqlite":
			kv, err = storage.NewSQLiteStore(cfg.Storage.Path, logger)
		case "memory":
			kv = storage.NewMemoryStore()
		default:
			kv, err = storage.NewBoltStore(cfg.Storage.Path, logger)
		}
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
	}

	remoteStore := opts.Remote
	if remoteStore == nil {
		remoteStore = remote.NewHTTPStore(&cfg.API, logger)
	}

	channel := opts.Channel
	if channel == nil {
		channel = realtime.NewWSChannel(cfg.Realtime.URL, cfg.API.AuthToken, logger)
	}

	clientID := opts.ClientID
	if clientID == "" {
		clientID = uuid.New().String()
	}
	clientName := opts.ClientName
	if clientName == "" {
		clientName = cfg.Locks.ClientName
	}
	if clientName == "" {
		if host, err := os.Hostname(); err == nil {
			clientName = host
		} else {
			clientName = clientID[:8]
		}
	}

	c := &Client{
		cfg:        cfg,
		logger:     logger.WithField("component", "engine"),
		bus:        bus,
		clock:      clk,
		kv:         kv,
		remote:     remoteStore,
		channel:    channel,
		clientID:   clientID,
		clientName: clientName,
	}

	c.updates = optimistic.NewManager(bus, clk, logger)
	c.queue = syncq.NewQueue(c.updates, remoteStore, bus, clk, syncq.Config{
		MaxAttempts: cfg.Sync.MaxAttempts,
		RetryDelay:  cfg.Sync.RetryDelay,
	}, logger)
	c.updates.AttachQueue(c.queue)
	c.locks = locks.NewManager(clientID, clientName, channel, bus, clk, cfg.Locks, logger)
	c.backups = backup.NewService(kv, c, bus, clk, cfg.Backup, logger)

	// Confirmed updates become the authoritative local entity state and
	// feed the auto-snapshot debounce.
	c.unsubscribe = append(c.unsubscribe,
		bus.Subscribe(events.EventUpdateConfirmed, c.onConfirmed))

	return c, nil
}

// Start connects the realtime channel (when it supports connecting) and
// runs crash detection. It returns a non-nil CrashReport when the
// previous run ended uncleanly.
func (c *Client) Start(ctx context.Context) (*backup.CrashReport, error) {
	type connector interface {
		Connect(ctx context.Context) error
	}
	if conn, ok := c.channel.(connector); ok {
		if err := conn.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect channel: %w", err)
		}
	}
	return c.backups.Startup()
}

// Close shuts components down in dependency order and marks the run as
// cleanly terminated.
func (c *Client) Close() error {
	for _, unsub := range c.unsubscribe {
		unsub()
	}
	if err := c.locks.Leave(); err != nil {
		c.logger.WithError(err).Warn("Departure announcement failed")
	}
	c.locks.Close()

	var firstErr error
	if err := c.backups.Shutdown(); err != nil {
		firstErr = err
	}
	if err := c.channel.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.kv.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Bus exposes the event bus for subscribers.
func (c *Client) Bus() *events.Bus { return c.bus }

// ClientID returns this client's identity on the coordination channel.
func (c *Client) ClientID() string { return c.clientID }

// Propose applies a delta optimistically against the stored entity
// baseline and schedules it for synchronization.
func (c *Client) Propose(itemID string, delta models.Document, opts optimistic.ProposeOptions) (*optimistic.ProposeResult, error) {
	baseline, err := c.Entity(itemID)
	if err != nil {
		return nil, err
	}
	if baseline == nil && opts.Operation == "" {
		opts.Operation = models.OpCreate
	}
	return c.updates.Propose(itemID, baseline, delta, opts)
}

// View composes the optimistic view for an item over its stored baseline.
func (c *Client) View(itemID string) (models.Document, error) {
	baseline, err := c.Entity(itemID)
	if err != nil {
		return nil, err
	}
	return c.updates.View(itemID, baseline), nil
}

// Updates exposes the update manager.
func (c *Client) Updates() *optimistic.Manager { return c.updates }

// Sync drains the queue on the caller's goroutine.
func (c *Client) Sync(ctx context.Context) error { return c.queue.Start(ctx) }

// Queue exposes the synchronization queue.
func (c *Client) Queue() *syncq.Queue { return c.queue }

// Locks exposes the collaborative lock manager.
func (c *Client) Locks() *locks.Manager { return c.locks }

// Backups exposes the backup service.
func (c *Client) Backups() *backup.Service { return c.backups }

// Entity loads the stored baseline for an item; nil when absent.
func (c *Client) Entity(itemID string) (models.Document, error) {
	raw, err := c.kv.Get(entityPrefix + itemID)
	if err != nil {
		if err == storage.ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}
	var doc models.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse entity %s: %w", itemID, err)
	}
	return doc, nil
}

// SetEntity persists an entity baseline.
func (c *Client) SetEntity(itemID string, doc models.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return c.kv.Set(entityPrefix+itemID, data)
}

// DeleteEntity removes a stored entity.
func (c *Client) DeleteEntity(itemID string) error {
	return c.kv.Delete(entityPrefix + itemID)
}

// Entities loads all stored entity baselines.
func (c *Client) Entities() (map[string]models.Document, error) {
	keys, err := c.kv.List(entityPrefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.Document, len(keys))
	for _, key := range keys {
		id := strings.TrimPrefix(key, entityPrefix)
		doc, err := c.Entity(id)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			out[id] = doc
		}
	}
	return out, nil
}

// Status reports a point-in-time engine summary.
func (c *Client) Status() (*Status, error) {
	entities, err := c.kv.List(entityPrefix)
	if err != nil {
		return nil, err
	}
	backups, err := c.backups.List()
	if err != nil {
		return nil, err
	}

	held := 0
	for _, rec := range c.locks.Locks() {
		if rec.OwnedBy(c.clientID) {
			held++
		}
	}

	return &Status{
		ClientID:     c.clientID,
		ClientName:   c.clientName,
		QueueState:   c.queue.State(),
		QueuePending: c.queue.Pending(),
		SyncProgress: c.queue.Progress(),
		LocksHeld:    held,
		Entities:     len(entities),
		Backups:      len(backups),
	}, nil
}

// SnapshotState implements the backup source: live update records, the
// lock table, and all entity baselines.
func (c *Client) SnapshotState() (*models.BackupPayload, error) {
	entities, err := c.Entities()
	if err != nil {
		return nil, err
	}
	return &models.BackupPayload{
		Updates:  c.updates.Records(),
		Locks:    c.locks.Locks(),
		Entities: entities,
	}, nil
}

// ApplyRestore implements the backup target. Entities always restore;
// update records are adopted and re-queued only on request. Lock records
// never restore, leases from a previous run are meaningless.
func (c *Client) ApplyRestore(payload *models.BackupPayload, includeUpdates bool) error {
	for id, doc := range payload.Entities {
		if err := c.SetEntity(id, doc); err != nil {
			return fmt.Errorf("restore entity %s: %w", id, err)
		}
	}

	if includeUpdates {
		c.updates.Adopt(payload.Updates)
		for _, rec := range payload.Updates {
			if rec != nil && rec.State == models.StatePending {
				c.queue.Enqueue(rec.ID)
			}
		}
	}
	return nil
}

// onConfirmed persists the confirmed view as the new entity baseline.
func (c *Client) onConfirmed(evt events.Event) {
	ev, ok := evt.Payload.(optimistic.UpdateEvent)
	if !ok || ev.Record == nil {
		return
	}

	var err error
	if ev.Record.Operation == models.OpDelete {
		err = c.DeleteEntity(ev.Record.ItemID)
	} else {
		err = c.SetEntity(ev.Record.ItemID, ev.Record.Optimistic)
	}
	if err != nil {
		c.logger.WithError(err).WithField("item_id", ev.Record.ItemID).
			Error("Failed to persist confirmed entity")
		return
	}
	c.backups.NotifyChange()
}
