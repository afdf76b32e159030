package models

import (
	"fmt"
	"time"
)

// Operation identifies the kind of mutation an update proposes.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// UpdateState is the lifecycle state of an optimistic update.
type UpdateState string

const (
	StatePending    UpdateState = "pending"
	StateConfirmed  UpdateState = "confirmed"
	StateFailed     UpdateState = "failed"
	StateRolledBack UpdateState = "rolled_back"
	StateConflicted UpdateState = "conflicted"
)

// ConflictStrategy selects how a detected conflict is resolved.
type ConflictStrategy string

const (
	StrategyManual ConflictStrategy = "manual"
	StrategyLocal  ConflictStrategy = "local"
	StrategyRemote ConflictStrategy = "remote"
	StrategyMerge  ConflictStrategy = "merge"
)

// ValidStrategy reports whether s is a known conflict strategy.
func ValidStrategy(s ConflictStrategy) bool {
	switch s {
	case StrategyManual, StrategyLocal, StrategyRemote, StrategyMerge:
		return true
	}
	return false
}

// ConflictInfo captures a detected concurrent modification. ServerVersion
// is the authoritative remote snapshot; the changed-key sets are derived
// against the update's original data as merge ancestor.
type ConflictInfo struct {
	ServerVersion Document  `json:"server_version"`
	LocalChanged  []string  `json:"local_changed"`
	RemoteChanged []string  `json:"remote_changed"`
	Overlap       []string  `json:"overlap"`
	DetectedAt    time.Time `json:"detected_at"`
}

// UpdateRecord tracks one proposed mutation through its lifecycle.
type UpdateRecord struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	ItemID    string    `json:"item_id"`
	Operation Operation `json:"operation"`

	// Original is the entity snapshot immediately before the mutation was
	// proposed (the merge ancestor). Delta is the requested change.
	// Optimistic is Original overlaid with Delta, the value shown to the UI.
	Original   Document `json:"original_data"`
	Delta      Document `json:"update_data"`
	Optimistic Document `json:"optimistic_data"`

	State      UpdateState      `json:"state"`
	Timestamp  time.Time        `json:"timestamp"`
	RetryCount int              `json:"retry_count"`
	Strategy   ConflictStrategy `json:"conflict_strategy"`
	Conflict   *ConflictInfo    `json:"conflict,omitempty"`

	// Version is the local optimistic version counter, Original version + 1.
	Version int `json:"version"`

	// Checksum is the content hash of Optimistic, used for export
	// integrity, not identity.
	Checksum string `json:"checksum"`

	// Immediate records whether the optimistic view was applied to the UI
	// synchronously; a rejected immediate update rolls back automatically.
	Immediate bool `json:"immediate"`

	// RetryOnFailure allows the sync queue to retry transient failures up
	// to the attempt cap before surfacing a failure.
	RetryOnFailure bool `json:"retry_on_failure"`

	AutoMerged bool   `json:"auto_merged,omitempty"`
	FailReason string `json:"fail_reason,omitempty"`
	LastError  string `json:"last_error,omitempty"`
}

// UpdateID builds a monotonically orderable identifier from the sequence
// counter. Ordering is by seq, never wall clock, to avoid clock-skew ties.
func UpdateID(seq uint64, at time.Time) string {
	return fmt.Sprintf("update_%d_%d", seq, at.UnixNano())
}

// Pending reports whether the record still awaits a sync outcome.
func (u *UpdateRecord) Pending() bool {
	return u.State == StatePending
}

// Terminal reports whether the record reached a state it cannot leave.
func (u *UpdateRecord) Terminal() bool {
	return u.State == StateConfirmed || u.State == StateRolledBack
}

// CanTransition validates a state-machine edge. The legal edges are:
//
//	pending    -> confirmed | failed | conflicted
//	failed     -> rolled_back | pending (explicit retry)
//	pending    -> rolled_back (cooperative cancel)
//	conflicted -> pending (via conflict resolution)
func (u *UpdateRecord) CanTransition(to UpdateState) bool {
	switch u.State {
	case StatePending:
		return to == StateConfirmed || to == StateFailed ||
			to == StateConflicted || to == StateRolledBack
	case StateFailed:
		return to == StateRolledBack || to == StatePending
	case StateConflicted:
		return to == StatePending
	}
	return false
}

// Clone deep-copies the record so snapshots cannot alias live state.
func (u *UpdateRecord) Clone() *UpdateRecord {
	out := *u
	out.Original = u.Original.Clone()
	out.Delta = u.Delta.Clone()
	out.Optimistic = u.Optimistic.Clone()
	if u.Conflict != nil {
		c := *u.Conflict
		c.ServerVersion = u.Conflict.ServerVersion.Clone()
		c.LocalChanged = append([]string(nil), u.Conflict.LocalChanged...)
		c.RemoteChanged = append([]string(nil), u.Conflict.RemoteChanged...)
		c.Overlap = append([]string(nil), u.Conflict.Overlap...)
		out.Conflict = &c
	}
	return &out
}

// SyncQueueItem references an UpdateRecord awaiting synchronization.
type SyncQueueItem struct {
	UpdateID      string    `json:"update_id"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
}
