// Package remote defines the three-way contract with the remote
// persistence API: a mutation plus baseline version goes in, and the
// response is ok, conflict with the authoritative snapshot, or an error.
package remote

import (
	"context"

	"github.com/kanbanlab/boardsync/internal/models"
)

// Mutation is one entity write proposed for remote persistence.
type Mutation struct {
	UpdateID    string           `json:"update_id"`
	ItemID      string           `json:"item_id"`
	Operation   models.Operation `json:"operation"`
	Data        models.Document  `json:"data"`
	BaseVersion int              `json:"base_version"`
}

// Status is the remote write outcome.
type Status string

const (
	StatusOK       Status = "ok"
	StatusConflict Status = "conflict"
)

// Result is the remote's answer to a mutation. ServerVersion is populated
// only on conflict and holds the authoritative entity snapshot.
type Result struct {
	Status        Status          `json:"status"`
	NewVersion    int             `json:"new_version,omitempty"`
	ServerVersion models.Document `json:"server_version,omitempty"`
}

// Store is the remote persistence API. The engine does not prescribe
// transport, only this contract; errors represent transient network or
// server failures and are retried by the synchronization queue.
type Store interface {
	Apply(ctx context.Context, m Mutation) (*Result, error)
}
