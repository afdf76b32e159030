package models

import (
	"strings"
	"time"
)

// LockRecord is a lease-based field-level edit lock. At most one record
// exists per LockID at any instant system-wide.
type LockRecord struct {
	ID           string    `json:"id"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Field        string    `json:"field,omitempty"`
	OwnerID      string    `json:"owner_id"`
	OwnerName    string    `json:"owner_name"`
	GrantedAt    time.Time `json:"granted_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// LockID computes the canonical lock key. Field may be empty for a
// whole-resource lock.
func LockID(resourceType, resourceID, field string) string {
	parts := []string{resourceType, resourceID}
	if field != "" {
		parts = append(parts, field)
	}
	return strings.Join(parts, ":")
}

// Expired reports whether the lease has lapsed at the given instant.
func (l *LockRecord) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// OwnedBy reports whether the lease belongs to the given peer.
func (l *LockRecord) OwnedBy(userID string) bool {
	return l.OwnerID == userID
}

// Clone copies the record.
func (l *LockRecord) Clone() *LockRecord {
	out := *l
	return &out
}
