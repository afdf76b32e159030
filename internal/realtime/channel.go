// Package realtime carries the peer-to-peer coordination messages used
// for collaborative field locking. A Channel is a broadcast medium: every
// published message is delivered to every subscriber, including the
// publisher's own.
package realtime

import "time"

// MessageType identifies a coordination message.
type MessageType string

const (
	// MsgLockRequested announces intent to acquire a field lock.
	MsgLockRequested MessageType = "lock_requested"
	// MsgLockGranted announces an acquired or renewed lock.
	MsgLockGranted MessageType = "lock_granted"
	// MsgLockDenied rejects a pending request for a held lock.
	MsgLockDenied MessageType = "lock_denied"
	// MsgLockReleased announces a voluntary release.
	MsgLockReleased MessageType = "lock_released"
	// MsgUserLeft announces a peer disconnect; all its locks are void.
	MsgUserLeft MessageType = "user_left"
)

// Message is one coordination frame on the channel.
type Message struct {
	Type         MessageType `json:"type"`
	LockID       string      `json:"lock_id,omitempty"`
	UserID       string      `json:"user_id"`
	UserName     string      `json:"user_name,omitempty"`
	ResourceType string      `json:"resource_type,omitempty"`
	ResourceID   string      `json:"resource_id,omitempty"`
	Field        string      `json:"field,omitempty"`
	HolderID     string      `json:"holder_id,omitempty"`
	HolderName   string      `json:"holder_name,omitempty"`
	TimeoutMS    int64       `json:"timeout_ms,omitempty"`
	RequestedAt  time.Time   `json:"requested_at,omitempty"`
	ExpiresAt    time.Time   `json:"expires_at,omitempty"`
	Reason       string      `json:"reason,omitempty"`
}

// Handler receives channel messages.
type Handler func(msg Message)

// Channel is the coordination transport. Publish delivers the message to
// every subscriber on the channel, the sender's own handler included, so
// all peers observe the same message order.
type Channel interface {
	Publish(msg Message) error
	Subscribe(h Handler) (unsubscribe func())
	Close() error
}
