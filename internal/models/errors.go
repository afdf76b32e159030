package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors
var (
	ErrUpdateNotFound = errors.New("update record not found")
	ErrBackupNotFound = errors.New("backup not found")
	ErrSyncInProgress = errors.New("sync already in progress")
	ErrQueueInactive  = errors.New("sync queue is not running")
	ErrChannelClosed  = errors.New("realtime channel closed")
)

// ValidationError reports malformed arguments to a synchronous API call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError reports a conflict-resolution misuse, or an auto-merge
// refusal when local and remote edits overlap.
type ConflictError struct {
	UpdateID string
	Reason   string
	Overlap  []string
}

func (e *ConflictError) Error() string {
	if len(e.Overlap) > 0 {
		return fmt.Sprintf("conflict on update %s: %s (overlapping fields: %v)",
			e.UpdateID, e.Reason, e.Overlap)
	}
	return fmt.Sprintf("conflict on update %s: %s", e.UpdateID, e.Reason)
}

// LockConflictError reports a lock held by another peer or a duplicate
// in-flight request.
type LockConflictError struct {
	LockID     string
	HolderID   string
	HolderName string
	ExpiresAt  time.Time
	Reason     string
}

func (e *LockConflictError) Error() string {
	if e.HolderID != "" {
		return fmt.Sprintf("lock %s held by %s (%s) until %s",
			e.LockID, e.HolderName, e.HolderID, e.ExpiresAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("lock %s: %s", e.LockID, e.Reason)
}

// LockTimeoutError reports no grant/deny arriving within the protocol
// timeout.
type LockTimeoutError struct {
	LockID  string
	Timeout time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock %s: no response within %s", e.LockID, e.Timeout)
}

// SyncError wraps a transient network or server failure surfaced after the
// retry cap was exhausted.
type SyncError struct {
	UpdateID string
	Attempts int
	Err      error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync update %s failed after %d attempts: %v",
		e.UpdateID, e.Attempts, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// ChecksumMismatchError reports a corrupted backup or export. Loaders
// surface it alongside the data rather than refusing outright.
type ChecksumMismatchError struct {
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected %s, got %s", e.Expected, e.Actual)
}
