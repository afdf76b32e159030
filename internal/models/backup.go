package models

import (
	"encoding/json"
	"time"
)

// BackupType classifies why a snapshot was taken.
type BackupType string

const (
	BackupManual        BackupType = "manual"
	BackupAutomatic     BackupType = "automatic"
	BackupCrashRecovery BackupType = "crash_recovery"
	BackupExport        BackupType = "export"
	BackupImport        BackupType = "import"
)

// BackupPayload is the combined engine state captured by a snapshot.
type BackupPayload struct {
	Updates  []*UpdateRecord     `json:"update_records"`
	Locks    []*LockRecord       `json:"lock_records"`
	Entities map[string]Document `json:"entities"`
}

// Counts returns the payload's record counts for logging.
func (p *BackupPayload) Counts() (updates, locks, entities int) {
	return len(p.Updates), len(p.Locks), len(p.Entities)
}

// BackupRecord is an immutable snapshot of engine state. Checksum covers
// the serialized payload; a mismatch on load flags the record as corrupt
// without refusing to return the data.
type BackupRecord struct {
	ID          string        `json:"id"`
	Type        BackupType    `json:"type"`
	Description string        `json:"description,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
	Checksum    string        `json:"checksum"`
	Payload     BackupPayload `json:"payload"`
}

// PayloadChecksum recomputes the checksum over the serialized payload.
func (b *BackupRecord) PayloadChecksum() (string, error) {
	data, err := json.Marshal(b.Payload)
	if err != nil {
		return "", err
	}
	return ChecksumBytes(data), nil
}

// ExportPayload is the portable serialization produced by export and
// consumed by import. Round-trips are loss-free for all fields except
// transient runtime-only markers.
type ExportPayload struct {
	Timestamp time.Time           `json:"timestamp"`
	Source    string              `json:"source"`
	Updates   []*UpdateRecord     `json:"update_records"`
	Locks     []*LockRecord       `json:"lock_records"`
	Entities  map[string]Document `json:"entities"`
	Checksum  string              `json:"checksum"`
}

// BodyChecksum computes the checksum over everything except the Checksum
// field itself.
func (e *ExportPayload) BodyChecksum() (string, error) {
	body := struct {
		Timestamp time.Time           `json:"timestamp"`
		Source    string              `json:"source"`
		Updates   []*UpdateRecord     `json:"update_records"`
		Locks     []*LockRecord       `json:"lock_records"`
		Entities  map[string]Document `json:"entities"`
	}{e.Timestamp, e.Source, e.Updates, e.Locks, e.Entities}

	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	return ChecksumBytes(data), nil
}
