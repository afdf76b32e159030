// Package backup persists engine state snapshots, detects unclean
// shutdowns via a heartbeat key, and round-trips state through portable
// export formats.
package backup

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kanbanlab/boardsync/internal/clock"
	"github.com/kanbanlab/boardsync/internal/config"
	"github.com/kanbanlab/boardsync/internal/events"
	"github.com/kanbanlab/boardsync/internal/models"
	"github.com/kanbanlab/boardsync/internal/storage"
)

const (
	backupPrefix = "backup:"
	heartbeatKey = "boardsync:heartbeat"
)

// ExportFormat selects the portable serialization.
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
)

// Source supplies the state captured by a snapshot.
type Source interface {
	SnapshotState() (*models.BackupPayload, error)
}

// Target consumes restored state. includeUpdates controls whether the
// update records in the payload are adopted alongside the entities.
type Target interface {
	ApplyRestore(payload *models.BackupPayload, includeUpdates bool) error
}

// RestoreOptions tunes a restore. Update records are skipped unless
// explicitly requested; restoring pending updates from a snapshot can
// replay writes the server already saw.
type RestoreOptions struct {
	IncludeUpdates bool
}

// CrashReport is the bus payload when an unclean shutdown is detected.
type CrashReport struct {
	LastHeartbeat time.Time
	Detected      time.Time
	SnapshotID    string
}

// Service owns snapshots, pruning, the heartbeat, and export/import.
type Service struct {
	kv     storage.KV
	source Source
	bus    *events.Bus
	clock  clock.Clock
	logger *events.Logger

	maxBackups       int
	maxAge           time.Duration
	aggressiveMaxAge time.Duration
	threshold        time.Duration
	debounce         time.Duration

	mu            sync.Mutex
	debounceTimer clock.Timer
	closed        bool
}

// NewService creates a backup service over the given store.
func NewService(kv storage.KV, source Source, bus *events.Bus, clk clock.Clock, cfg config.BackupConfig, logger *events.Logger) *Service {
	return &Service{
		kv:               kv,
		source:           source,
		bus:              bus,
		clock:            clk,
		logger:           logger.WithField("component", "backup"),
		maxBackups:       cfg.MaxBackups,
		maxAge:           cfg.MaxAge,
		aggressiveMaxAge: cfg.AggressiveMaxAge,
		threshold:        cfg.HeartbeatThreshold,
		debounce:         cfg.AutoDebounce,
	}
}

// Snapshot captures current engine state as a new backup record, then
// prunes old backups. On a storage quota error it prunes aggressively
// and retries the write once.
func (s *Service) Snapshot(typ models.BackupType, description string) (*models.BackupRecord, error) {
	payload, err := s.source.SnapshotState()
	if err != nil {
		return nil, fmt.Errorf("capture state: %w", err)
	}

	now := s.clock.Now()
	rec := &models.BackupRecord{
		ID:          "backup_" + uuid.New().String(),
		Type:        typ,
		Description: description,
		Timestamp:   now,
		Payload:     *payload,
	}
	rec.Checksum, err = rec.PayloadChecksum()
	if err != nil {
		return nil, fmt.Errorf("checksum payload: %w", err)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal backup: %w", err)
	}

	key := backupKey(now, rec.ID)
	if err := s.kv.Set(key, data); err != nil {
		if !errors.Is(err, storage.ErrQuotaExceeded) {
			s.publishError("snapshot", err)
			return nil, err
		}
		s.logger.Warn("Storage quota exceeded, pruning aggressively")
		if pruneErr := s.prune(true); pruneErr != nil {
			s.publishError("prune", pruneErr)
		}
		if err := s.kv.Set(key, data); err != nil {
			s.publishError("snapshot", err)
			return nil, err
		}
	}

	if err := s.prune(false); err != nil {
		s.logger.WithError(err).Warn("Backup prune failed")
	}

	updates, locks, entities := rec.Payload.Counts()
	s.logger.WithFields(map[string]any{
		"backup_id": rec.ID,
		"type":      typ,
		"updates":   updates,
		"locks":     locks,
		"entities":  entities,
	}).Info("Created backup")

	s.bus.Publish(events.EventBackupCreated, rec)
	return rec, nil
}

// List returns all stored backups, oldest first.
func (s *Service) List() ([]*models.BackupRecord, error) {
	keys, err := s.kv.List(backupPrefix)
	if err != nil {
		return nil, err
	}

	out := make([]*models.BackupRecord, 0, len(keys))
	for _, key := range keys {
		rec, _, err := s.loadKey(key)
		if err != nil {
			s.logger.WithError(err).WithField("key", key).Warn("Skipping unreadable backup")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Load retrieves one backup by ID and verifies its checksum. On a
// mismatch the record is still returned alongside a
// ChecksumMismatchError, so callers can decide whether corrupt data is
// better than none.
func (s *Service) Load(backupID string) (*models.BackupRecord, error) {
	keys, err := s.kv.List(backupPrefix)
	if err != nil {
		return nil, err
	}

	for _, key := range keys {
		if !strings.HasSuffix(key, ":"+backupID) {
			continue
		}
		rec, actual, err := s.loadKey(key)
		if err != nil {
			return nil, err
		}
		if actual != rec.Checksum {
			return rec, &models.ChecksumMismatchError{Expected: rec.Checksum, Actual: actual}
		}
		return rec, nil
	}
	return nil, models.ErrBackupNotFound
}

// Restore applies a backup's state to the target. A checksum mismatch is
// reported but does not block the restore.
func (s *Service) Restore(backupID string, target Target, opts RestoreOptions) (*models.BackupRecord, error) {
	rec, err := s.Load(backupID)
	if rec == nil {
		return nil, err
	}

	var mismatch *models.ChecksumMismatchError
	if errors.As(err, &mismatch) {
		s.logger.WithFields(map[string]any{
			"backup_id": backupID,
			"expected":  mismatch.Expected,
			"actual":    mismatch.Actual,
		}).Warn("Restoring backup with checksum mismatch")
	} else if err != nil {
		return nil, err
	}

	if applyErr := target.ApplyRestore(&rec.Payload, opts.IncludeUpdates); applyErr != nil {
		return nil, fmt.Errorf("apply restore: %w", applyErr)
	}

	s.logger.WithFields(map[string]any{
		"backup_id":       backupID,
		"include_updates": opts.IncludeUpdates,
	}).Info("Restored backup")

	// Surface the mismatch flag after a successful apply.
	if mismatch != nil {
		return rec, mismatch
	}
	return rec, nil
}

// Delete removes one backup by ID.
func (s *Service) Delete(backupID string) error {
	keys, err := s.kv.List(backupPrefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if strings.HasSuffix(key, ":"+backupID) {
			return s.kv.Delete(key)
		}
	}
	return models.ErrBackupNotFound
}

// Startup checks for an unclean shutdown and writes this run's
// heartbeat. A heartbeat key left behind by the previous run means that
// run never shut down cleanly; once it has aged past the threshold the
// crash is confirmed and a crash-recovery snapshot preserves whatever
// state survived. A younger heartbeat is treated as a quick restart.
func (s *Service) Startup() (*CrashReport, error) {
	now := s.clock.Now()

	var report *CrashReport
	raw, err := s.kv.Get(heartbeatKey)
	switch {
	case err == nil:
		var last time.Time
		if jsonErr := json.Unmarshal(raw, &last); jsonErr != nil {
			s.logger.WithError(jsonErr).Warn("Discarding unreadable heartbeat")
		} else if now.Sub(last) > s.threshold {
			report = &CrashReport{LastHeartbeat: last, Detected: now}
			s.logger.WithField("last_heartbeat", last).Warn("Unclean shutdown detected")

			rec, snapErr := s.Snapshot(models.BackupCrashRecovery, "state preserved after unclean shutdown")
			if snapErr != nil {
				s.logger.WithError(snapErr).Error("Crash-recovery snapshot failed")
			} else {
				report.SnapshotID = rec.ID
			}
			s.bus.Publish(events.EventCrashDetected, report)
		} else {
			s.logger.WithField("last_heartbeat", last).Info("Heartbeat below crash threshold, assuming quick restart")
		}
	case errors.Is(err, storage.ErrKeyNotFound):
		// Clean previous shutdown.
	default:
		return nil, fmt.Errorf("read heartbeat: %w", err)
	}

	return report, s.beat()
}

// Shutdown cancels pending work and removes the heartbeat key, marking
// this run as cleanly terminated.
func (s *Service) Shutdown() error {
	s.mu.Lock()
	s.closed = true
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
		s.debounceTimer = nil
	}
	s.mu.Unlock()

	return s.kv.Delete(heartbeatKey)
}

// NotifyChange schedules a debounced automatic snapshot. Bursts of
// changes collapse into one snapshot taken after the burst quiets down.
func (s *Service) NotifyChange() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.debounceTimer != nil {
		s.debounceTimer.Reset(s.debounce)
		return
	}
	s.debounceTimer = s.clock.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		s.debounceTimer = nil
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		if _, err := s.Snapshot(models.BackupAutomatic, "automatic snapshot"); err != nil {
			s.logger.WithError(err).Warn("Automatic snapshot failed")
		}
	})
}

// Export serializes current engine state in a portable format. The JSON
// format is loss-free; CSV flattens entities only, one field per row.
func (s *Service) Export(format ExportFormat, source string) ([]byte, error) {
	payload, err := s.source.SnapshotState()
	if err != nil {
		return nil, fmt.Errorf("capture state: %w", err)
	}

	switch format {
	case FormatJSON:
		exp := &models.ExportPayload{
			Timestamp: s.clock.Now(),
			Source:    source,
			Updates:   payload.Updates,
			Locks:     payload.Locks,
			Entities:  payload.Entities,
		}
		exp.Checksum, err = exp.BodyChecksum()
		if err != nil {
			return nil, err
		}
		return json.MarshalIndent(exp, "", "  ")

	case FormatCSV:
		var sb strings.Builder
		w := csv.NewWriter(&sb)
		_ = w.Write([]string{"entity_id", "field", "value"})
		for id, doc := range payload.Entities {
			for _, key := range doc.Keys() {
				value, err := json.Marshal(doc[key])
				if err != nil {
					return nil, fmt.Errorf("encode field %s.%s: %w", id, key, err)
				}
				_ = w.Write([]string{id, key, string(value)})
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, err
		}
		return []byte(sb.String()), nil

	default:
		return nil, &models.ValidationError{Field: "format", Reason: "must be json or csv"}
	}
}

// Import parses exported data and applies it to the target. For JSON a
// checksum mismatch is flagged, not fatal. CSV carries entities only.
func (s *Service) Import(data []byte, format ExportFormat, target Target, opts RestoreOptions) error {
	switch format {
	case FormatJSON:
		var exp models.ExportPayload
		if err := json.Unmarshal(data, &exp); err != nil {
			return fmt.Errorf("parse export: %w", err)
		}

		var flagged error
		if exp.Checksum != "" {
			actual, err := exp.BodyChecksum()
			if err != nil {
				return err
			}
			if actual != exp.Checksum {
				flagged = &models.ChecksumMismatchError{Expected: exp.Checksum, Actual: actual}
				s.logger.WithError(flagged).Warn("Importing data with checksum mismatch")
			}
		}

		payload := &models.BackupPayload{
			Updates:  exp.Updates,
			Locks:    exp.Locks,
			Entities: exp.Entities,
		}
		if err := target.ApplyRestore(payload, opts.IncludeUpdates); err != nil {
			return fmt.Errorf("apply import: %w", err)
		}
		return flagged

	case FormatCSV:
		r := csv.NewReader(strings.NewReader(string(data)))
		rows, err := r.ReadAll()
		if err != nil {
			return fmt.Errorf("parse csv: %w", err)
		}

		entities := make(map[string]models.Document)
		for i, row := range rows {
			if i == 0 && len(row) == 3 && row[0] == "entity_id" {
				continue
			}
			if len(row) != 3 {
				return &models.ValidationError{Field: "csv", Reason: fmt.Sprintf("row %d: want 3 columns, got %d", i+1, len(row))}
			}
			doc, ok := entities[row[0]]
			if !ok {
				doc = models.Document{}
				entities[row[0]] = doc
			}
			var value any
			if err := json.Unmarshal([]byte(row[2]), &value); err != nil {
				value = row[2]
			}
			doc[row[1]] = value
		}

		payload := &models.BackupPayload{Entities: entities}
		if err := target.ApplyRestore(payload, false); err != nil {
			return fmt.Errorf("apply import: %w", err)
		}
		return nil

	default:
		return &models.ValidationError{Field: "format", Reason: "must be json or csv"}
	}
}

func (s *Service) beat() error {
	data, err := json.Marshal(s.clock.Now())
	if err != nil {
		return err
	}
	return s.kv.Set(heartbeatKey, data)
}

// prune enforces count and age limits, oldest first. Aggressive mode
// halves the count limit and uses the shorter age limit.
func (s *Service) prune(aggressive bool) error {
	keys, err := s.kv.List(backupPrefix)
	if err != nil {
		return err
	}

	maxCount := s.maxBackups
	maxAge := s.maxAge
	if aggressive {
		maxCount = s.maxBackups / 2
		maxAge = s.aggressiveMaxAge
	}

	now := s.clock.Now()
	removed := 0

	// Keys sort chronologically; trim the oldest beyond the count cap.
	for len(keys)-removed > maxCount {
		if err := s.kv.Delete(keys[removed]); err != nil {
			return err
		}
		removed++
	}

	for _, key := range keys[removed:] {
		rec, _, err := s.loadKey(key)
		if err != nil {
			// Unreadable backups are dead weight.
			if delErr := s.kv.Delete(key); delErr != nil {
				return delErr
			}
			removed++
			continue
		}
		if now.Sub(rec.Timestamp) > maxAge {
			if err := s.kv.Delete(key); err != nil {
				return err
			}
			removed++
		}
	}

	if removed > 0 {
		s.logger.WithFields(map[string]any{
			"removed":    removed,
			"aggressive": aggressive,
		}).Debug("Pruned backups")
	}
	return nil
}

func (s *Service) loadKey(key string) (*models.BackupRecord, string, error) {
	raw, err := s.kv.Get(key)
	if err != nil {
		return nil, "", err
	}
	var rec models.BackupRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, "", fmt.Errorf("parse backup %s: %w", key, err)
	}
	actual, err := rec.PayloadChecksum()
	if err != nil {
		return nil, "", err
	}
	return &rec, actual, nil
}

func (s *Service) publishError(op string, err error) {
	s.bus.Publish(events.EventBackupError, map[string]any{
		"operation": op,
		"error":     err.Error(),
	})
}

// backupKey builds a chronologically sortable storage key.
func backupKey(ts time.Time, id string) string {
	return fmt.Sprintf("%s%020d:%s", backupPrefix, ts.UnixNano(), id)
}
