package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Document is the schemaless entity payload the engine moves around.
// Values are JSON-compatible: strings, numbers, bools, nested maps and
// slices.
type Document map[string]any

// Reserved metadata keys excluded from three-way diffing. Version counters
// and timestamps always differ between revisions and must not count as
// user edits.
var ReservedKeys = map[string]bool{
	"id":           true,
	"version":      true,
	"created_at":   true,
	"updated_at":   true,
	"_auto_merged": true,
}

// Clone creates a deep copy via JSON round-trip, normalizing all values to
// their JSON representation in the process.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		// Documents come from JSON; a marshal failure means a programming
		// error upstream. Return a shallow copy rather than panic.
		out := make(Document, len(d))
		for k, v := range d {
			out[k] = v
		}
		return out
	}
	var out Document
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// Overlay returns a new document with delta's keys shallow-merged on top
// of the receiver.
func (d Document) Overlay(delta Document) Document {
	out := d.Clone()
	if out == nil {
		out = make(Document, len(delta))
	}
	for k, v := range delta.Clone() {
		out[k] = v
	}
	return out
}

// Version reads the numeric version counter, defaulting to zero.
func (d Document) Version() int {
	switch v := d["version"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

// Keys returns the document's keys in sorted order.
func (d Document) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Checksum computes a stable SHA-256 hex digest of the document. Map keys
// are serialized in sorted order by encoding/json, so equal documents
// always hash equal.
func (d Document) Checksum() string {
	data, err := json.Marshal(d)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChecksumBytes computes the SHA-256 hex digest of raw bytes. Used for
// backup payloads and export files.
func ChecksumBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
