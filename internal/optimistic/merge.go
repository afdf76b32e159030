package optimistic

import (
	"encoding/json"
	"reflect"
	"sort"

	"github.com/kanbanlab/boardsync/internal/models"
)

// deepEqual compares two values structurally after normalizing both
// through their JSON representation. Equal documents serialized in a
// different key order compare equal; any nested mutation compares
// unequal, matching serialization-equality semantics.
func deepEqual(a, b any) bool {
	na, err := normalize(a)
	if err != nil {
		return false
	}
	nb, err := normalize(b)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(na, nb)
}

func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ChangedKeys returns the sorted set of keys whose values differ between
// ancestor and current. Reserved metadata keys (identifiers, version
// counters, timestamps) are excluded: they always differ between
// revisions and must not count as edits.
func ChangedKeys(ancestor, current models.Document) []string {
	seen := make(map[string]bool)
	var changed []string

	check := func(k string) {
		if seen[k] || models.ReservedKeys[k] {
			return
		}
		seen[k] = true
		av, aok := ancestor[k]
		cv, cok := current[k]
		if aok != cok || !deepEqual(av, cv) {
			changed = append(changed, k)
		}
	}

	for k := range ancestor {
		check(k)
	}
	for k := range current {
		check(k)
	}

	sort.Strings(changed)
	return changed
}

// intersect returns elements present in both sorted slices.
func intersect(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, k := range a {
		set[k] = true
	}
	var out []string
	for _, k := range b {
		if set[k] {
			out = append(out, k)
		}
	}
	return out
}

// DetectConflict derives the field-diff sets for a concurrent
// modification: local and remote changes computed against the shared
// ancestor.
func DetectConflict(ancestor, local, remote models.Document) *models.ConflictInfo {
	localChanged := ChangedKeys(ancestor, local)
	remoteChanged := ChangedKeys(ancestor, remote)

	return &models.ConflictInfo{
		ServerVersion: remote.Clone(),
		LocalChanged:  localChanged,
		RemoteChanged: remoteChanged,
		Overlap:       intersect(localChanged, remoteChanged),
	}
}

// AutoMerge performs a three-way merge of local and remote documents
// against their common ancestor. When the changed-key sets are disjoint
// the merge is safe: the result is remote overlaid with the locally
// changed keys, version bumped past both sides, and marked auto-merged.
// Overlapping edits refuse the merge with a ConflictError; the caller
// must then supply merged data or pick a side.
func AutoMerge(updateID string, ancestor, local, remote models.Document) (models.Document, error) {
	localChanged := ChangedKeys(ancestor, local)
	remoteChanged := ChangedKeys(ancestor, remote)

	if overlap := intersect(localChanged, remoteChanged); len(overlap) > 0 {
		return nil, &models.ConflictError{
			UpdateID: updateID,
			Reason:   "local and remote edits overlap; auto-merge refused",
			Overlap:  overlap,
		}
	}

	merged := remote.Clone()
	for _, k := range localChanged {
		if v, ok := local[k]; ok {
			merged[k] = v
		} else {
			delete(merged, k)
		}
	}

	version := local.Version()
	if rv := remote.Version(); rv > version {
		version = rv
	}
	merged["version"] = version + 1
	merged["_auto_merged"] = true

	return merged, nil
}
