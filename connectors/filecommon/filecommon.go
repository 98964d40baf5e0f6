// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

// Package filecommon holds the behavior shared by the file-backed adapters
// (csv, json, excel): atomic whole-file rewrites with restrictive modes and
// the key-based write merge.
package filecommon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"datatrust/platform/connectors/base"
)

// WriteFileAtomic writes via a temp file in the target directory followed by
// a rename, so readers never observe a partial file. Files are 0600,
// directories 0700.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// RecordKey derives the merge key for a record; composite keys join with
// the unit separator so distinct tuples cannot collide.
func RecordKey(rec base.Record, keyFields []string) (string, bool) {
	parts := make([]string, 0, len(keyFields))
	for _, f := range keyFields {
		v, ok := rec[f]
		if !ok || v == nil {
			return "", false
		}
		parts = append(parts, fmt.Sprintf("%v", v))
	}
	return strings.Join(parts, "\x1f"), true
}

// MergeWrites applies a batch to the in-memory record set and returns the
// new set plus the per-index outcome. The caller persists the merged set as
// a whole-file rewrite.
func MergeWrites(existing, incoming []base.Record, mode base.WriteMode, keyFields []string) ([]base.Record, *base.WriteResult) {
	result := &base.WriteResult{}
	merged := make([]base.Record, len(existing))
	copy(merged, existing)

	if mode == base.WriteInsert {
		for i, rec := range incoming {
			if err := base.CheckRecord(rec); err != nil {
				result.Failed++
				result.Errors = append(result.Errors, base.WriteError{Index: i, Message: err.Error()})
				continue
			}
			merged = append(merged, base.CloneRecord(rec))
			result.Success++
			if key, ok := RecordKey(rec, keyFields); ok {
				result.IDs = append(result.IDs, key)
			}
		}
		return merged, result
	}

	index := make(map[string]int, len(merged))
	for i, rec := range merged {
		if key, ok := RecordKey(rec, keyFields); ok {
			index[key] = i
		}
	}

	for i, rec := range incoming {
		if err := base.CheckRecord(rec); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, base.WriteError{Index: i, Message: err.Error()})
			continue
		}
		key, ok := RecordKey(rec, keyFields)
		if !ok {
			result.Failed++
			result.Errors = append(result.Errors, base.WriteError{
				Index:   i,
				Message: fmt.Sprintf("record is missing key field(s) %v", keyFields),
			})
			continue
		}
		pos, exists := index[key]
		switch {
		case exists:
			updated := base.CloneRecord(merged[pos])
			for k, v := range rec {
				updated[k] = v
			}
			merged[pos] = updated
			result.Success++
			result.IDs = append(result.IDs, key)
		case mode == base.WriteUpsert:
			index[key] = len(merged)
			merged = append(merged, base.CloneRecord(rec))
			result.Success++
			result.IDs = append(result.IDs, key)
		default: // update with no match
			result.Failed++
			result.Errors = append(result.Errors, base.WriteError{
				Index:   i,
				Message: "no existing record with key " + key,
			})
		}
	}
	return merged, result
}
