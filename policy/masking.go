// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"strings"
)

// DefaultReplacement substitutes masked field values when the policy does
// not configure its own replacement string.
const DefaultReplacement = "[REDACTED]"

// Masker redacts configured fields from records before they leave the
// server. Field names are matched trimmed and lowercased.
type Masker struct {
	fields      map[string]struct{}
	replacement string
}

// NewMasker builds a masker over the union of the policy's global,
// per-connector and rule-level mask fields.
func NewMasker(fields []string, replacement string) *Masker {
	if replacement == "" {
		replacement = DefaultReplacement
	}
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[normalizeField(f)] = struct{}{}
	}
	return &Masker{fields: set, replacement: replacement}
}

func normalizeField(f string) string {
	return strings.ToLower(strings.TrimSpace(f))
}

// Empty reports whether the masker has nothing to redact.
func (m *Masker) Empty() bool { return len(m.fields) == 0 }

// MaskRecord returns a copy of the record with masked fields replaced.
// The input record is never modified.
func (m *Masker) MaskRecord(rec map[string]any) map[string]any {
	if m.Empty() || rec == nil {
		return rec
	}
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		if _, masked := m.fields[normalizeField(k)]; masked {
			out[k] = m.replacement
			continue
		}
		switch nested := v.(type) {
		case map[string]any:
			out[k] = m.MaskRecord(nested)
		case []map[string]any:
			out[k] = m.MaskRecords(nested)
		default:
			out[k] = v
		}
	}
	return out
}

// MaskRecords masks a record slice.
func (m *Masker) MaskRecords(records []map[string]any) []map[string]any {
	if m.Empty() || records == nil {
		return records
	}
	out := make([]map[string]any, len(records))
	for i, rec := range records {
		out[i] = m.MaskRecord(rec)
	}
	return out
}
