// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package base

// Record is the unordered field→value mapping every connector reads and
// writes. Values are the JSON family: nil, bool, float64/int64, string,
// time.Time, []any, map[string]any.
type Record = map[string]any

// Field names that poison object-model traversal in downstream consumers.
// Rejected at every ingestion point: parsers, tool arguments, path walks.
var forbiddenKeys = map[string]struct{}{
	"__proto__":   {},
	"prototype":   {},
	"constructor": {},
}

// IsForbiddenKey reports whether a field name is banned outright.
func IsForbiddenKey(name string) bool {
	_, bad := forbiddenKeys[name]
	return bad
}

// CheckFieldName rejects forbidden field names with VALIDATION_ERROR.
func CheckFieldName(name string) error {
	if IsForbiddenKey(name) {
		return NewError(ErrValidation, "", "forbidden field name: "+name,
			"rename the field; __proto__, prototype and constructor are reserved")
	}
	return nil
}

// CheckRecord walks a record (including nested maps and arrays) and rejects
// any forbidden key.
func CheckRecord(r Record) error {
	return checkValue(r)
}

// CheckRecords validates a batch, reporting the first offending index.
func CheckRecords(records []Record) error {
	for i, r := range records {
		if err := CheckRecord(r); err != nil {
			if ce, ok := err.(*ConnectorError); ok {
				return ce.WithContext("index", i)
			}
			return err
		}
	}
	return nil
}

func checkValue(v any) error {
	switch val := v.(type) {
	case map[string]any:
		for k, nested := range val {
			if err := CheckFieldName(k); err != nil {
				return err
			}
			if err := checkValue(nested); err != nil {
				return err
			}
		}
	case []any:
		for _, item := range val {
			if err := checkValue(item); err != nil {
				return err
			}
		}
	}
	return nil
}

// CloneRecord returns a deep copy; maps and slices are duplicated so callers
// can mutate (masking, transforms) without touching connector-owned data.
func CloneRecord(r Record) Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, nested := range val {
			out[k] = cloneValue(nested)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
