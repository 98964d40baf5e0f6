// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package base

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckRecordRejectsForbiddenKeys(t *testing.T) {
	tests := []struct {
		name    string
		record  Record
		wantErr bool
	}{
		{"clean record", Record{"id": 1, "name": "A"}, false},
		{"proto at top level", Record{"__proto__": "x"}, true},
		{"prototype at top level", Record{"prototype": "x"}, true},
		{"constructor at top level", Record{"constructor": "x"}, true},
		{"nested in object", Record{"meta": map[string]any{"__proto__": 1}}, true},
		{"nested in array", Record{"items": []any{map[string]any{"constructor": 1}}}, true},
		{"deeply nested clean", Record{"a": map[string]any{"b": []any{map[string]any{"c": 1}}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckRecord(tt.record)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, ErrValidation, KindOf(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckRecordsReportsIndex(t *testing.T) {
	err := CheckRecords([]Record{
		{"ok": 1},
		{"__proto__": "bad"},
	})
	require.Error(t, err)
	ce := AsConnectorError(err, "")
	assert.Equal(t, 1, ce.Context["index"])
}

func TestCloneRecordIsDeep(t *testing.T) {
	orig := Record{
		"name": "A",
		"tags": []any{"x", "y"},
		"meta": map[string]any{"k": "v"},
	}
	clone := CloneRecord(orig)
	clone["name"] = "B"
	clone["tags"].([]any)[0] = "z"
	clone["meta"].(map[string]any)["k"] = "w"

	assert.Equal(t, "A", orig["name"])
	assert.Equal(t, "x", orig["tags"].([]any)[0])
	assert.Equal(t, "v", orig["meta"].(map[string]any)["k"])
}

func TestConnectorErrorKinds(t *testing.T) {
	err := NewError(ErrReadFailed, "pg-invoices", "column not in schema", "check the field name")
	assert.Equal(t, ErrReadFailed, KindOf(err))
	assert.True(t, IsKind(err, ErrReadFailed))
	assert.False(t, IsKind(err, ErrWriteFailed))
	assert.Contains(t, err.Error(), "pg-invoices")
	assert.Contains(t, err.Error(), "READ_FAILED")

	wrapped := WrapError(ErrTimeout, "c", "operation timed out", "", err)
	assert.Equal(t, err, wrapped.Unwrap())
}
