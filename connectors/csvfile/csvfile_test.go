// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package csvfile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datatrust/platform/connectors/base"
)

func newTestConnector(t *testing.T, content string) *Connector {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.csv")
	if content != "" {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	c, err := New(Config{ID: "csv-users", Name: "Users", Path: path, HasHeader: true, SanitizeFormulas: true})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func TestReadRecords(t *testing.T) {
	c := newTestConnector(t, "id,name,age\n1,Alice,30\n2,Bob,25\n")
	result, err := c.ReadRecords(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, result.Records, 2)
	assert.Equal(t, int64(1), result.Records[0]["id"])
	assert.Equal(t, "Alice", result.Records[0]["name"])
	assert.Equal(t, int64(30), result.Records[0]["age"])
	assert.False(t, result.HasMore)
}

func TestEmptyFile(t *testing.T) {
	c := newTestConnector(t, "")
	result, err := c.ReadRecords(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, result.Records)

	schema, err := c.GetSchema(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, schema.Fields)
}

func TestSchemaFollowsHeaderOrder(t *testing.T) {
	c := newTestConnector(t, "zeta,alpha\n1,x\n")
	schema, err := c.GetSchema(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, schema.Fields, 2)
	assert.Equal(t, "zeta", schema.Fields[0].Name)
	assert.Equal(t, "alpha", schema.Fields[1].Name)
}

func TestForbiddenHeaderIsSchemaMismatch(t *testing.T) {
	c := newTestConnector(t, "id,__proto__\n1,x\n")
	_, err := c.ReadRecords(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, base.ErrSchemaMismatch, base.KindOf(err))
}

func TestWriteRoundTrip(t *testing.T) {
	c := newTestConnector(t, "")
	ctx := context.Background()

	res, err := c.WriteRecords(ctx, []base.Record{
		{"id": int64(1), "name": "Alice", "active": true},
		{"id": int64(2), "name": "Bob", "active": false},
	}, base.WriteInsert)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Success)
	assert.Equal(t, 0, res.Failed)

	read, err := c.ReadRecords(ctx, &base.Filter{OrderBy: []base.OrderBy{{Field: "id"}}})
	require.NoError(t, err)
	require.Len(t, read.Records, 2)
	assert.Equal(t, base.Record{"id": int64(1), "name": "Alice", "active": true}, read.Records[0])
	assert.Equal(t, base.Record{"id": int64(2), "name": "Bob", "active": false}, read.Records[1])
}

func TestUpdateAndUpsert(t *testing.T) {
	c := newTestConnector(t, "id,name\n1,Alice\n2,Bob\n")
	ctx := context.Background()

	res, err := c.WriteRecords(ctx, []base.Record{{"id": int64(2), "name": "Bobby"}}, base.WriteUpdate)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Success)

	res, err = c.WriteRecords(ctx, []base.Record{{"id": int64(9), "name": "New"}}, base.WriteUpdate)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 0, res.Errors[0].Index)

	res, err = c.WriteRecords(ctx, []base.Record{{"id": int64(9), "name": "New"}}, base.WriteUpsert)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Success)

	read, err := c.ReadRecords(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, read.Records, 3)
}

func TestFormulaSanitization(t *testing.T) {
	c := newTestConnector(t, "")
	ctx := context.Background()

	_, err := c.WriteRecords(ctx, []base.Record{
		{"id": int64(1), "name": "=2+2"},
		{"id": int64(2), "name": "  +sum"},
		{"id": int64(3), "name": "@cmd"},
		{"id": int64(4), "name": "-1e3"},
		{"id": int64(5), "name": "safe"},
	}, base.WriteInsert)
	require.NoError(t, err)

	data, err := os.ReadFile(c.cfg.Path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "'=2+2")
	assert.Contains(t, content, "'@cmd")
	assert.Contains(t, content, "'-1e3")
	assert.Contains(t, content, "safe")
	for _, line := range strings.Split(content, "\n")[1:] {
		cells := strings.Split(line, ",")
		for _, cell := range cells {
			trimmed := strings.TrimLeft(cell, "\t\r\n \"")
			if trimmed == "" {
				continue
			}
			assert.NotContains(t, "=+@", string(trimmed[0]))
		}
	}
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro.csv")
	require.NoError(t, os.WriteFile(path, []byte("id\n1\n"), 0o600))
	c, err := New(Config{ID: "ro", Path: path, HasHeader: true, ReadOnly: true})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	_, err = c.WriteRecords(context.Background(), []base.Record{{"id": int64(2)}}, base.WriteInsert)
	require.Error(t, err)
	assert.Equal(t, base.ErrUnsupportedOperation, base.KindOf(err))
}

func TestValidateRecordsRejectsForbiddenKeys(t *testing.T) {
	c := newTestConnector(t, "id\n1\n")
	res, err := c.ValidateRecords(context.Background(), []base.Record{{"__proto__": 1}})
	require.NoError(t, err)
	assert.False(t, res.Valid)
}
