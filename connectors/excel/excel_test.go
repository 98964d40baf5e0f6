// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package excel

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datatrust/platform/connectors/base"
)

func newTestConnector(t *testing.T) *Connector {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.xlsx")
	c, err := New(Config{ID: "xlsx-stock", Path: path, Sheet: "Stock", HasHeader: true})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func TestWriteReadRoundTrip(t *testing.T) {
	c := newTestConnector(t)
	ctx := context.Background()

	res, err := c.WriteRecords(ctx, []base.Record{
		{"id": int64(1), "item": "bolt", "qty": int64(40), "price": 0.25},
		{"id": int64(2), "item": "nut", "qty": int64(12), "price": 0.1},
	}, base.WriteInsert)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Success)

	read, err := c.ReadRecords(ctx, &base.Filter{OrderBy: []base.OrderBy{{Field: "id"}}})
	require.NoError(t, err)
	require.Len(t, read.Records, 2)
	assert.Equal(t, int64(1), read.Records[0]["id"])
	assert.Equal(t, "bolt", read.Records[0]["item"])
	assert.Equal(t, int64(40), read.Records[0]["qty"])
	assert.Equal(t, 0.25, read.Records[0]["price"])
}

func TestUpdateByKey(t *testing.T) {
	c := newTestConnector(t)
	ctx := context.Background()

	_, err := c.WriteRecords(ctx, []base.Record{{"id": int64(1), "item": "bolt"}}, base.WriteInsert)
	require.NoError(t, err)

	res, err := c.WriteRecords(ctx, []base.Record{{"id": int64(1), "item": "screw"}}, base.WriteUpdate)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Success)

	read, err := c.ReadRecords(ctx, nil)
	require.NoError(t, err)
	require.Len(t, read.Records, 1)
	assert.Equal(t, "screw", read.Records[0]["item"])
}

func TestSchemaInference(t *testing.T) {
	c := newTestConnector(t)
	ctx := context.Background()

	_, err := c.WriteRecords(ctx, []base.Record{{"id": int64(1), "item": "bolt"}}, base.WriteInsert)
	require.NoError(t, err)

	schema, err := c.GetSchema(ctx, true)
	require.NoError(t, err)
	byName := schema.FieldSet()
	assert.Equal(t, base.TypeInteger, byName["id"].Type)
	assert.Equal(t, base.TypeString, byName["item"].Type)
}

func TestMissingReadOnlyFileFailsConnect(t *testing.T) {
	c, err := New(Config{ID: "ro", Path: filepath.Join(t.TempDir(), "absent.xlsx"), ReadOnly: true})
	require.NoError(t, err)
	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, base.ErrConnectionFailed, base.KindOf(err))
}
