// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package sqlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datatrust/platform/connectors/base"
)

func testBuilder() *Builder {
	return &Builder{
		ConnectorID: "pg-invoices",
		Table:       "invoices",
		Columns: map[string]struct{}{
			"id": {}, "amount": {}, "customer": {}, "status": {},
		},
		Ph:        Dollar,
		QuoteRune: '"',
		TextType:  "TEXT",
	}
}

func TestBuildSelect(t *testing.T) {
	b := testBuilder()
	query, args, err := b.BuildSelect(&base.Filter{
		Select: []string{"id", "amount"},
		Where: []base.Condition{
			{Field: "status", Op: base.OpEq, Value: "open"},
			{Field: "amount", Op: base.OpGte, Value: 100},
		},
		OrderBy: []base.OrderBy{{Field: "id", Direction: "desc"}},
		Limit:   10,
		Offset:  20,
	})
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT "id", "amount" FROM "invoices" WHERE "status" = $1 AND "amount" >= $2 ORDER BY "id" DESC LIMIT $3 OFFSET $4`,
		query)
	assert.Equal(t, []any{"open", 100, 10, 20}, args)
}

func TestBuildSelectInAndContains(t *testing.T) {
	b := testBuilder()
	b.Ph = Question
	b.QuoteRune = '`'
	b.TextType = "CHAR"
	query, args, err := b.BuildSelect(&base.Filter{
		Where: []base.Condition{
			{Field: "status", Op: base.OpIn, Value: []any{"open", "paid"}},
			{Field: "customer", Op: base.OpContains, Value: "acme"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT * FROM `invoices` WHERE `status` IN (?, ?) AND LOWER(CAST(`customer` AS CHAR)) LIKE LOWER(?)",
		query)
	assert.Equal(t, []any{"open", "paid", "%acme%"}, args)
}

func TestBuildSelectRejectsUnsafeIdentifier(t *testing.T) {
	b := testBuilder()
	_, _, err := b.BuildSelect(&base.Filter{
		Where: []base.Condition{{Field: "id;DROP TABLE users;", Op: base.OpEq, Value: 1}},
	})
	require.Error(t, err)
	assert.Equal(t, base.ErrReadFailed, base.KindOf(err))
}

func TestBuildSelectRejectsUnknownColumn(t *testing.T) {
	b := testBuilder()
	_, _, err := b.BuildSelect(&base.Filter{Select: []string{"secret_col"}})
	require.Error(t, err)
	assert.Equal(t, base.ErrReadFailed, base.KindOf(err))
}

func TestBuildInsertDeterministicOrder(t *testing.T) {
	b := testBuilder()
	query, args, err := b.BuildInsert(base.Record{"customer": "acme", "amount": 5, "id": 1})
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "invoices" ("amount", "customer", "id") VALUES ($1, $2, $3)`, query)
	assert.Equal(t, []any{5, "acme", 1}, args)
}

func TestBuildUpdate(t *testing.T) {
	b := testBuilder()
	query, args, err := b.BuildUpdate(base.Record{"id": 7, "status": "paid"}, []string{"id"})
	require.NoError(t, err)
	assert.Equal(t, `UPDATE "invoices" SET "status" = $1 WHERE "id" = $2`, query)
	assert.Equal(t, []any{"paid", 7}, args)
}

func TestBuildUpdateMissingKey(t *testing.T) {
	b := testBuilder()
	_, _, err := b.BuildUpdate(base.Record{"status": "paid"}, []string{"id"})
	require.Error(t, err)
	assert.Equal(t, base.ErrValidation, base.KindOf(err))
}

func TestSchemaQualifier(t *testing.T) {
	b := testBuilder()
	b.Schema = "billing"
	query, _, err := b.BuildCount(&base.Filter{})
	require.NoError(t, err)
	assert.Equal(t, `SELECT COUNT(*) FROM "billing"."invoices"`, query)
}
