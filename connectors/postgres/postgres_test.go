// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datatrust/platform/connectors/base"
)

func newMockConnector(t *testing.T) (*Connector, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c, err := New(Config{
		ID: "pg-invoices", Host: "localhost", Database: "billing", Table: "invoices", User: "svc",
	})
	require.NoError(t, err)
	c.db = db
	c.state = base.StateConnected
	return c, mock
}

func primeSchema(c *Connector) {
	c.columns = map[string]struct{}{"id": {}, "amount": {}, "status": {}}
	c.schema = &base.Schema{Name: "invoices", Fields: []base.FieldDef{
		{Name: "id", Type: base.TypeInteger, Required: true, PrimaryKey: true},
		{Name: "amount", Type: base.TypeNumber},
		{Name: "status", Type: base.TypeString},
	}}
	c.keyCols = []string{"id"}
}

func TestGetSchemaFromInformationSchema(t *testing.T) {
	c, mock := newMockConnector(t)

	mock.ExpectQuery("SELECT column_name, data_type, is_nullable").
		WithArgs("public", "invoices").
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type", "is_nullable"}).
			AddRow("id", "bigint", "NO").
			AddRow("amount", "numeric", "YES").
			AddRow("status", "character varying", "YES"))
	mock.ExpectQuery("SELECT kcu.column_name").
		WithArgs("public", "invoices").
		WillReturnRows(sqlmock.NewRows([]string{"column_name"}).AddRow("id"))

	schema, err := c.GetSchema(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, schema.Fields, 3)
	assert.Equal(t, base.TypeInteger, schema.Fields[0].Type)
	assert.True(t, schema.Fields[0].PrimaryKey)
	assert.True(t, schema.Fields[0].Required)
	assert.Equal(t, []string{"id"}, schema.PrimaryKeys())

	// Second call is served from cache, no further queries.
	_, err = c.GetSchema(context.Background(), false)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadRecords(t *testing.T) {
	c, mock := newMockConnector(t)
	primeSchema(c)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "public"."invoices" WHERE "status" = $1`)).
		WithArgs("open").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "public"."invoices" WHERE "status" = $1 LIMIT $2`)).
		WithArgs("open", 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "amount", "status"}).
			AddRow(int64(1), []byte("10.50"), []byte("open")).
			AddRow(int64(2), []byte("99.00"), []byte("open")))

	result, err := c.ReadRecords(context.Background(), &base.Filter{
		Where: []base.Condition{{Field: "status", Op: base.OpEq, Value: "open"}},
		Limit: 2,
	})
	require.NoError(t, err)
	require.Len(t, result.Records, 2)
	assert.Equal(t, int64(1), result.Records[0]["id"])
	assert.Equal(t, "open", result.Records[0]["status"])
	assert.True(t, result.HasMore)
	assert.Equal(t, "2", result.NextCursor)
	require.NotNil(t, result.TotalCount)
	assert.Equal(t, 3, *result.TotalCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadRejectsInjectedIdentifier(t *testing.T) {
	c, mock := newMockConnector(t)
	primeSchema(c)

	_, err := c.ReadRecords(context.Background(), &base.Filter{
		Where: []base.Condition{{Field: "id;DROP TABLE users;", Op: base.OpEq, Value: 1}},
	})
	require.Error(t, err)
	assert.Equal(t, base.ErrReadFailed, base.KindOf(err))
	// No statement beyond (cached) schema lookup was issued.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteInsertAndUpsert(t *testing.T) {
	c, mock := newMockConnector(t)
	primeSchema(c)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "public"."invoices" ("amount", "id", "status") VALUES ($1, $2, $3)`)).
		WithArgs(10.5, 1, "open").
		WillReturnResult(sqlmock.NewResult(1, 1))
	res, err := c.WriteRecords(context.Background(),
		[]base.Record{{"id": 1, "amount": 10.5, "status": "open"}}, base.WriteInsert)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Success)
	assert.Equal(t, []any{1}, res.IDs)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "public"."invoices" ("id", "status") VALUES ($1, $2) ON CONFLICT ("id") DO UPDATE SET "status" = EXCLUDED."status"`)).
		WithArgs(1, "paid").
		WillReturnResult(sqlmock.NewResult(0, 1))
	res, err = c.WriteRecords(context.Background(),
		[]base.Record{{"id": 1, "status": "paid"}}, base.WriteUpsert)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Success)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteUpdate(t *testing.T) {
	c, mock := newMockConnector(t)
	primeSchema(c)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "public"."invoices" SET "status" = $1 WHERE "id" = $2`)).
		WithArgs("paid", 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	res, err := c.WriteRecords(context.Background(),
		[]base.Record{{"id": 7, "status": "paid"}}, base.WriteUpdate)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Success)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	c, err := New(Config{
		ID: "pg-ro", Host: "h", Database: "d", Table: "t", ReadOnly: true,
	})
	require.NoError(t, err)
	_, err = c.WriteRecords(context.Background(), []base.Record{{"id": 1}}, base.WriteInsert)
	require.Error(t, err)
	assert.Equal(t, base.ErrUnsupportedOperation, base.KindOf(err))
}

func TestPartialWriteFailureIsReported(t *testing.T) {
	c, mock := newMockConnector(t)
	primeSchema(c)

	mock.ExpectExec("INSERT INTO").
		WithArgs(1, "open").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO").
		WithArgs(1, "dup").
		WillReturnError(assert.AnError)

	res, err := c.WriteRecords(context.Background(), []base.Record{
		{"id": 1, "status": "open"},
		{"id": 1, "status": "dup"},
	}, base.WriteInsert)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Success)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 1, res.Errors[0].Index)
}
