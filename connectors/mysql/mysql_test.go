// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package mysql

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
		ID: "my-orders", Host: "localhost", Database: "shop", Table: "orders", User: "svc",
	})
	require.NoError(t, err)
	c.db = db
	c.state = base.StateConnected
	return c, mock
}

func primeSchema(c *Connector) {
	c.columns = map[string]struct{}{"id": {}, "total": {}, "customer": {}}
	c.schema = &base.Schema{Name: "orders", Fields: []base.FieldDef{
		{Name: "id", Type: base.TypeInteger, Required: true, PrimaryKey: true},
		{Name: "total", Type: base.TypeNumber},
		{Name: "customer", Type: base.TypeString},
	}}
	c.keyCols = []string{"id"}
}

func TestGetSchema(t *testing.T) {
	c, mock := newMockConnector(t)

	mock.ExpectQuery("SELECT column_name, data_type, is_nullable, column_key").
		WithArgs("shop", "orders").
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type", "is_nullable", "column_key"}).
			AddRow("id", "bigint", "NO", "PRI").
			AddRow("total", "decimal", "YES", "").
			AddRow("customer", "varchar", "YES", ""))

	schema, err := c.GetSchema(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, schema.Fields, 3)
	assert.True(t, schema.Fields[0].PrimaryKey)
	assert.Equal(t, base.TypeNumber, schema.Fields[1].Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadRecordsConvertsDriverBytes(t *testing.T) {
	c, mock := newMockConnector(t)
	primeSchema(c)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM `orders`")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `orders`")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "total", "customer"}).
			AddRow([]byte("42"), []byte("19.90"), []byte("acme")))

	result, err := c.ReadRecords(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.Equal(t, "acme", result.Records[0]["customer"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertDialect(t *testing.T) {
	c, mock := newMockConnector(t)
	primeSchema(c)

	mock.ExpectExec(regexp.QuoteMeta(
		"INSERT INTO `orders` (`id`, `total`) VALUES (?, ?) ON DUPLICATE KEY UPDATE `id` = VALUES(`id`), `total` = VALUES(`total`)")).
		WithArgs(1, 9.5).
		WillReturnResult(sqlmock.NewResult(0, 2))

	res, err := c.WriteRecords(context.Background(),
		[]base.Record{{"id": 1, "total": 9.5}}, base.WriteUpsert)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Success)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInjectionRejectedBeforeSQL(t *testing.T) {
	c, mock := newMockConnector(t)
	primeSchema(c)

	_, err := c.ReadRecords(context.Background(), &base.Filter{
		OrderBy: []base.OrderBy{{Field: "customer; DELETE FROM orders"}},
	})
	require.Error(t, err)
	assert.Equal(t, base.ErrReadFailed, base.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
