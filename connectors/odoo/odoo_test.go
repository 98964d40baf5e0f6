// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package odoo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datatrust/platform/connectors/base"
)

// rpcCall captures one decoded JSON-RPC request for assertions.
type rpcCall struct {
	Service string
	Method  string
	Args    []any
}

// newTestConnector serves canned results keyed by "service.method" and
// records every call. "object.<method>" keys match execute_kw payloads.
func newTestConnector(t *testing.T, results map[string]any, calls *[]rpcCall) *Connector {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/jsonrpc", r.URL.Path)
		var req struct {
			Params struct {
				Service string `json:"service"`
				Method  string `json:"method"`
				Args    []any  `json:"args"`
			} `json:"params"`
			ID int64 `json:"id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		key := req.Params.Service + "." + req.Params.Method
		if req.Params.Service == "object" && req.Params.Method == "execute_kw" {
			// args: db, uid, password, model, method, args[, kwargs]
			key = "object." + req.Params.Args[4].(string)
		}
		if calls != nil {
			*calls = append(*calls, rpcCall{req.Params.Service, req.Params.Method, req.Params.Args})
		}

		result, ok := results[key]
		if !ok {
			t.Fatalf("unexpected rpc call %q", key)
		}
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{
		ID: "odoo-partners", BaseURL: srv.URL, Database: "prod",
		Username: "svc@example.com", Password: "api-key", Model: "res.partner",
	})
	require.NoError(t, err)
	return c
}

func mustConnect(t *testing.T, c *Connector) {
	t.Helper()
	require.NoError(t, c.Connect(context.Background()))
}

func TestConnectAuthenticates(t *testing.T) {
	var calls []rpcCall
	c := newTestConnector(t, map[string]any{"common.authenticate": 7}, &calls)
	mustConnect(t, c)
	assert.Equal(t, base.StateConnected, c.State())
	require.Len(t, calls, 1)
	assert.Equal(t, []any{"prod", "svc@example.com", "api-key", map[string]any{}}, calls[0].Args)
}

func TestConnectRejectedCredentials(t *testing.T) {
	// Odoo signals bad credentials by returning false, not a fault.
	c := newTestConnector(t, map[string]any{"common.authenticate": false}, nil)
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, base.ErrAuthenticationFailed, base.KindOf(err))
	assert.Equal(t, base.StateError, c.State())
}

func TestReadRecordsBuildsDomain(t *testing.T) {
	var calls []rpcCall
	c := newTestConnector(t, map[string]any{
		"common.authenticate": 7,
		"object.search_count": 12,
		"object.search_read": []map[string]any{
			{"id": 1, "name": "Acme", "is_company": true},
			{"id": 2, "name": "Bob", "is_company": false},
		},
	}, &calls)
	mustConnect(t, c)

	result, err := c.ReadRecords(context.Background(), &base.Filter{
		Where: []base.Condition{
			{Field: "is_company", Op: base.OpEq, Value: true},
			{Field: "name", Op: base.OpContains, Value: "ac"},
		},
		OrderBy: []base.OrderBy{{Field: "name", Direction: "desc"}},
		Limit:   2,
		Offset:  4,
	})
	require.NoError(t, err)
	require.Len(t, result.Records, 2)
	assert.Equal(t, "Acme", result.Records[0]["name"])
	require.NotNil(t, result.TotalCount)
	assert.Equal(t, 12, *result.TotalCount)
	assert.True(t, result.HasMore)
	assert.Equal(t, "6", result.NextCursor)

	// calls[1] is search_count; execute_kw args[5] holds [domain].
	require.Len(t, calls, 3)
	domain := calls[1].Args[5].([]any)[0].([]any)
	require.Len(t, domain, 2)
	assert.Equal(t, []any{"is_company", "=", true}, domain[0].([]any))
	assert.Equal(t, []any{"name", "ilike", "ac"}, domain[1].([]any))

	kwargs := calls[2].Args[6].(map[string]any)
	assert.Equal(t, float64(2), kwargs["limit"])
	assert.Equal(t, float64(4), kwargs["offset"])
	assert.Equal(t, "name desc", kwargs["order"])
}

func TestReadRecordsCursorIsOffset(t *testing.T) {
	var calls []rpcCall
	c := newTestConnector(t, map[string]any{
		"common.authenticate": 7,
		"object.search_count": 5,
		"object.search_read":  []map[string]any{{"id": 5, "name": "Eve"}},
	}, &calls)
	mustConnect(t, c)

	result, err := c.ReadRecords(context.Background(), &base.Filter{Cursor: "4", Limit: 2})
	require.NoError(t, err)
	assert.False(t, result.HasMore)
	assert.Empty(t, result.NextCursor)
	kwargs := calls[2].Args[6].(map[string]any)
	assert.Equal(t, float64(4), kwargs["offset"])
}

func TestWriteCreateAndUpdate(t *testing.T) {
	var calls []rpcCall
	c := newTestConnector(t, map[string]any{
		"common.authenticate": 7,
		"object.create":       42,
		"object.write":        true,
	}, &calls)
	mustConnect(t, c)

	res, err := c.WriteRecords(context.Background(), []base.Record{
		{"name": "New Co"},
	}, base.WriteInsert)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Success)
	assert.Equal(t, []any{42}, res.IDs)

	res, err = c.WriteRecords(context.Background(), []base.Record{
		{"id": 42, "name": "Renamed Co"},
	}, base.WriteUpdate)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Success)

	// write args: [[ids], values]; id must not leak into values.
	writeCall := calls[len(calls)-1]
	args := writeCall.Args[5].([]any)
	assert.Equal(t, []any{float64(42)}, args[0].([]any))
	values := args[1].(map[string]any)
	assert.Equal(t, "Renamed Co", values["name"])
	assert.NotContains(t, values, "id")
}

func TestUpsertRoutesOnID(t *testing.T) {
	var calls []rpcCall
	c := newTestConnector(t, map[string]any{
		"common.authenticate": 7,
		"object.create":       99,
		"object.write":        true,
	}, &calls)
	mustConnect(t, c)

	res, err := c.WriteRecords(context.Background(), []base.Record{
		{"name": "Fresh"},
		{"id": 9, "name": "Known"},
	}, base.WriteUpsert)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Success)

	var methods []string
	for _, call := range calls[1:] {
		methods = append(methods, call.Args[4].(string))
	}
	assert.Equal(t, []string{"create", "write"}, methods)
}

func TestUpdateWithoutIDFails(t *testing.T) {
	c := newTestConnector(t, map[string]any{"common.authenticate": 7}, nil)
	mustConnect(t, c)

	res, err := c.WriteRecords(context.Background(), []base.Record{
		{"name": "No ID"},
	}, base.WriteUpdate)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Message, "requires an id")
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	c, err := New(Config{
		ID: "odoo-ro", BaseURL: "https://example.com", Database: "d",
		Username: "u", Password: "p", Model: "res.partner", ReadOnly: true,
	})
	require.NoError(t, err)
	_, err = c.WriteRecords(context.Background(), []base.Record{{"name": "x"}}, base.WriteInsert)
	require.Error(t, err)
	assert.Equal(t, base.ErrUnsupportedOperation, base.KindOf(err))
}

func TestGetSchemaMapsFieldTypes(t *testing.T) {
	c := newTestConnector(t, map[string]any{
		"common.authenticate": 7,
		"object.fields_get": map[string]any{
			"id":         map[string]any{"string": "ID", "type": "integer", "required": false},
			"name":       map[string]any{"string": "Name", "type": "char", "required": true},
			"credit":     map[string]any{"string": "Credit", "type": "monetary"},
			"is_company": map[string]any{"string": "Is a Company", "type": "boolean"},
			"create_date": map[string]any{
				"string": "Created on", "type": "datetime",
			},
			"parent_id": map[string]any{"string": "Related Company", "type": "many2one"},
		},
	}, nil)
	mustConnect(t, c)

	schema, err := c.GetSchema(context.Background(), false)
	require.NoError(t, err)
	byName := map[string]base.FieldDef{}
	for _, f := range schema.Fields {
		byName[f.Name] = f
	}
	assert.Equal(t, base.TypeInteger, byName["id"].Type)
	assert.True(t, byName["id"].PrimaryKey)
	assert.Equal(t, base.TypeString, byName["name"].Type)
	assert.True(t, byName["name"].Required)
	assert.Equal(t, base.TypeNumber, byName["credit"].Type)
	assert.Equal(t, base.TypeBoolean, byName["is_company"].Type)
	assert.Equal(t, base.TypeDateTime, byName["create_date"].Type)
	assert.Equal(t, base.TypeArray, byName["parent_id"].Type)
}

func TestRPCFaultClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Params struct {
				Service string `json:"service"`
			} `json:"params"`
			ID int64 `json:"id"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Params.Service == "common" {
			json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": 7})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": req.ID,
			"error": map[string]any{
				"message": "Odoo Server Error",
				"data": map[string]any{
					"name":    "odoo.exceptions.AccessError",
					"message": "You are not allowed to access res.partner",
				},
			},
		})
	}))
	defer srv.Close()

	c, err := New(Config{
		ID: "odoo-x", BaseURL: srv.URL, Database: "d",
		Username: "u", Password: "p", Model: "res.partner",
	})
	require.NoError(t, err)
	mustConnect(t, c)

	_, err = c.ReadRecords(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, base.ErrPermissionDenied, base.KindOf(err))
	assert.Contains(t, err.Error(), "not allowed")
}
