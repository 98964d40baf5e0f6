// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datatrust/platform/audit"
	"datatrust/platform/connectors/base"
	"datatrust/platform/connectors/governed"
	"datatrust/platform/connectors/registry"
	"datatrust/platform/policy"
	"datatrust/platform/snapshot"
)

// fakeConnector is an in-memory base.Connector for gateway tests.
type fakeConnector struct {
	id         string
	typ        string
	readOnly   bool
	state      base.ConnectionState
	schema     *base.Schema
	records    []base.Record
	writes     [][]base.Record
	validation *base.ValidationResult
}

func newFake(id string) *fakeConnector {
	return &fakeConnector{
		id: id, typ: "csv", state: base.StateDisconnected,
		schema:     &base.Schema{Name: id, Fields: []base.FieldDef{{Name: "id", Type: base.TypeString}}},
		validation: &base.ValidationResult{Valid: true},
	}
}

func (f *fakeConnector) ID() string                  { return f.id }
func (f *fakeConnector) Name() string                { return f.id }
func (f *fakeConnector) Type() string                { return f.typ }
func (f *fakeConnector) ReadOnly() bool              { return f.readOnly }
func (f *fakeConnector) State() base.ConnectionState { return f.state }

func (f *fakeConnector) Connect(context.Context) error {
	f.state = base.StateConnected
	return nil
}

func (f *fakeConnector) Disconnect(context.Context) error {
	f.state = base.StateDisconnected
	return nil
}

func (f *fakeConnector) TestConnection(context.Context) error { return nil }

func (f *fakeConnector) GetSchema(context.Context, bool) (*base.Schema, error) {
	return f.schema, nil
}

func (f *fakeConnector) ReadRecords(_ context.Context, _ *base.Filter) (*base.ReadResult, error) {
	n := len(f.records)
	return &base.ReadResult{Records: f.records, TotalCount: &n}, nil
}

func (f *fakeConnector) WriteRecords(_ context.Context, records []base.Record, _ base.WriteMode) (*base.WriteResult, error) {
	f.writes = append(f.writes, records)
	return &base.WriteResult{Success: len(records)}, nil
}

func (f *fakeConnector) ValidateRecords(context.Context, []base.Record) (*base.ValidationResult, error) {
	return f.validation, nil
}

type testEnv struct {
	dispatcher *Dispatcher
	trail      *audit.Trail
	trailDir   string
}

func newTestEnv(t *testing.T, p *policy.Policy, conns ...base.Connector) *testEnv {
	t.Helper()
	reg := registry.New()
	for _, c := range conns {
		require.NoError(t, reg.Register(context.Background(), governed.Wrap(c, nil)))
	}
	trailDir := t.TempDir()
	trail, err := audit.New(trailDir, 0)
	require.NoError(t, err)
	snaps, err := snapshot.New(t.TempDir())
	require.NoError(t, err)

	d := NewDispatcher(Deps{
		Registry:  reg,
		Policy:    policy.NewEngine(p),
		Trail:     trail,
		Snapshots: snaps,
	}, nil)
	return &testEnv{dispatcher: d, trail: trail, trailDir: trailDir}
}

func allowAll(t *testing.T) *policy.Policy {
	t.Helper()
	return &policy.Policy{Version: "test-1", DefaultAction: "allow"}
}

func execute(t *testing.T, env *testEnv, tool string, args any) *Response {
	t.Helper()
	return executeAs(t, env, tool, args, "", policy.Identity{Subject: "tester"})
}

func executeAs(t *testing.T, env *testEnv, tool string, args any, token string, id policy.Identity) *Response {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	ctx := WithIdentity(context.Background(), id)
	return env.dispatcher.Execute(ctx, &Request{Tool: tool, Arguments: raw, ApprovalToken: token})
}

func TestReadRecordsMasksPolicyFields(t *testing.T) {
	conn := newFake("crm")
	conn.records = []base.Record{
		{"id": "1", "name": "Ada", "email": "ada@example.com"},
		{"id": "2", "name": "Grace", "email": "grace@example.com"},
	}
	p := allowAll(t)
	p.Masking = policy.MaskingConfig{Fields: []string{"email"}}
	env := newTestEnv(t, p, conn)

	resp := execute(t, env, "read_records", map[string]any{"connector_id": "crm"})
	require.True(t, resp.OK, "unexpected error: %+v", resp.Error)
	require.NotEmpty(t, resp.TraceID)
	require.NotEmpty(t, resp.PolicyDecisionID)

	res := resp.Result.(*base.ReadResult)
	require.Len(t, res.Records, 2)
	for _, rec := range res.Records {
		assert.NotContains(t, rec["email"], "@")
		assert.NotEmpty(t, rec["name"])
	}
}

func TestPolicyDenialCarriesReasonAndDecision(t *testing.T) {
	p := &policy.Policy{Version: "test-1", DefaultAction: "deny"}
	env := newTestEnv(t, p, newFake("crm"))

	resp := execute(t, env, "read_records", map[string]any{"connector_id": "crm"})
	require.False(t, resp.OK)
	assert.Equal(t, "POLICY_DENIED", resp.Error.Kind)
	assert.NotEmpty(t, resp.Error.Message)
	assert.NotEmpty(t, resp.PolicyDecisionID)
}

func TestWriteRequiresApprovalToken(t *testing.T) {
	t.Setenv("WRITE_TOK", "s3cr3t")
	p := allowAll(t)
	p.Writes = policy.WritesConfig{Mode: "require_approval", ApprovalTokenEnv: "WRITE_TOK"}
	conn := newFake("crm")
	env := newTestEnv(t, p, conn)

	args := map[string]any{
		"connector_id": "crm",
		"records":      []map[string]any{{"id": "1"}},
		"mode":         "insert",
	}

	resp := executeAs(t, env, "write_records", args, "", policy.Identity{Subject: "tester"})
	require.False(t, resp.OK)
	assert.Equal(t, "POLICY_DENIED", resp.Error.Kind)
	assert.Empty(t, conn.writes)

	resp = executeAs(t, env, "write_records", args, "s3cr3t", policy.Identity{Subject: "tester"})
	require.True(t, resp.OK, "unexpected error: %+v", resp.Error)
	require.Len(t, conn.writes, 1)
}

func TestWriteAppendsAuditTrailEntries(t *testing.T) {
	env := newTestEnv(t, allowAll(t), newFake("crm"))

	resp := executeAs(t, env, "write_records", map[string]any{
		"connector_id": "crm",
		"records":      []map[string]any{{"id": "7", "name": "Ada"}},
		"mode":         "upsert",
	}, "", policy.Identity{Subject: "ops@example.com"})
	require.True(t, resp.OK, "unexpected error: %+v", resp.Error)

	res, err := env.trail.Query(audit.Filter{ConnectorID: "crm"})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	entry := res.Entries[0]
	// Upsert with a record key routes as update.
	assert.Equal(t, audit.OpUpdate, entry.Operation)
	assert.Equal(t, "7", entry.RecordKey)
	assert.Equal(t, "ops@example.com", entry.User)
	assert.Equal(t, []string{"id", "name"}, entry.ChangedFields)
}

func TestWriteFailsWhenAuditAppendFails(t *testing.T) {
	conn := newFake("crm")
	env := newTestEnv(t, allowAll(t), conn)

	// A plain file where the connector's trail directory belongs makes
	// every append fail.
	require.NoError(t, os.WriteFile(filepath.Join(env.trailDir, "crm"), []byte("x"), 0o600))

	resp := execute(t, env, "write_records", map[string]any{
		"connector_id": "crm",
		"records":      []map[string]any{{"id": "1"}},
		"mode":         "insert",
	})
	require.False(t, resp.OK)
	assert.Equal(t, string(base.ErrWriteFailed), resp.Error.Kind)
	assert.Contains(t, resp.Error.Message, "audit")
	// The write itself went through before the audit append was attempted.
	require.Len(t, conn.writes, 1)
}

func TestWriteValidationFailureWritesNothing(t *testing.T) {
	conn := newFake("crm")
	conn.validation = &base.ValidationResult{
		Valid:  false,
		Errors: []base.RecordError{{Index: 0, Field: "id", Message: "required field is missing"}},
	}
	env := newTestEnv(t, allowAll(t), conn)

	resp := execute(t, env, "write_records", map[string]any{
		"connector_id": "crm",
		"records":      []map[string]any{{"name": "Ada"}},
		"mode":         "insert",
	})
	require.False(t, resp.OK)
	assert.Equal(t, string(base.ErrValidation), resp.Error.Kind)
	assert.Contains(t, resp.Error.Message, "nothing was written")
	assert.Empty(t, conn.writes)
}

func TestWriteSchemaPrecheckRejectsUnknownFields(t *testing.T) {
	conn := newFake("warehouse")
	conn.typ = "postgresql"
	env := newTestEnv(t, allowAll(t), conn)

	resp := execute(t, env, "write_records", map[string]any{
		"connector_id": "warehouse",
		"records":      []map[string]any{{"id": "1", "nickname": "addy"}},
		"mode":         "insert",
	})
	require.False(t, resp.OK)
	assert.Equal(t, string(base.ErrValidation), resp.Error.Kind)
	assert.Contains(t, resp.Error.Message, "nickname")
	assert.Empty(t, conn.writes)
}

func TestUnknownToolIsValidationError(t *testing.T) {
	env := newTestEnv(t, allowAll(t), newFake("crm"))
	resp := execute(t, env, "drop_tables", nil)
	require.False(t, resp.OK)
	assert.Equal(t, string(base.ErrValidation), resp.Error.Kind)
}

func TestUnknownConnectorIsNotFound(t *testing.T) {
	env := newTestEnv(t, allowAll(t), newFake("crm"))
	resp := execute(t, env, "get_schema", map[string]any{"connector_id": "nope"})
	require.False(t, resp.OK)
	assert.Equal(t, string(base.ErrNotFound), resp.Error.Kind)
}

func TestSnapshotLifecycleThroughTools(t *testing.T) {
	conn := newFake("crm")
	conn.records = []base.Record{{"id": "1"}, {"id": "2"}}
	env := newTestEnv(t, allowAll(t), conn)

	resp := execute(t, env, "create_snapshot", map[string]any{
		"connector_id": "crm", "snapshot_id": "baseline",
	})
	require.True(t, resp.OK, "unexpected error: %+v", resp.Error)

	resp = execute(t, env, "create_snapshot", map[string]any{
		"connector_id": "crm", "snapshot_id": "baseline",
	})
	require.False(t, resp.OK)
	assert.Equal(t, "SNAPSHOT_EXISTS", resp.Error.Kind)

	resp = execute(t, env, "delete_snapshot", map[string]any{"snapshot_id": "baseline"})
	require.True(t, resp.OK)

	resp = execute(t, env, "delete_snapshot", map[string]any{"snapshot_id": "baseline"})
	require.False(t, resp.OK)
	assert.Equal(t, "SNAPSHOT_NOT_FOUND", resp.Error.Kind)
}

func TestCreateSnapshotMaxRecordsBounds(t *testing.T) {
	conn := newFake("crm")
	conn.records = []base.Record{{"id": "1"}, {"id": "2"}}
	env := newTestEnv(t, allowAll(t), conn)

	// An explicit zero captures an empty baseline.
	resp := execute(t, env, "create_snapshot", map[string]any{
		"connector_id": "crm", "snapshot_id": "empty", "max_records": 0,
	})
	require.True(t, resp.OK, "unexpected error: %+v", resp.Error)
	meta := resp.Result.(*snapshot.Meta)
	assert.Equal(t, 0, meta.RecordCount)

	resp = execute(t, env, "create_snapshot", map[string]any{
		"connector_id": "crm", "snapshot_id": "bad", "max_records": -1,
	})
	require.False(t, resp.OK)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error.Kind)
}

func TestListConnectorsReportsHealth(t *testing.T) {
	env := newTestEnv(t, allowAll(t), newFake("a"), newFake("b"))
	resp := execute(t, env, "list_connectors", nil)
	require.True(t, resp.OK)

	result := resp.Result.(map[string]any)
	infos := result["connectors"].([]registry.Info)
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].ID)
	assert.Equal(t, base.StateConnected, infos[0].State)
}
