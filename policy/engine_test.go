// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lit(t *testing.T, s string) Matcher {
	t.Helper()
	m, err := NewLiteral(s)
	require.NoError(t, err)
	return m
}

func evaluate(t *testing.T, p *Policy, in Input) *Decision {
	t.Helper()
	return NewEngine(p).Evaluate(context.Background(), in)
}

func TestDefaultDenyWithEmptyAllowLists(t *testing.T) {
	p := &Policy{Version: "1", DefaultAction: "deny"}
	for _, tool := range []string{"read_records", "write_records", "list_connectors"} {
		d := evaluate(t, p, Input{Tool: tool})
		assert.False(t, d.Allowed, tool)
		assert.NotEmpty(t, d.Reason, tool)
	}
}

func TestDenyListOverridesAllowList(t *testing.T) {
	p := &Policy{
		Version:       "1",
		DefaultAction: "allow",
		AllowTools:    []Matcher{lit(t, "*")},
		DenyTools:     []Matcher{lit(t, "write_records")},
	}
	d := evaluate(t, p, Input{Tool: "write_records"})
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "deny-listed")

	d = evaluate(t, p, Input{Tool: "read_records"})
	assert.True(t, d.Allowed)
}

func TestAllowListSatisfiesDenyDefault(t *testing.T) {
	p := &Policy{
		Version:       "1",
		DefaultAction: "deny",
		AllowTools:    []Matcher{lit(t, "read_*")},
	}
	d := evaluate(t, p, Input{Tool: "read_records"})
	assert.True(t, d.Allowed)

	d = evaluate(t, p, Input{Tool: "delete_snapshot"})
	assert.False(t, d.Allowed)
}

func TestConnectorDenyList(t *testing.T) {
	p := &Policy{
		Version:        "1",
		DefaultAction:  "allow",
		DenyConnectors: []Matcher{lit(t, "prod-*")},
	}
	d := evaluate(t, p, Input{Tool: "read_records", Connectors: []string{"prod-billing"}})
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "prod-billing")

	d = evaluate(t, p, Input{Tool: "read_records", Connectors: []string{"staging-billing"}})
	assert.True(t, d.Allowed)
}

func TestFirstMatchingRuleWins(t *testing.T) {
	p := &Policy{
		Version:       "1",
		DefaultAction: "allow",
		Rules: []Rule{
			{ID: "deny-pii", Action: "deny", Reason: "pii fields are restricted",
				When: RuleWhen{SelectFieldsAny: []Matcher{lit(t, "ssn")}}},
			{ID: "allow-all", Action: "allow", When: RuleWhen{}},
		},
	}
	d := evaluate(t, p, Input{Tool: "read_records",
		Summary: RequestSummary{SelectFields: []string{"name", "ssn"}}})
	assert.False(t, d.Allowed)
	assert.Equal(t, "deny-pii", d.MatchedRule)
	assert.Equal(t, "pii fields are restricted", d.Reason)

	d = evaluate(t, p, Input{Tool: "read_records",
		Summary: RequestSummary{SelectFields: []string{"name"}}})
	assert.True(t, d.Allowed)
	assert.Equal(t, "allow-all", d.MatchedRule)
}

func TestRulePredicateConjunction(t *testing.T) {
	rule := Rule{ID: "r", Action: "deny", Reason: "no", When: RuleWhen{
		Tool:      []Matcher{lit(t, "write_records")},
		WriteMode: "upsert",
	}}
	p := &Policy{Version: "1", DefaultAction: "allow", Rules: []Rule{rule}}

	// WriteMode mismatch: the rule does not match.
	d := evaluate(t, p, Input{Tool: "write_records", Summary: RequestSummary{WriteMode: "insert"}})
	assert.True(t, d.Allowed)

	d = evaluate(t, p, Input{Tool: "write_records", Summary: RequestSummary{WriteMode: "upsert"}})
	assert.False(t, d.Allowed)
}

func TestRuleIdentityPredicates(t *testing.T) {
	p := &Policy{
		Version:       "1",
		DefaultAction: "deny",
		Rules: []Rule{
			{ID: "admins", Action: "allow", When: RuleWhen{RolesAny: []Matcher{lit(t, "admin")}}},
		},
	}
	d := evaluate(t, p, Input{Tool: "read_records",
		Identity: Identity{Subject: "alice", Roles: []string{"admin", "dev"}}})
	assert.True(t, d.Allowed)
	assert.Equal(t, "admins", d.MatchedRule)

	d = evaluate(t, p, Input{Tool: "read_records",
		Identity: Identity{Subject: "bob", Roles: []string{"dev"}}})
	assert.False(t, d.Allowed)
}

func TestRegexMatcher(t *testing.T) {
	m, err := NewRegex(`^pg-[0-9]+$`)
	require.NoError(t, err)
	assert.True(t, m.Matches("pg-12"))
	assert.False(t, m.Matches("pg-x"))

	_, err = NewRegex(`([`)
	require.Error(t, err)
}

func TestMatcherUnmarshalForms(t *testing.T) {
	var list []Matcher
	require.NoError(t, json.Unmarshal([]byte(`["exact", "pre*", {"regex": "^a+$"}, "*"]`), &list))
	require.Len(t, list, 4)
	assert.True(t, list[0].Matches("exact"))
	assert.False(t, list[0].Matches("exactly"))
	assert.True(t, list[1].Matches("prefix"))
	assert.True(t, list[2].Matches("aaa"))
	assert.False(t, list[2].Matches("b"))
	assert.True(t, list[3].Matches("anything at all"))

	require.Error(t, json.Unmarshal([]byte(`[{"regex": "(["}]`), &list))
}

func TestBreakGlassRequiresPolicyEnable(t *testing.T) {
	p := &Policy{Version: "1", DefaultAction: "deny"}
	d := evaluate(t, p, Input{Tool: "read_records", BreakGlass: true})
	assert.False(t, d.Allowed)

	p.BreakGlass.Enabled = true
	d = evaluate(t, p, Input{Tool: "read_records", BreakGlass: true})
	assert.True(t, d.Allowed)
	assert.True(t, d.BreakGlass)
}

func TestWritesModeDeny(t *testing.T) {
	p := &Policy{Version: "1", DefaultAction: "allow", Writes: WritesConfig{Mode: "deny"}}
	d := evaluate(t, p, Input{Tool: "write_records"})
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "writes are disabled")

	// Other tools are unaffected.
	d = evaluate(t, p, Input{Tool: "read_records"})
	assert.True(t, d.Allowed)
}

func TestWriteApprovalToken(t *testing.T) {
	t.Setenv("WRITE_TOK", "s3cr3t")
	p := &Policy{Version: "1", DefaultAction: "allow",
		Writes: WritesConfig{Mode: "require_approval", ApprovalTokenEnv: "WRITE_TOK"}}
	e := NewEngine(p)

	d := e.Evaluate(context.Background(), Input{Tool: "write_records", ApprovalToken: "wrong"})
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "approval")

	d = e.Evaluate(context.Background(), Input{Tool: "write_records", ApprovalToken: "s3cr3t"})
	assert.True(t, d.Allowed)
	assert.Equal(t, "token", d.WriteApprovedBy)
}

func TestWriteApprovalHook(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		json.NewEncoder(w).Encode(map[string]any{"allowed": true})
	}))
	defer srv.Close()

	p := &Policy{Version: "1", DefaultAction: "allow",
		Writes: WritesConfig{Mode: "require_approval", ApprovalHook: &HookConfig{URL: srv.URL}}}
	d := NewEngine(p).Evaluate(context.Background(), Input{
		Tool: "write_records", Connectors: []string{"crm"},
		Summary:  RequestSummary{WriteMode: "insert", RecordCount: 2},
		Identity: Identity{Subject: "alice", Tenant: "acme"},
		TraceID:  "tr-1",
	})
	assert.True(t, d.Allowed)
	assert.Equal(t, "hook", d.WriteApprovedBy)

	assert.Equal(t, "write_records", payload["tool"])
	assert.Equal(t, "insert", payload["write_mode"])
	assert.Equal(t, float64(2), payload["record_count"])
	assert.Equal(t, "alice", payload["subject"])
	assert.Equal(t, "acme", payload["tenant"])
	assert.Equal(t, "tr-1", payload["trace_id"])
	assert.NotEmpty(t, payload["decision_id"])
}

func TestWriteApprovalHookRefusal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"allowed": false, "reason": "quarterly freeze"})
	}))
	defer srv.Close()

	p := &Policy{Version: "1", DefaultAction: "allow",
		Writes: WritesConfig{Mode: "require_approval", ApprovalHook: &HookConfig{URL: srv.URL}}}
	d := NewEngine(p).Evaluate(context.Background(), Input{Tool: "write_records"})
	assert.False(t, d.Allowed)
	assert.Equal(t, "quarterly freeze", d.Reason)
}

func TestWriteApprovalHookFailureDenies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := &Policy{Version: "1", DefaultAction: "allow",
		Writes: WritesConfig{Mode: "require_approval", ApprovalHook: &HookConfig{URL: srv.URL}}}
	d := NewEngine(p).Evaluate(context.Background(), Input{Tool: "write_records"})
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "hook failed")
}

func TestRuleRequireApprovalTriggersApprovalPath(t *testing.T) {
	t.Setenv("WRITE_TOK2", "ok")
	p := &Policy{Version: "1", DefaultAction: "allow",
		Writes: WritesConfig{ApprovalTokenEnv: "WRITE_TOK2"},
		Rules: []Rule{{ID: "bulk", Action: "allow", RequireApproval: true,
			When: RuleWhen{Tool: []Matcher{lit(t, "write_records")}}}},
	}
	e := NewEngine(p)

	d := e.Evaluate(context.Background(), Input{Tool: "write_records"})
	assert.False(t, d.Allowed)

	d = e.Evaluate(context.Background(), Input{Tool: "write_records", ApprovalToken: "ok"})
	assert.True(t, d.Allowed)
	assert.Equal(t, "token", d.WriteApprovedBy)
	assert.Equal(t, "bulk", d.MatchedRule)
}

func TestTenantOverlay(t *testing.T) {
	p := &Policy{
		Version:       "1",
		DefaultAction: "allow",
		Tenants: map[string]*Overlay{
			"restricted": {
				DefaultAction: "deny",
				AllowTools:    []Matcher{mustLit("list_connectors")},
			},
		},
	}
	e := NewEngine(p)

	// Base tenant keeps the permissive default.
	d := e.Evaluate(context.Background(), Input{Tool: "read_records",
		Identity: Identity{Tenant: "acme"}})
	assert.True(t, d.Allowed)

	// Overlay tenant is locked down to one tool.
	d = e.Evaluate(context.Background(), Input{Tool: "read_records",
		Identity: Identity{Tenant: "restricted"}})
	assert.False(t, d.Allowed)
	d = e.Evaluate(context.Background(), Input{Tool: "list_connectors",
		Identity: Identity{Tenant: "restricted"}})
	assert.True(t, d.Allowed)
}

func TestTenantOverlayRulesPrepended(t *testing.T) {
	p := &Policy{
		Version:       "1",
		DefaultAction: "allow",
		Rules: []Rule{{ID: "base-allow", Action: "allow", When: RuleWhen{}}},
		Tenants: map[string]*Overlay{
			"acme": {Rules: []Rule{{ID: "acme-deny", Action: "deny", Reason: "tenant lockdown",
				When: RuleWhen{Tool: []Matcher{mustLit("write_records")}}}}},
		},
	}
	d := NewEngine(p).Evaluate(context.Background(), Input{Tool: "write_records",
		Identity: Identity{Tenant: "acme"}})
	assert.False(t, d.Allowed)
	assert.Equal(t, "acme-deny", d.MatchedRule)
}

func TestDecisionCarriesIdentifiers(t *testing.T) {
	p := &Policy{Version: "7", DefaultAction: "allow"}
	d := NewEngine(p).Evaluate(context.Background(), Input{
		Tool: "read_records", Connectors: []string{"a"},
		TraceID: "tr", DecisionID: "dec",
	})
	assert.Equal(t, "dec", d.ID)
	assert.Equal(t, "tr", d.TraceID)
	assert.Equal(t, "7", d.PolicyVersion)
	assert.False(t, d.Timestamp.IsZero())

	// Missing decision id gets a fresh one.
	d = NewEngine(p).Evaluate(context.Background(), Input{Tool: "read_records"})
	assert.NotEmpty(t, d.ID)
}

func mustLit(s string) Matcher {
	m, err := NewLiteral(s)
	if err != nil {
		panic(err)
	}
	return m
}
