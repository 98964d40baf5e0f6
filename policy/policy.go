// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

// Package policy implements the declarative decision layer that gates every
// tool invocation: allow/deny lists, ordered rules with matcher predicates,
// field masking, write approval (static token or synchronous webhook),
// tenant overlays and break-glass.
package policy

import (
	"os"
	"time"
)

// Policy is the root policy document, loaded from the policy bundle.
type Policy struct {
	Version       string `json:"version" yaml:"version"`
	DefaultAction string `json:"defaultAction" yaml:"defaultAction"` // allow | deny

	AllowTools []Matcher `json:"allowTools,omitempty" yaml:"allowTools,omitempty"`
	DenyTools  []Matcher `json:"denyTools,omitempty" yaml:"denyTools,omitempty"`

	AllowConnectors []Matcher `json:"allowConnectors,omitempty" yaml:"allowConnectors,omitempty"`
	DenyConnectors  []Matcher `json:"denyConnectors,omitempty" yaml:"denyConnectors,omitempty"`

	Rules []Rule `json:"rules,omitempty" yaml:"rules,omitempty"`

	Writes     WritesConfig     `json:"writes,omitempty" yaml:"writes,omitempty"`
	Masking    MaskingConfig    `json:"masking,omitempty" yaml:"masking,omitempty"`
	BreakGlass BreakGlassConfig `json:"breakGlass,omitempty" yaml:"breakGlass,omitempty"`

	// Tenants maps a tenant id to an overlay applied when the authenticated
	// identity carries that tenant.
	Tenants map[string]*Overlay `json:"tenants,omitempty" yaml:"tenants,omitempty"`
}

// Rule is one ordered policy rule. The first rule whose When clause matches
// wins; later rules are not considered.
type Rule struct {
	ID              string   `json:"id" yaml:"id"`
	Action          string   `json:"action" yaml:"action"` // allow | deny
	Reason          string   `json:"reason,omitempty" yaml:"reason,omitempty"`
	When            RuleWhen `json:"when" yaml:"when"`
	MaskFields      []string `json:"maskFields,omitempty" yaml:"maskFields,omitempty"`
	RequireApproval bool     `json:"requireApproval,omitempty" yaml:"requireApproval,omitempty"`
}

// RuleWhen is the predicate conjunction: every present predicate must match.
type RuleWhen struct {
	Tool            []Matcher `json:"tool,omitempty" yaml:"tool,omitempty"`
	ConnectorsAll   []Matcher `json:"connectorsAll,omitempty" yaml:"connectorsAll,omitempty"`
	ConnectorsAny   []Matcher `json:"connectorsAny,omitempty" yaml:"connectorsAny,omitempty"`
	SelectFieldsAny []Matcher `json:"selectFieldsAny,omitempty" yaml:"selectFieldsAny,omitempty"`
	WhereFieldsAny  []Matcher `json:"whereFieldsAny,omitempty" yaml:"whereFieldsAny,omitempty"`
	RecordFieldsAny []Matcher `json:"recordFieldsAny,omitempty" yaml:"recordFieldsAny,omitempty"`
	Subject         []Matcher `json:"subject,omitempty" yaml:"subject,omitempty"`
	Tenant          []Matcher `json:"tenant,omitempty" yaml:"tenant,omitempty"`
	RolesAny        []Matcher `json:"rolesAny,omitempty" yaml:"rolesAny,omitempty"`
	ScopesAny       []Matcher `json:"scopesAny,omitempty" yaml:"scopesAny,omitempty"`
	WriteMode       string    `json:"writeMode,omitempty" yaml:"writeMode,omitempty"`
}

// WritesConfig governs write_records approval.
type WritesConfig struct {
	Mode             string      `json:"mode,omitempty" yaml:"mode,omitempty"` // allow | deny | require_approval
	ApprovalTokenEnv string      `json:"approvalTokenEnv,omitempty" yaml:"approvalTokenEnv,omitempty"`
	ApprovalHook     *HookConfig `json:"approvalHook,omitempty" yaml:"approvalHook,omitempty"`
}

// HookConfig points at the synchronous approval webhook.
type HookConfig struct {
	URL       string `json:"url" yaml:"url"`
	TimeoutMs int    `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
}

// MaskingConfig lists fields redacted from every emitted record.
type MaskingConfig struct {
	Fields       []string            `json:"fields,omitempty" yaml:"fields,omitempty"`
	PerConnector map[string][]string `json:"perConnector,omitempty" yaml:"perConnector,omitempty"`
	Replacement  string              `json:"replacement,omitempty" yaml:"replacement,omitempty"`
}

// BreakGlassConfig enables the audited administrator override.
type BreakGlassConfig struct {
	Enabled   bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	SecretEnv string `json:"secretEnv,omitempty" yaml:"secretEnv,omitempty"`
	Header    string `json:"header,omitempty" yaml:"header,omitempty"`
}

// Secret resolves the break-glass secret from the environment.
func (b BreakGlassConfig) Secret() string {
	if b.SecretEnv == "" {
		return ""
	}
	return os.Getenv(b.SecretEnv)
}

// Overlay is a tenant-specific partial policy. Set fields replace the base
// counterpart; overlay rules are prepended so tenant rules win ties.
type Overlay struct {
	DefaultAction   string        `json:"defaultAction,omitempty" yaml:"defaultAction,omitempty"`
	AllowTools      []Matcher     `json:"allowTools,omitempty" yaml:"allowTools,omitempty"`
	DenyTools       []Matcher     `json:"denyTools,omitempty" yaml:"denyTools,omitempty"`
	AllowConnectors []Matcher     `json:"allowConnectors,omitempty" yaml:"allowConnectors,omitempty"`
	DenyConnectors  []Matcher     `json:"denyConnectors,omitempty" yaml:"denyConnectors,omitempty"`
	Rules           []Rule         `json:"rules,omitempty" yaml:"rules,omitempty"`
	Writes          *WritesConfig  `json:"writes,omitempty" yaml:"writes,omitempty"`
	Masking         *MaskingConfig `json:"masking,omitempty" yaml:"masking,omitempty"`
}

// Effective merges the base policy with the overlay for the given tenant.
// An empty tenant, or one without an overlay, yields the base unchanged.
func (p *Policy) Effective(tenant string) *Policy {
	if tenant == "" || p.Tenants == nil {
		return p
	}
	ov, ok := p.Tenants[tenant]
	if !ok || ov == nil {
		return p
	}
	merged := *p
	if ov.DefaultAction != "" {
		merged.DefaultAction = ov.DefaultAction
	}
	if ov.AllowTools != nil {
		merged.AllowTools = ov.AllowTools
	}
	if ov.DenyTools != nil {
		merged.DenyTools = ov.DenyTools
	}
	if ov.AllowConnectors != nil {
		merged.AllowConnectors = ov.AllowConnectors
	}
	if ov.DenyConnectors != nil {
		merged.DenyConnectors = ov.DenyConnectors
	}
	if len(ov.Rules) > 0 {
		rules := make([]Rule, 0, len(ov.Rules)+len(p.Rules))
		rules = append(rules, ov.Rules...)
		rules = append(rules, p.Rules...)
		merged.Rules = rules
	}
	if ov.Writes != nil {
		merged.Writes = *ov.Writes
	}
	if ov.Masking != nil {
		merged.Masking = *ov.Masking
	}
	return &merged
}

// Identity is the authenticated caller.
type Identity struct {
	Subject string   `json:"subject,omitempty"`
	Tenant  string   `json:"tenant,omitempty"`
	Roles   []string `json:"roles,omitempty"`
	Scopes  []string `json:"scopes,omitempty"`
}

// RequestSummary is the policy-relevant shape of a tool request.
type RequestSummary struct {
	WriteMode    string   `json:"write_mode,omitempty"`
	SelectFields []string `json:"select_fields,omitempty"`
	WhereFields  []string `json:"where_fields,omitempty"`
	RecordFields []string `json:"record_fields,omitempty"`
	RecordCount  int      `json:"record_count,omitempty"`
}

// Input is everything an evaluation consumes.
type Input struct {
	Tool          string
	Connectors    []string
	Identity      Identity
	Summary       RequestSummary
	ApprovalToken string
	BreakGlass    bool
	TraceID       string
	DecisionID    string
}

// Decision is the evaluation outcome; it is also the audit record payload.
type Decision struct {
	ID              string         `json:"decision_id"`
	TraceID         string         `json:"trace_id"`
	PolicyVersion   string         `json:"policy_version"`
	Timestamp       time.Time      `json:"timestamp"`
	Tool            string         `json:"tool"`
	Connectors      []string       `json:"connectors,omitempty"`
	Allowed         bool           `json:"allowed"`
	Reason          string         `json:"reason,omitempty"`
	MatchedRule     string         `json:"matched_rule,omitempty"`
	MaskFields      []string       `json:"mask_fields,omitempty"`
	BreakGlass      bool           `json:"break_glass,omitempty"`
	WriteApprovedBy string         `json:"write_approved_by,omitempty"` // token | hook
	Subject         string         `json:"subject,omitempty"`
	Tenant          string         `json:"tenant,omitempty"`
	Summary         RequestSummary `json:"summary"`
}
