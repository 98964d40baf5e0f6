// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"context"
	"crypto/subtle"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Engine evaluates tool requests against the loaded policy. It is safe for
// concurrent use; Reload swaps the policy atomically for hot reload.
type Engine struct {
	mu            sync.RWMutex
	policy        *Policy
	approvalToken string
	hook          *HookClient
}

// NewEngine builds an engine over a validated policy document.
func NewEngine(p *Policy) *Engine {
	e := &Engine{}
	e.Reload(p)
	return e
}

// Reload swaps in a new policy; in-flight evaluations keep the old one.
func (e *Engine) Reload(p *Policy) {
	var token string
	if env := p.Writes.ApprovalTokenEnv; env != "" {
		token = os.Getenv(env)
	}
	var hook *HookClient
	if p.Writes.ApprovalHook != nil {
		hook = NewHookClient(*p.Writes.ApprovalHook)
	}
	e.mu.Lock()
	e.policy = p
	e.approvalToken = token
	e.hook = hook
	e.mu.Unlock()
}

// Current returns the loaded policy (for the admin status endpoint).
func (e *Engine) Current() *Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// Version returns the loaded policy version string.
func (e *Engine) Version() string {
	return e.Current().Version
}

// BreakGlass exposes the break-glass transport settings.
func (e *Engine) BreakGlass() BreakGlassConfig {
	return e.Current().BreakGlass
}

// Masker builds the redactor for the connectors of a decision.
func (e *Engine) Masker(d *Decision, connectors []string) *Masker {
	p := e.Current().Effective(d.Tenant)
	fields := append([]string{}, p.Masking.Fields...)
	for _, id := range connectors {
		fields = append(fields, p.Masking.PerConnector[id]...)
	}
	fields = append(fields, d.MaskFields...)
	return NewMasker(fields, p.Masking.Replacement)
}

// Evaluate runs the decision pipeline for one tool request.
func (e *Engine) Evaluate(ctx context.Context, in Input) *Decision {
	e.mu.RLock()
	base := e.policy
	approvalToken := e.approvalToken
	hook := e.hook
	e.mu.RUnlock()

	p := base.Effective(in.Identity.Tenant)

	d := &Decision{
		ID:            in.DecisionID,
		TraceID:       in.TraceID,
		PolicyVersion: p.Version,
		Timestamp:     time.Now().UTC(),
		Tool:          in.Tool,
		Connectors:    in.Connectors,
		Subject:       in.Identity.Subject,
		Tenant:        in.Identity.Tenant,
		Summary:       in.Summary,
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	// 1. Break-glass shortcut. The transport has already verified the header
	// secret; the flag only takes effect when the policy enables it.
	if in.BreakGlass && p.BreakGlass.Enabled {
		d.Allowed = true
		d.BreakGlass = true
		d.Reason = "break-glass override"
		return d
	}

	// 2. Tool listing: deny wins, then allow, then fall through to rules.
	// An explicit allow-list match satisfies a deny default at step 4.
	explicitAllow := false
	if oneMatch(p.DenyTools, in.Tool) {
		return deny(d, "tool is deny-listed")
	}
	if len(p.AllowTools) > 0 {
		if !oneMatch(p.AllowTools, in.Tool) {
			if p.DefaultAction == "deny" {
				return deny(d, "tool is not allow-listed")
			}
		} else {
			explicitAllow = true
		}
	}

	// 3. Connector listing, applied to every connector in the request.
	for _, id := range in.Connectors {
		if oneMatch(p.DenyConnectors, id) {
			return deny(d, "connector is deny-listed: "+id)
		}
		if len(p.AllowConnectors) > 0 && !oneMatch(p.AllowConnectors, id) {
			if p.DefaultAction == "deny" {
				return deny(d, "connector is not allow-listed: "+id)
			}
			explicitAllow = false
		}
	}
	if len(p.AllowConnectors) > 0 && len(in.Connectors) > 0 && allMatch(p.AllowConnectors, in.Connectors) {
		explicitAllow = true
	}

	// 4. Ordered rule scan; the first matching rule wins.
	var matched *Rule
	for i := range p.Rules {
		r := &p.Rules[i]
		if ruleMatches(&r.When, in) {
			matched = r
			break
		}
	}
	requireApproval := false
	if matched != nil {
		d.MatchedRule = matched.ID
		if matched.Action == "deny" {
			reason := matched.Reason
			if reason == "" {
				reason = "denied by rule " + matched.ID
			}
			return deny(d, reason)
		}
		d.MaskFields = matched.MaskFields
		requireApproval = matched.RequireApproval
	} else if p.DefaultAction == "deny" && !explicitAllow {
		return deny(d, "denied by default policy action")
	}

	// 5. Write approval, only for the write tool.
	if in.Tool == "write_records" {
		switch {
		case p.Writes.Mode == "deny":
			return deny(d, "writes are disabled by policy")
		case p.Writes.Mode == "require_approval" || requireApproval:
			by, reason := e.approve(ctx, in, d, approvalToken, hook)
			if by == "" {
				return deny(d, reason)
			}
			d.WriteApprovedBy = by
		}
	}

	// 6. Default allow with any rule mask fields.
	d.Allowed = true
	return d
}

// approve resolves write approval via static token, then webhook.
// Returns ("", reason) when approval was not granted.
func (e *Engine) approve(ctx context.Context, in Input, d *Decision, token string, hook *HookClient) (string, string) {
	if in.ApprovalToken != "" && token != "" {
		if subtle.ConstantTimeCompare([]byte(in.ApprovalToken), []byte(token)) == 1 {
			return "token", ""
		}
		return "", "write approval token rejected"
	}
	if hook != nil {
		allowed, reason, err := hook.Request(ctx, d, in)
		if err != nil {
			return "", "write approval hook failed: " + err.Error()
		}
		if allowed {
			return "hook", ""
		}
		if reason == "" {
			reason = "write approval denied by hook"
		}
		return "", reason
	}
	return "", "write requires approval and no approval method succeeded"
}

func deny(d *Decision, reason string) *Decision {
	d.Allowed = false
	d.Reason = reason
	return d
}

// ruleMatches evaluates a When clause: every present predicate must hold.
func ruleMatches(w *RuleWhen, in Input) bool {
	if len(w.Tool) > 0 && !oneMatch(w.Tool, in.Tool) {
		return false
	}
	if len(w.ConnectorsAll) > 0 && !allMatch(w.ConnectorsAll, in.Connectors) {
		return false
	}
	if len(w.ConnectorsAny) > 0 && !anyMatch(w.ConnectorsAny, in.Connectors) {
		return false
	}
	if len(w.SelectFieldsAny) > 0 && !anyMatch(w.SelectFieldsAny, in.Summary.SelectFields) {
		return false
	}
	if len(w.WhereFieldsAny) > 0 && !anyMatch(w.WhereFieldsAny, in.Summary.WhereFields) {
		return false
	}
	if len(w.RecordFieldsAny) > 0 && !anyMatch(w.RecordFieldsAny, in.Summary.RecordFields) {
		return false
	}
	if len(w.Subject) > 0 && !oneMatch(w.Subject, in.Identity.Subject) {
		return false
	}
	if len(w.Tenant) > 0 && !oneMatch(w.Tenant, in.Identity.Tenant) {
		return false
	}
	if len(w.RolesAny) > 0 && !anyMatch(w.RolesAny, in.Identity.Roles) {
		return false
	}
	if len(w.ScopesAny) > 0 && !anyMatch(w.ScopesAny, in.Identity.Scopes) {
		return false
	}
	if w.WriteMode != "" && w.WriteMode != in.Summary.WriteMode {
		return false
	}
	return true
}
