// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

// Package gateway exposes the tool surface: it dispatches tool calls through
// policy evaluation, concurrency and timeout control, connector execution,
// response masking, and audit, over stdio and HTTP transports.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"

	"datatrust/platform/audit"
	"datatrust/platform/connectors/base"
	"datatrust/platform/connectors/registry"
	"datatrust/platform/policy"
	policyaudit "datatrust/platform/policy/audit"
	"datatrust/platform/shared/logger"
	"datatrust/platform/snapshot"
	"datatrust/platform/trust"
)

var (
	toolRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datatrust_tool_requests_total",
		Help: "Tool calls by tool name and outcome.",
	}, []string{"tool", "outcome"})
	toolDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datatrust_tool_denied_total",
		Help: "Tool calls denied by policy.",
	}, []string{"tool"})
	toolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "datatrust_tool_duration_milliseconds",
		Help:    "Tool call duration in milliseconds.",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 15000, 60000},
	}, []string{"tool"})
	toolQueueWait = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "datatrust_tool_queue_waiting",
		Help: "Tool calls waiting for the dispatch semaphore.",
	})
	toolInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "datatrust_tool_in_flight",
		Help: "Tool calls currently executing.",
	})
)

const (
	defaultMaxConcurrent = 25
	defaultToolTimeout   = 120 * time.Second
)

// Options tune the dispatcher. Zero values take the defaults.
type Options struct {
	MaxConcurrent int64
	Timeout       time.Duration
}

// Deps are the collaborators a dispatcher drives.
type Deps struct {
	Registry  *registry.Registry
	Policy    *policy.Engine
	Decisions *policyaudit.ChainLog
	Trail     *audit.Trail
	Snapshots *snapshot.Store
}

// Request is one tool invocation as received from a transport.
type Request struct {
	Tool          string          `json:"tool"`
	Arguments     json.RawMessage `json:"arguments,omitempty"`
	ApprovalToken string          `json:"approval_token,omitempty"`
}

// ErrorBody is the wire shape of a failed call.
type ErrorBody struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Response is the wire shape of every tool result.
type Response struct {
	OK               bool       `json:"ok"`
	Result           any        `json:"result,omitempty"`
	Error            *ErrorBody `json:"error,omitempty"`
	TraceID          string     `json:"trace_id"`
	PolicyDecisionID string     `json:"policy_decision_id,omitempty"`
}

// Dispatcher routes tool calls through the policy and execution pipeline.
type Dispatcher struct {
	registry   *registry.Registry
	policy     *policy.Engine
	decisions  *policyaudit.ChainLog
	trail      *audit.Trail
	snapshots  *snapshot.Store
	monitor    *trust.Monitor
	detector   *trust.Detector
	reconciler *trust.Reconciler

	gate    *semaphore.Weighted
	timeout time.Duration
	log     *logger.Logger
}

// NewDispatcher wires the tool surface.
func NewDispatcher(deps Deps, opts *Options) *Dispatcher {
	maxConcurrent := int64(defaultMaxConcurrent)
	timeout := defaultToolTimeout
	if opts != nil {
		if opts.MaxConcurrent > 0 {
			maxConcurrent = opts.MaxConcurrent
		}
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
	}
	return &Dispatcher{
		registry:   deps.Registry,
		policy:     deps.Policy,
		decisions:  deps.Decisions,
		trail:      deps.Trail,
		snapshots:  deps.Snapshots,
		monitor:    trust.NewMonitor(),
		detector:   trust.NewDetector(deps.Snapshots),
		reconciler: trust.NewReconciler(),
		gate:       semaphore.NewWeighted(maxConcurrent),
		timeout:    timeout,
		log:        logger.New("gateway"),
	}
}

// DecisionSinkStatus reports policy audit sink health for the admin surface.
func (d *Dispatcher) DecisionSinkStatus() policyaudit.Status {
	if d.decisions == nil {
		return policyaudit.Status{Healthy: false, LastError: "no decision sink configured"}
	}
	return d.decisions.Status()
}

// PolicyVersion exposes the active policy version.
func (d *Dispatcher) PolicyVersion() string { return d.policy.Version() }

// Registry exposes the connector registry to transports.
func (d *Dispatcher) Registry() *registry.Registry { return d.registry }

// Execute runs one tool call end to end. It never returns a Go error;
// failures travel in the response body.
func (d *Dispatcher) Execute(ctx context.Context, req *Request) *Response {
	started := time.Now()
	traceID := TraceID(ctx)

	call, err := d.prepare(req)
	if err != nil {
		toolRequests.WithLabelValues(req.Tool, "error").Inc()
		return d.fail(traceID, "", err)
	}

	in := policy.Input{
		Tool:          req.Tool,
		Connectors:    call.connectors,
		Identity:      IdentityFrom(ctx),
		Summary:       call.summary,
		ApprovalToken: req.ApprovalToken,
		BreakGlass:    BreakGlassFrom(ctx),
		TraceID:       traceID,
	}
	dec := d.policy.Evaluate(ctx, in)
	d.recordDecision(ctx, dec)

	if !dec.Allowed {
		toolDenied.WithLabelValues(req.Tool).Inc()
		toolRequests.WithLabelValues(req.Tool, "denied").Inc()
		d.log.Warn(traceID, dec.ID, "tool call denied by policy", map[string]any{
			"tool": req.Tool, "reason": dec.Reason,
		})
		return &Response{
			OK:               false,
			Error:            &ErrorBody{Kind: "POLICY_DENIED", Message: dec.Reason},
			TraceID:          traceID,
			PolicyDecisionID: dec.ID,
		}
	}

	toolQueueWait.Inc()
	err = d.gate.Acquire(ctx, 1)
	toolQueueWait.Dec()
	if err != nil {
		toolRequests.WithLabelValues(req.Tool, "error").Inc()
		return d.fail(traceID, dec.ID, base.NewError(base.ErrTimeout, "",
			"gave up waiting for a tool slot", "retry once load drops"))
	}
	defer d.gate.Release(1)

	toolInFlight.Inc()
	defer toolInFlight.Dec()

	runCtx, cancel := context.WithTimeout(WithTraceID(ctx, traceID), d.timeout)
	defer cancel()

	masker := d.policy.Masker(dec, call.connectors)
	result, err := call.run(runCtx, masker)
	durationMS := float64(time.Since(started).Milliseconds())
	toolDuration.WithLabelValues(req.Tool).Observe(durationMS)

	if err != nil {
		toolRequests.WithLabelValues(req.Tool, "error").Inc()
		d.log.ErrorWithErr(traceID, dec.ID, "tool call failed", err, map[string]any{
			"tool": req.Tool, "duration_ms": durationMS,
		})
		return d.fail(traceID, dec.ID, err)
	}

	toolRequests.WithLabelValues(req.Tool, "success").Inc()
	d.log.InfoWithDuration(traceID, dec.ID, "tool call completed", durationMS, map[string]any{
		"tool": req.Tool,
	})
	return &Response{OK: true, Result: result, TraceID: traceID, PolicyDecisionID: dec.ID}
}

// recordDecision appends to the decision chain. Sink failures degrade the
// sink's status but never change the decision.
func (d *Dispatcher) recordDecision(ctx context.Context, dec *policy.Decision) {
	if d.decisions == nil {
		return
	}
	if err := d.decisions.Append(ctx, dec); err != nil {
		d.log.ErrorWithErr(dec.TraceID, dec.ID, "recording policy decision failed", err, nil)
	}
}

func (d *Dispatcher) fail(traceID, decisionID string, err error) *Response {
	return &Response{
		OK:               false,
		Error:            toErrorBody(err),
		TraceID:          traceID,
		PolicyDecisionID: decisionID,
	}
}

// toErrorBody maps internal error types onto the stable wire taxonomy.
func toErrorBody(err error) *ErrorBody {
	var ce *base.ConnectorError
	if errors.As(err, &ce) {
		body := &ErrorBody{Kind: string(ce.Kind), Message: ce.Message}
		if len(ce.Context) > 0 {
			body.Details = ce.Context
		}
		if ce.Suggestion != "" {
			if body.Details == nil {
				body.Details = map[string]any{}
			}
			body.Details["suggestion"] = ce.Suggestion
		}
		return body
	}
	var te *trust.TrustError
	if errors.As(err, &te) {
		body := &ErrorBody{Kind: string(te.Kind), Message: te.Message}
		if len(te.Context) > 0 {
			body.Details = te.Context
		}
		return body
	}
	switch {
	case errors.Is(err, snapshot.ErrExists):
		return &ErrorBody{Kind: string(trust.ErrSnapshotExists), Message: err.Error()}
	case errors.Is(err, snapshot.ErrNotFound):
		return &ErrorBody{Kind: string(trust.ErrSnapshotNotFound), Message: err.Error()}
	}
	return &ErrorBody{Kind: "UNKNOWN", Message: err.Error()}
}

// IdentityFrom reads the authenticated identity the transport attached.
func IdentityFrom(ctx context.Context) policy.Identity {
	if id, ok := ctx.Value(identityKey).(policy.Identity); ok {
		return id
	}
	return policy.Identity{}
}

// WithIdentity attaches the authenticated identity.
func WithIdentity(ctx context.Context, id policy.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// BreakGlassFrom reads the transport-verified break-glass flag.
func BreakGlassFrom(ctx context.Context) bool {
	v, _ := ctx.Value(breakGlassKey).(bool)
	return v
}

// WithBreakGlass marks the request as break-glass verified.
func WithBreakGlass(ctx context.Context, on bool) context.Context {
	return context.WithValue(ctx, breakGlassKey, on)
}
