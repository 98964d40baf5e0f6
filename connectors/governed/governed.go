// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

// Package governed wraps a connector with the shared resource-governance
// pipeline: circuit breaker admission, a per-connector concurrency gate,
// per-operation timeouts, bounded retry for idempotent operations, and
// Prometheus instrumentation. Every connector reaches the registry through
// this wrapper.
package governed

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"

	"datatrust/platform/connectors/base"
)

var (
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datatrust_connector_operations_total",
			Help: "Connector operations by connector, method and outcome",
		},
		[]string{"connector", "method", "outcome"},
	)
	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datatrust_connector_operation_duration_milliseconds",
			Help:    "Connector operation duration in milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000, 60000},
		},
		[]string{"connector", "method"},
	)
	inFlightGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "datatrust_connector_in_flight",
			Help: "Operations currently executing per connector",
		},
		[]string{"connector"},
	)
	queueWaitingGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "datatrust_connector_queue_waiting",
			Help: "Operations waiting on the concurrency gate per connector",
		},
		[]string{"connector"},
	)
	queueWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datatrust_connector_queue_wait_milliseconds",
			Help:    "Time spent waiting on the concurrency gate in milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000, 60000},
		},
		[]string{"connector"},
	)
	breakerOpenGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "datatrust_connector_breaker_open",
			Help: "1 while the circuit breaker is open, 0 otherwise",
		},
		[]string{"connector"},
	)
	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datatrust_connector_retries_total",
			Help: "Retry attempts per connector and method",
		},
		[]string{"connector", "method"},
	)
)

// Options tune the governance pipeline. Zero values take the defaults.
type Options struct {
	MaxConcurrent    int64         // concurrency gate width, default 10
	Timeout          time.Duration // per-attempt timeout, default 60s
	MaxRetries       int           // extra attempts for idempotent ops, default 3
	BreakerThreshold int           // consecutive failures before opening, default 5
	BreakerOpenFor   time.Duration // open interval before a half-open probe, default 30s
}

func (o *Options) withDefaults() Options {
	out := Options{MaxConcurrent: 10, Timeout: 60 * time.Second, MaxRetries: 3,
		BreakerThreshold: 5, BreakerOpenFor: 30 * time.Second}
	if o == nil {
		return out
	}
	if o.MaxConcurrent > 0 {
		out.MaxConcurrent = o.MaxConcurrent
	}
	if o.Timeout > 0 {
		out.Timeout = o.Timeout
	}
	if o.MaxRetries > 0 {
		out.MaxRetries = o.MaxRetries
	}
	if o.BreakerThreshold > 0 {
		out.BreakerThreshold = o.BreakerThreshold
	}
	if o.BreakerOpenFor > 0 {
		out.BreakerOpenFor = o.BreakerOpenFor
	}
	return out
}

// Health is the last-known operational state, surfaced on the admin endpoint.
type Health struct {
	State               base.ConnectionState `json:"state"`
	LastSuccess         *time.Time           `json:"last_success,omitempty"`
	LastError           *time.Time           `json:"last_error,omitempty"`
	LastErrorMessage    string               `json:"last_error_message,omitempty"`
	ConsecutiveFailures int                  `json:"consecutive_failures"`
	BreakerOpen         bool                 `json:"breaker_open"`
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// Connector decorates a base.Connector with governance. It satisfies
// base.Connector itself so callers never see the difference.
type Connector struct {
	inner base.Connector
	opts  Options
	gate  *semaphore.Weighted

	mu           sync.Mutex
	brState      breakerState
	failures     int
	openedAt     time.Time
	probing      bool
	lastSuccess  time.Time
	lastError    time.Time
	lastErrorMsg string

	// test hook
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// Wrap builds the governed decorator around a connector.
func Wrap(inner base.Connector, opts *Options) *Connector {
	resolved := opts.withDefaults()
	return &Connector{
		inner: inner,
		opts:  resolved,
		gate:  semaphore.NewWeighted(resolved.MaxConcurrent),
		now:   time.Now,
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (g *Connector) ID() string                  { return g.inner.ID() }
func (g *Connector) Name() string                { return g.inner.Name() }
func (g *Connector) Type() string                { return g.inner.Type() }
func (g *Connector) ReadOnly() bool              { return g.inner.ReadOnly() }
func (g *Connector) State() base.ConnectionState { return g.inner.State() }

// Inner exposes the wrapped connector for tests and admin introspection.
func (g *Connector) Inner() base.Connector { return g.inner }

// Health returns a point-in-time snapshot of the pipeline state.
func (g *Connector) Health() Health {
	g.mu.Lock()
	defer g.mu.Unlock()
	h := Health{
		State:               g.inner.State(),
		LastErrorMessage:    g.lastErrorMsg,
		ConsecutiveFailures: g.failures,
		BreakerOpen:         g.brState == breakerOpen,
	}
	if !g.lastSuccess.IsZero() {
		t := g.lastSuccess
		h.LastSuccess = &t
	}
	if !g.lastError.IsZero() {
		t := g.lastError
		h.LastError = &t
	}
	return h
}

func (g *Connector) Connect(ctx context.Context) error {
	return g.execute(ctx, "connect", true, func(ctx context.Context) error {
		return g.inner.Connect(ctx)
	})
}

// Disconnect bypasses the breaker: tearing down must always be possible.
func (g *Connector) Disconnect(ctx context.Context) error {
	return g.inner.Disconnect(ctx)
}

func (g *Connector) TestConnection(ctx context.Context) error {
	return g.execute(ctx, "test_connection", true, func(ctx context.Context) error {
		return g.inner.TestConnection(ctx)
	})
}

func (g *Connector) GetSchema(ctx context.Context, forceRefresh bool) (*base.Schema, error) {
	var schema *base.Schema
	err := g.execute(ctx, "get_schema", true, func(ctx context.Context) error {
		var err error
		schema, err = g.inner.GetSchema(ctx, forceRefresh)
		return err
	})
	return schema, err
}

func (g *Connector) ReadRecords(ctx context.Context, filter *base.Filter) (*base.ReadResult, error) {
	var result *base.ReadResult
	err := g.execute(ctx, "read_records", true, func(ctx context.Context) error {
		var err error
		result, err = g.inner.ReadRecords(ctx, filter)
		return err
	})
	return result, err
}

func (g *Connector) WriteRecords(ctx context.Context, records []base.Record, mode base.WriteMode) (*base.WriteResult, error) {
	if g.inner.ReadOnly() {
		return nil, base.NewError(base.ErrUnsupportedOperation, g.ID(),
			"connector is read-only", "writes are disabled for this connector")
	}
	var result *base.WriteResult
	// Writes are not idempotent: one attempt, no retry.
	err := g.execute(ctx, "write_records", false, func(ctx context.Context) error {
		var err error
		result, err = g.inner.WriteRecords(ctx, records, mode)
		return err
	})
	return result, err
}

func (g *Connector) ValidateRecords(ctx context.Context, records []base.Record) (*base.ValidationResult, error) {
	var result *base.ValidationResult
	err := g.execute(ctx, "validate_records", true, func(ctx context.Context) error {
		var err error
		result, err = g.inner.ValidateRecords(ctx, records)
		return err
	})
	return result, err
}

// execute runs one operation through the full pipeline.
func (g *Connector) execute(ctx context.Context, method string, idempotent bool, fn func(context.Context) error) error {
	id := g.ID()
	if err := g.admit(); err != nil {
		operationsTotal.WithLabelValues(id, method, "rejected").Inc()
		return err
	}

	queueWaitingGauge.WithLabelValues(id).Inc()
	waitStart := g.now()
	acqErr := g.gate.Acquire(ctx, 1)
	queueWaitingGauge.WithLabelValues(id).Dec()
	// Observed whether or not acquisition succeeded.
	queueWaitDuration.WithLabelValues(id).Observe(float64(g.now().Sub(waitStart).Milliseconds()))
	if acqErr != nil {
		g.settleProbe()
		operationsTotal.WithLabelValues(id, method, "rejected").Inc()
		return base.WrapError(base.ErrTimeout, id,
			"gave up waiting for a connector slot", "reduce concurrent load on this connector", acqErr)
	}
	defer g.gate.Release(1)

	inFlightGauge.WithLabelValues(id).Inc()
	defer inFlightGauge.WithLabelValues(id).Dec()

	start := g.now()
	err := g.attemptWithRetry(ctx, method, idempotent, fn)
	elapsed := g.now().Sub(start)
	operationDuration.WithLabelValues(id, method).Observe(float64(elapsed.Milliseconds()))

	if err != nil {
		operationsTotal.WithLabelValues(id, method, "error").Inc()
		g.recordFailure(err)
		return err
	}
	operationsTotal.WithLabelValues(id, method, "success").Inc()
	g.recordSuccess()
	return nil
}

// admit enforces breaker state before any work is queued.
func (g *Connector) admit() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.brState {
	case breakerClosed:
		return nil
	case breakerOpen:
		if g.now().Sub(g.openedAt) >= g.opts.BreakerOpenFor {
			g.brState = breakerHalfOpen
			g.probing = true
			return nil
		}
	case breakerHalfOpen:
		if !g.probing {
			g.probing = true
			return nil
		}
	}
	err := base.NewError(base.ErrConnectionFailed, g.inner.ID(),
		"circuit breaker is open for this connector",
		"wait for the breaker to half-open, or check the last error")
	err.WithContext("breaker_open", true)
	err.WithContext("consecutive_failures", g.failures)
	if g.lastErrorMsg != "" {
		err.WithContext("last_error", g.lastErrorMsg)
	}
	return err
}

// settleProbe releases a half-open probe slot that never ran.
func (g *Connector) settleProbe() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.brState == breakerHalfOpen {
		g.probing = false
	}
}

func (g *Connector) recordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = 0
	g.lastSuccess = g.now()
	g.brState = breakerClosed
	g.probing = false
	breakerOpenGauge.WithLabelValues(g.inner.ID()).Set(0)
}

func (g *Connector) recordFailure(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures++
	g.lastError = g.now()
	g.lastErrorMsg = base.SanitizeLogString(err.Error())
	if g.brState == breakerHalfOpen || g.failures >= g.opts.BreakerThreshold {
		g.brState = breakerOpen
		g.openedAt = g.now()
		g.probing = false
		breakerOpenGauge.WithLabelValues(g.inner.ID()).Set(1)
	}
}

// attemptWithRetry applies the per-attempt timeout and, for idempotent
// operations, retries transient failures with capped exponential backoff.
func (g *Connector) attemptWithRetry(ctx context.Context, method string, idempotent bool, fn func(context.Context) error) error {
	attempts := 1
	if idempotent {
		attempts += g.opts.MaxRetries
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			retriesTotal.WithLabelValues(g.ID(), method).Inc()
			if err := g.sleep(ctx, backoff(attempt-1)); err != nil {
				return lastErr
			}
		}
		lastErr = g.attempt(ctx, method, fn)
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (g *Connector) attempt(ctx context.Context, method string, fn func(context.Context) error) error {
	attemptCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()
	err := fn(attemptCtx)
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return base.WrapError(base.ErrTimeout, g.ID(),
			fmt.Sprintf("%s timed out after %dms", method, g.opts.Timeout.Milliseconds()),
			"increase the connector timeout or narrow the request", err)
	}
	return err
}

// backoff is 200ms doubling per retry, capped at 5s, with ±20% jitter.
func backoff(retry int) time.Duration {
	d := 200 * time.Millisecond << retry
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

// transientText matches OS-level failures that surface as plain error strings.
var transientText = []string{"ETIMEDOUT", "ECONNRESET", "ECONNREFUSED", "EAI_AGAIN",
	"connection reset", "connection refused", "i/o timeout"}

func isRetryable(err error) bool {
	switch base.KindOf(err) {
	case base.ErrTimeout, base.ErrConnectionFailed, base.ErrRateLimited:
		return true
	}
	msg := err.Error()
	for _, t := range transientText {
		if strings.Contains(msg, t) {
			return true
		}
	}
	return false
}
