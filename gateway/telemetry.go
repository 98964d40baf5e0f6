// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const (
	traceIDKey    contextKey = "trace-id"
	identityKey   contextKey = "identity"
	breakGlassKey contextKey = "break-glass"
)

// traceparentPattern matches the W3C traceparent header shape. Only the
// trace-id segment is carried forward.
var traceparentPattern = regexp.MustCompile(`^[0-9a-f]{2}-([0-9a-f]{32})-[0-9a-f]{16}-[0-9a-f]{2}$`)

// TraceIDFromHeader extracts the trace id from a traceparent header value,
// or mints a fresh one when the header is absent or malformed.
func TraceIDFromHeader(header string) string {
	m := traceparentPattern.FindStringSubmatch(strings.TrimSpace(strings.ToLower(header)))
	if m != nil && m[1] != strings.Repeat("0", 32) {
		return m[1]
	}
	return uuid.NewString()
}

// WithTraceID stores a trace id on the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID reads the trace id, minting one for contexts that never passed
// through a transport.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok && v != "" {
		return v
	}
	return uuid.NewString()
}
