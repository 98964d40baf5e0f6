// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"errors"
	"fmt"
)

// Kind tags every trust primitive failure with a stable code.
type Kind string

const (
	ErrSourceNotConnected    Kind = "SOURCE_NOT_CONNECTED"
	ErrTargetNotConnected    Kind = "TARGET_NOT_CONNECTED"
	ErrConnectorNotConnected Kind = "CONNECTOR_NOT_CONNECTED"
	ErrConnectorMismatch     Kind = "CONNECTOR_MISMATCH"
	ErrMapping               Kind = "MAPPING_ERROR"
	ErrKeyFieldMissing       Kind = "KEY_FIELD_MISSING"
	ErrComparisonFailed      Kind = "COMPARISON_FAILED"
	ErrBatchProcessing       Kind = "BATCH_PROCESSING_ERROR"
	ErrInvalidOptions        Kind = "INVALID_OPTIONS"
	ErrSnapshot              Kind = "SNAPSHOT_ERROR"
	ErrSnapshotExists        Kind = "SNAPSHOT_EXISTS"
	ErrSnapshotNotFound      Kind = "SNAPSHOT_NOT_FOUND"
	ErrAuditLog              Kind = "AUDIT_LOG_ERROR"
	ErrAuditQuery            Kind = "AUDIT_QUERY_ERROR"
	ErrReconciliation        Kind = "RECONCILIATION_ERROR"
	ErrInvalidRule           Kind = "INVALID_RULE"
)

// TrustError is the error type every trust primitive returns.
type TrustError struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
	Cause   error          `json:"-"`
}

func (e *TrustError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TrustError) Unwrap() error { return e.Cause }

// NewError builds a TrustError without a cause.
func NewError(kind Kind, message string) *TrustError {
	return &TrustError{Kind: kind, Message: message}
}

// WrapError attaches a cause.
func WrapError(kind Kind, message string, cause error) *TrustError {
	return &TrustError{Kind: kind, Message: message, Cause: cause}
}

// WithContext adds one context value and returns the error for chaining.
func (e *TrustError) WithContext(key string, value any) *TrustError {
	if e.Context == nil {
		e.Context = make(map[string]any, 4)
	}
	e.Context[key] = value
	return e
}

// KindOf extracts the kind from any error, "" when no TrustError is in the
// chain.
func KindOf(err error) Kind {
	var te *TrustError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
