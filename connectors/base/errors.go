// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package base

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable tag carried by every connector error.
type ErrorKind string

const (
	ErrConnectionFailed     ErrorKind = "CONNECTION_FAILED"
	ErrAuthenticationFailed ErrorKind = "AUTHENTICATION_FAILED"
	ErrNotFound             ErrorKind = "NOT_FOUND"
	ErrValidation           ErrorKind = "VALIDATION_ERROR"
	ErrPermissionDenied     ErrorKind = "PERMISSION_DENIED"
	ErrRateLimited          ErrorKind = "RATE_LIMITED"
	ErrTimeout              ErrorKind = "TIMEOUT"
	ErrSchemaMismatch       ErrorKind = "SCHEMA_MISMATCH"
	ErrWriteFailed          ErrorKind = "WRITE_FAILED"
	ErrReadFailed           ErrorKind = "READ_FAILED"
	ErrUnsupportedOperation ErrorKind = "UNSUPPORTED_OPERATION"
	ErrConfiguration        ErrorKind = "CONFIGURATION_ERROR"
	ErrUnknown              ErrorKind = "UNKNOWN"
)

// ConnectorError is the typed error surfaced by every adapter operation.
// Suggestion tells the caller what to do about it; Context carries
// machine-readable detail (breaker snapshots, timeout ms, field names).
type ConnectorError struct {
	Kind        ErrorKind      `json:"kind"`
	ConnectorID string         `json:"connector_id,omitempty"`
	Message     string         `json:"message"`
	Suggestion  string         `json:"suggestion,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Cause       error          `json:"-"`
}

func (e *ConnectorError) Error() string {
	id := e.ConnectorID
	if id == "" {
		id = "connector"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s [%s]: %s (cause: %v)", id, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s [%s]: %s", id, e.Kind, e.Message)
}

func (e *ConnectorError) Unwrap() error {
	return e.Cause
}

// NewError creates a ConnectorError with no cause.
func NewError(kind ErrorKind, connectorID, message, suggestion string) *ConnectorError {
	return &ConnectorError{
		Kind:        kind,
		ConnectorID: connectorID,
		Message:     message,
		Suggestion:  suggestion,
	}
}

// WrapError attaches a cause. A nil cause behaves like NewError.
func WrapError(kind ErrorKind, connectorID, message, suggestion string, cause error) *ConnectorError {
	return &ConnectorError{
		Kind:        kind,
		ConnectorID: connectorID,
		Message:     message,
		Suggestion:  suggestion,
		Cause:       cause,
	}
}

// WithContext adds a machine-readable detail and returns e for chaining.
func (e *ConnectorError) WithContext(key string, value any) *ConnectorError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// KindOf extracts the error kind, or UNKNOWN for foreign errors.
func KindOf(err error) ErrorKind {
	var ce *ConnectorError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrUnknown
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind ErrorKind) bool {
	var ce *ConnectorError
	return errors.As(err, &ce) && ce.Kind == kind
}

// AsConnectorError unwraps err to a *ConnectorError, converting foreign
// errors to UNKNOWN so callers always have a kind to report.
func AsConnectorError(err error, connectorID string) *ConnectorError {
	if err == nil {
		return nil
	}
	var ce *ConnectorError
	if errors.As(err, &ce) {
		return ce
	}
	return WrapError(ErrUnknown, connectorID, err.Error(), "", err)
}
