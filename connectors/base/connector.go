// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package base

import (
	"context"
)

// Connector is the uniform contract every data source adapter implements.
// Adapters are constructed with their full configuration; Connect only
// establishes the session described by it.
type Connector interface {
	// Lifecycle
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	TestConnection(ctx context.Context) error

	// Data operations
	GetSchema(ctx context.Context, forceRefresh bool) (*Schema, error)
	ReadRecords(ctx context.Context, filter *Filter) (*ReadResult, error)
	WriteRecords(ctx context.Context, records []Record, mode WriteMode) (*WriteResult, error)
	ValidateRecords(ctx context.Context, records []Record) (*ValidationResult, error)

	// Metadata
	ID() string
	Name() string
	Type() string
	ReadOnly() bool
	State() ConnectionState
}

// ConnectionState tracks an adapter's lifecycle.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
)

// WriteMode selects how WriteRecords applies incoming records.
type WriteMode string

const (
	WriteInsert WriteMode = "insert"
	WriteUpdate WriteMode = "update"
	WriteUpsert WriteMode = "upsert"
)

// ParseWriteMode validates a wire-level mode string. Empty defaults to insert.
func ParseWriteMode(s string) (WriteMode, error) {
	switch WriteMode(s) {
	case "":
		return WriteInsert, nil
	case WriteInsert, WriteUpdate, WriteUpsert:
		return WriteMode(s), nil
	}
	return "", NewError(ErrValidation, "", "unknown write mode: "+s,
		"use one of insert, update, upsert")
}

// ReadResult is the page returned by ReadRecords.
type ReadResult struct {
	Records    []Record `json:"records"`
	TotalCount *int     `json:"total_count,omitempty"` // nil when the source cannot count cheaply
	HasMore    bool     `json:"has_more"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// WriteError describes a single failed record within a write batch.
type WriteError struct {
	Index   int    `json:"index"`
	Message string `json:"message"`
}

// WriteResult reports per-batch write outcomes. Partial failure is not an
// error at the Connector level; callers inspect Failed and Errors.
type WriteResult struct {
	Success int          `json:"success"`
	Failed  int          `json:"failed"`
	Errors  []WriteError `json:"errors,omitempty"`
	IDs     []any        `json:"ids,omitempty"` // created/updated keys when the source reports them
}

// RecordError locates a validation failure inside a batch.
type RecordError struct {
	Index   int    `json:"index"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// ValidationResult is the outcome of ValidateRecords.
type ValidationResult struct {
	Valid  bool          `json:"valid"`
	Errors []RecordError `json:"errors,omitempty"`
}

// Info is the registry-facing summary of a connector.
type Info struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Type     string          `json:"type"`
	ReadOnly bool            `json:"read_only"`
	State    ConnectionState `json:"state"`
}
