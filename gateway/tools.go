// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"datatrust/platform/audit"
	"datatrust/platform/connectors/base"
	"datatrust/platform/policy"
	"datatrust/platform/trust"
)

// ToolNames lists the stable tool surface in presentation order.
var ToolNames = []string{
	"list_connectors", "get_schema", "read_records", "write_records",
	"validate_records", "compare_records", "detect_changes",
	"create_snapshot", "list_snapshots", "delete_snapshot",
	"query_audit_log", "reconcile_records",
}

// schemaCheckedTypes are connector types whose write path verifies record
// fields against the live schema before any write is attempted.
var schemaCheckedTypes = map[string]struct{}{
	"postgresql": {}, "mysql": {}, "odoo": {}, "hubspot": {},
}

// toolCall is one prepared invocation: the policy-relevant shape plus the
// handler to run once the call is admitted.
type toolCall struct {
	connectors []string
	summary    policy.RequestSummary
	run        func(ctx context.Context, masker *policy.Masker) (any, error)
}

func parseArgs(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return base.NewError(base.ErrValidation, "", "malformed tool arguments: "+err.Error(),
			"check the argument schema for this tool")
	}
	return nil
}

// prepare parses a request into a toolCall. Errors here are argument
// validation failures; no connector work has happened yet.
func (d *Dispatcher) prepare(req *Request) (*toolCall, error) {
	switch req.Tool {
	case "list_connectors":
		return d.prepareListConnectors(req.Arguments)
	case "get_schema":
		return d.prepareGetSchema(req.Arguments)
	case "read_records":
		return d.prepareReadRecords(req.Arguments)
	case "write_records":
		return d.prepareWriteRecords(req.Arguments)
	case "validate_records":
		return d.prepareValidateRecords(req.Arguments)
	case "compare_records":
		return d.prepareCompareRecords(req.Arguments)
	case "detect_changes":
		return d.prepareDetectChanges(req.Arguments)
	case "create_snapshot":
		return d.prepareCreateSnapshot(req.Arguments)
	case "list_snapshots":
		return d.prepareListSnapshots(req.Arguments)
	case "delete_snapshot":
		return d.prepareDeleteSnapshot(req.Arguments)
	case "query_audit_log":
		return d.prepareQueryAuditLog(req.Arguments)
	case "reconcile_records":
		return d.prepareReconcileRecords(req.Arguments)
	default:
		return nil, base.NewError(base.ErrValidation, "",
			fmt.Sprintf("unknown tool %q", req.Tool),
			"use list_connectors to discover the server, and the documented tool names")
	}
}

func (d *Dispatcher) prepareListConnectors(raw json.RawMessage) (*toolCall, error) {
	return &toolCall{
		run: func(ctx context.Context, _ *policy.Masker) (any, error) {
			return map[string]any{
				"connectors": d.registry.List(),
				"health":     d.registry.Health(),
			}, nil
		},
	}, nil
}

func (d *Dispatcher) prepareGetSchema(raw json.RawMessage) (*toolCall, error) {
	var args struct {
		ConnectorID  string `json:"connector_id"`
		ForceRefresh bool   `json:"force_refresh,omitempty"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.ConnectorID == "" {
		return nil, missingArg("connector_id")
	}
	return &toolCall{
		connectors: []string{args.ConnectorID},
		run: func(ctx context.Context, _ *policy.Masker) (any, error) {
			conn, err := d.registry.Get(args.ConnectorID)
			if err != nil {
				return nil, err
			}
			return conn.GetSchema(ctx, args.ForceRefresh)
		},
	}, nil
}

func (d *Dispatcher) prepareReadRecords(raw json.RawMessage) (*toolCall, error) {
	var args struct {
		ConnectorID string       `json:"connector_id"`
		Filter      *base.Filter `json:"filter,omitempty"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.ConnectorID == "" {
		return nil, missingArg("connector_id")
	}
	if err := args.Filter.Validate(); err != nil {
		return nil, err
	}
	return &toolCall{
		connectors: []string{args.ConnectorID},
		summary: policy.RequestSummary{
			SelectFields: selectFields(args.Filter),
			WhereFields:  whereFields(args.Filter),
		},
		run: func(ctx context.Context, masker *policy.Masker) (any, error) {
			conn, err := d.registry.Get(args.ConnectorID)
			if err != nil {
				return nil, err
			}
			res, err := conn.ReadRecords(ctx, args.Filter)
			if err != nil {
				return nil, err
			}
			res.Records = maskRecords(masker, res.Records)
			return res, nil
		},
	}, nil
}

func (d *Dispatcher) prepareWriteRecords(raw json.RawMessage) (*toolCall, error) {
	var args struct {
		ConnectorID string        `json:"connector_id"`
		Records     []base.Record `json:"records"`
		Mode        string        `json:"mode"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.ConnectorID == "" {
		return nil, missingArg("connector_id")
	}
	if len(args.Records) == 0 {
		return nil, missingArg("records")
	}
	mode, err := base.ParseWriteMode(args.Mode)
	if err != nil {
		return nil, err
	}
	for i, rec := range args.Records {
		if err := base.CheckRecord(rec); err != nil {
			return nil, base.NewError(base.ErrValidation, args.ConnectorID,
				fmt.Sprintf("record %d: %v", i, err),
				"remove object-model field names from the record")
		}
	}
	return &toolCall{
		connectors: []string{args.ConnectorID},
		summary: policy.RequestSummary{
			WriteMode:    string(mode),
			RecordFields: recordFields(args.Records),
			RecordCount:  len(args.Records),
		},
		run: func(ctx context.Context, _ *policy.Masker) (any, error) {
			return d.runWrite(ctx, args.ConnectorID, args.Records, mode)
		},
	}, nil
}

// runWrite is the guarded write path: schema precheck, validation, write,
// then a mandatory operation audit entry per written record.
func (d *Dispatcher) runWrite(ctx context.Context, connectorID string, records []base.Record, mode base.WriteMode) (any, error) {
	conn, err := d.registry.Get(connectorID)
	if err != nil {
		return nil, err
	}

	if _, checked := schemaCheckedTypes[conn.Type()]; checked {
		schema, err := conn.GetSchema(ctx, false)
		if err != nil {
			return nil, err
		}
		known := schema.FieldSet()
		for i, rec := range records {
			for field := range rec {
				if _, ok := known[field]; !ok {
					return nil, base.NewError(base.ErrValidation, connectorID,
						fmt.Sprintf("record %d references unknown field %q", i, field),
						"use get_schema to list the writable fields")
				}
			}
		}
	}

	validation, err := conn.ValidateRecords(ctx, records)
	if err != nil {
		return nil, err
	}
	if !validation.Valid {
		verr := base.NewError(base.ErrValidation, connectorID,
			fmt.Sprintf("%d record(s) failed validation; nothing was written", len(validation.Errors)),
			"fix the reported records and resend the batch")
		return nil, verr.WithContext("errors", validation.Errors)
	}

	result, err := conn.WriteRecords(ctx, records, mode)
	if err != nil {
		return nil, err
	}

	if err := d.auditWrite(conn, records, mode, IdentityFrom(ctx).Subject); err != nil {
		return nil, base.WrapError(base.ErrWriteFailed, connectorID,
			"the write succeeded but its audit entry could not be recorded",
			"check the audit log directory permissions and disk space", err)
	}
	return result, nil
}

// auditWrite appends one operation trail entry per record. A failed append
// fails the tool call: no modification without audit.
func (d *Dispatcher) auditWrite(conn interface {
	ID() string
	Type() string
	GetSchema(ctx context.Context, force bool) (*base.Schema, error)
}, records []base.Record, mode base.WriteMode, subject string) error {
	if d.trail == nil {
		return nil
	}
	op := audit.OpCreate
	if mode == base.WriteUpdate {
		op = audit.OpUpdate
	}
	for _, rec := range records {
		entryOp := op
		key, hasKey := recordKey(rec)
		if mode == base.WriteUpsert {
			// Upsert routing mirrors the connectors: a key means update.
			if hasKey {
				entryOp = audit.OpUpdate
			} else {
				entryOp = audit.OpCreate
			}
		}
		fields := make([]string, 0, len(rec))
		for f := range rec {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		entry := &audit.Entry{
			ConnectorID:   conn.ID(),
			Operation:     entryOp,
			RecordKey:     key,
			User:          subject,
			After:         rec,
			ChangedFields: fields,
			Metadata:      map[string]any{"tool": "write_records", "mode": string(mode)},
		}
		if err := d.trail.Append(entry); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) prepareValidateRecords(raw json.RawMessage) (*toolCall, error) {
	var args struct {
		ConnectorID string        `json:"connector_id"`
		Records     []base.Record `json:"records"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.ConnectorID == "" {
		return nil, missingArg("connector_id")
	}
	return &toolCall{
		connectors: []string{args.ConnectorID},
		summary: policy.RequestSummary{
			RecordFields: recordFields(args.Records),
			RecordCount:  len(args.Records),
		},
		run: func(ctx context.Context, _ *policy.Masker) (any, error) {
			conn, err := d.registry.Get(args.ConnectorID)
			if err != nil {
				return nil, err
			}
			return conn.ValidateRecords(ctx, args.Records)
		},
	}, nil
}

func (d *Dispatcher) prepareCompareRecords(raw json.RawMessage) (*toolCall, error) {
	var args struct {
		SourceID string               `json:"source_id"`
		TargetID string               `json:"target_id"`
		Options  trust.CompareOptions `json:"options"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.SourceID == "" {
		return nil, missingArg("source_id")
	}
	if args.TargetID == "" {
		return nil, missingArg("target_id")
	}
	return &toolCall{
		connectors: []string{args.SourceID, args.TargetID},
		summary: policy.RequestSummary{
			SelectFields: mappingFields(args.Options.Mappings),
		},
		run: func(ctx context.Context, masker *policy.Masker) (any, error) {
			source, err := d.registry.Get(args.SourceID)
			if err != nil {
				return nil, err
			}
			target, err := d.registry.Get(args.TargetID)
			if err != nil {
				return nil, err
			}
			report, err := d.monitor.Compare(ctx, source, target, args.Options)
			if err != nil {
				return nil, err
			}
			maskCompareReport(masker, report)
			return report, nil
		},
	}, nil
}

func (d *Dispatcher) prepareDetectChanges(raw json.RawMessage) (*toolCall, error) {
	var args struct {
		ConnectorID string              `json:"connector_id"`
		Options     trust.ChangeOptions `json:"options"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.ConnectorID == "" {
		return nil, missingArg("connector_id")
	}
	return &toolCall{
		connectors: []string{args.ConnectorID},
		run: func(ctx context.Context, masker *policy.Masker) (any, error) {
			conn, err := d.registry.Get(args.ConnectorID)
			if err != nil {
				return nil, err
			}
			report, err := d.detector.Detect(ctx, conn, args.Options)
			if err != nil {
				return nil, err
			}
			maskChangeReport(masker, report)
			return report, nil
		},
	}, nil
}

func (d *Dispatcher) prepareCreateSnapshot(raw json.RawMessage) (*toolCall, error) {
	var args struct {
		ConnectorID string       `json:"connector_id"`
		SnapshotID  string       `json:"snapshot_id"`
		Description string       `json:"description,omitempty"`
		Filter      *base.Filter `json:"filter,omitempty"`
		MaxRecords  *int         `json:"max_records,omitempty"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.ConnectorID == "" {
		return nil, missingArg("connector_id")
	}
	if args.SnapshotID == "" {
		return nil, missingArg("snapshot_id")
	}
	if err := args.Filter.Validate(); err != nil {
		return nil, err
	}
	if args.MaxRecords != nil && *args.MaxRecords < 0 {
		return nil, base.NewError(base.ErrValidation, "",
			"max_records must not be negative",
			"omit max_records to use the default bound")
	}
	return &toolCall{
		connectors: []string{args.ConnectorID},
		summary: policy.RequestSummary{
			SelectFields: selectFields(args.Filter),
			WhereFields:  whereFields(args.Filter),
		},
		run: func(ctx context.Context, _ *policy.Masker) (any, error) {
			conn, err := d.registry.Get(args.ConnectorID)
			if err != nil {
				return nil, err
			}
			// An explicit zero captures an empty baseline on purpose.
			maxRecords := trust.DefaultMaxRecords
			if args.MaxRecords != nil {
				maxRecords = *args.MaxRecords
				if maxRecords > trust.AbsoluteMaxRecords {
					maxRecords = trust.AbsoluteMaxRecords
				}
			}
			records, err := trust.LoadRecords(ctx, conn, args.Filter, maxRecords)
			if err != nil {
				return nil, err
			}
			return d.snapshots.Create(args.SnapshotID, args.ConnectorID, args.Description, records)
		},
	}, nil
}

func (d *Dispatcher) prepareListSnapshots(raw json.RawMessage) (*toolCall, error) {
	var args struct {
		ConnectorID string `json:"connector_id,omitempty"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	var connectors []string
	if args.ConnectorID != "" {
		connectors = []string{args.ConnectorID}
	}
	return &toolCall{
		connectors: connectors,
		run: func(ctx context.Context, _ *policy.Masker) (any, error) {
			metas, err := d.snapshots.List(args.ConnectorID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"snapshots": metas}, nil
		},
	}, nil
}

func (d *Dispatcher) prepareDeleteSnapshot(raw json.RawMessage) (*toolCall, error) {
	var args struct {
		SnapshotID string `json:"snapshot_id"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.SnapshotID == "" {
		return nil, missingArg("snapshot_id")
	}
	return &toolCall{
		run: func(ctx context.Context, _ *policy.Masker) (any, error) {
			if err := d.snapshots.Delete(args.SnapshotID); err != nil {
				return nil, err
			}
			return map[string]any{"deleted": args.SnapshotID}, nil
		},
	}, nil
}

func (d *Dispatcher) prepareQueryAuditLog(raw json.RawMessage) (*toolCall, error) {
	var args struct {
		ConnectorID string   `json:"connector_id"`
		Operations  []string `json:"operations,omitempty"`
		RecordKey   string   `json:"record_key,omitempty"`
		User        string   `json:"user,omitempty"`
		From        string   `json:"from,omitempty"`
		To          string   `json:"to,omitempty"`
		Limit       int      `json:"limit,omitempty"`
		Offset      int      `json:"offset,omitempty"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.ConnectorID == "" {
		return nil, missingArg("connector_id")
	}
	filter := audit.Filter{
		ConnectorID: args.ConnectorID,
		RecordKey:   args.RecordKey,
		User:        args.User,
		Limit:       args.Limit,
		Offset:      args.Offset,
	}
	for _, op := range args.Operations {
		switch audit.Operation(op) {
		case audit.OpCreate, audit.OpUpdate, audit.OpDelete:
			filter.Operations = append(filter.Operations, audit.Operation(op))
		default:
			return nil, base.NewError(base.ErrValidation, "",
				fmt.Sprintf("unknown audit operation %q", op),
				"use create, update, or delete")
		}
	}
	var err error
	if filter.From, err = parseTimeArg("from", args.From); err != nil {
		return nil, err
	}
	if filter.To, err = parseTimeArg("to", args.To); err != nil {
		return nil, err
	}
	return &toolCall{
		connectors: []string{args.ConnectorID},
		run: func(ctx context.Context, masker *policy.Masker) (any, error) {
			res, err := d.trail.Query(filter)
			if err != nil {
				return nil, trust.WrapError(trust.ErrAuditQuery, "audit query failed", err)
			}
			maskAuditEntries(masker, res.Entries)
			return res, nil
		},
	}, nil
}

func (d *Dispatcher) prepareReconcileRecords(raw json.RawMessage) (*toolCall, error) {
	var args struct {
		SourceID string                 `json:"source_id"`
		TargetID string                 `json:"target_id"`
		Options  trust.ReconcileOptions `json:"options"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.SourceID == "" {
		return nil, missingArg("source_id")
	}
	if args.TargetID == "" {
		return nil, missingArg("target_id")
	}
	return &toolCall{
		connectors: []string{args.SourceID, args.TargetID},
		run: func(ctx context.Context, masker *policy.Masker) (any, error) {
			source, err := d.registry.Get(args.SourceID)
			if err != nil {
				return nil, err
			}
			target, err := d.registry.Get(args.TargetID)
			if err != nil {
				return nil, err
			}
			report, err := d.reconciler.Reconcile(ctx, source, target, args.Options)
			if err != nil {
				return nil, err
			}
			maskReconcileReport(masker, report)
			return report, nil
		},
	}, nil
}
