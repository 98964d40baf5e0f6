// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"datatrust/platform/connectors/base"
	"datatrust/platform/snapshot"
)

// ChangeMode selects how changes are detected.
type ChangeMode string

const (
	// ModeTimestamp filters on a modification timestamp column. It cannot
	// tell added from modified, so everything reports as modified.
	ModeTimestamp ChangeMode = "timestamp"
	// ModeSnapshot diffs current records against a stored baseline.
	ModeSnapshot ChangeMode = "snapshot"
)

// ChangeType classifies one detected change.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeDeleted  ChangeType = "deleted"
	ChangeModified ChangeType = "modified"
)

// ChangeOptions drives one detection run.
type ChangeOptions struct {
	Mode           ChangeMode   `json:"mode"`
	KeyField       string       `json:"key_field"`
	TimestampField string       `json:"timestamp_field,omitempty"`
	Since          any          `json:"since,omitempty"`
	SnapshotID     string       `json:"snapshot_id,omitempty"`
	TrackFields    []string     `json:"track_fields,omitempty"`
	MaxRecords     *int         `json:"max_records,omitempty"`
	Filter         *base.Filter `json:"filter,omitempty"`
}

// Change is one detected difference.
type Change struct {
	Type          ChangeType  `json:"type"`
	Key           string      `json:"key"`
	Record        base.Record `json:"record,omitempty"`
	Previous      base.Record `json:"previous,omitempty"`
	ChangedFields []string    `json:"changed_fields,omitempty"`
}

// ChangeReport is the detection result.
type ChangeReport struct {
	ConnectorID string     `json:"connector_id"`
	Mode        ChangeMode `json:"mode"`
	SnapshotID  string     `json:"snapshot_id,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	DurationMS  int64      `json:"duration_ms"`
	Added       int        `json:"added"`
	Deleted     int        `json:"deleted"`
	Modified    int        `json:"modified"`
	Total       int        `json:"total"`
	Changes     []Change   `json:"changes"`
}

// Detector finds changes in a connector's records.
type Detector struct {
	snapshots *snapshot.Store
}

// NewDetector builds a detector over a snapshot store. The store may be nil
// when only timestamp mode is used.
func NewDetector(snapshots *snapshot.Store) *Detector {
	return &Detector{snapshots: snapshots}
}

// Detect runs one detection pass.
func (d *Detector) Detect(ctx context.Context, conn base.Connector, opts ChangeOptions) (*ChangeReport, error) {
	if err := requireConnected(conn, ErrConnectorNotConnected); err != nil {
		return nil, err
	}
	if opts.KeyField == "" {
		return nil, NewError(ErrInvalidOptions, "keyField is required")
	}
	maxRecords, err := clampMaxRecords(opts.MaxRecords)
	if err != nil {
		return nil, err
	}

	switch opts.Mode {
	case ModeTimestamp:
		return d.detectByTimestamp(ctx, conn, opts, maxRecords)
	case ModeSnapshot:
		return d.detectBySnapshot(ctx, conn, opts, maxRecords)
	default:
		return nil, NewError(ErrInvalidOptions,
			fmt.Sprintf("unknown change detection mode %q", opts.Mode))
	}
}

func (d *Detector) detectByTimestamp(ctx context.Context, conn base.Connector, opts ChangeOptions, maxRecords int) (*ChangeReport, error) {
	if opts.TimestampField == "" {
		return nil, NewError(ErrInvalidOptions, "timestamp mode requires timestampField")
	}
	if opts.Since == nil {
		return nil, NewError(ErrInvalidOptions, "timestamp mode requires since")
	}
	if _, ok := parseTime(opts.Since); !ok {
		return nil, NewError(ErrInvalidOptions,
			fmt.Sprintf("cannot parse since value %q as a timestamp", stringify(opts.Since)))
	}

	started := time.Now()
	var f base.Filter
	if opts.Filter != nil {
		f = *opts.Filter
	}
	f.Where = append(f.Where, base.Condition{
		Field: opts.TimestampField, Op: base.OpGt, Value: opts.Since,
	})

	records, err := LoadRecords(ctx, conn, &f, maxRecords)
	if err != nil {
		return nil, WrapError(ErrBatchProcessing, "loading changed records failed", err).
			WithContext("connector_id", conn.ID())
	}

	report := &ChangeReport{
		ConnectorID: conn.ID(),
		Mode:        ModeTimestamp,
		StartedAt:   started.UTC(),
	}
	for _, rec := range records {
		key, _ := encodeKey(rec, []string{opts.KeyField})
		report.Changes = append(report.Changes, Change{
			Type: ChangeModified, Key: key, Record: rec,
		})
	}
	report.Modified = len(report.Changes)
	report.Total = len(report.Changes)
	report.DurationMS = time.Since(started).Milliseconds()
	return report, nil
}

func (d *Detector) detectBySnapshot(ctx context.Context, conn base.Connector, opts ChangeOptions, maxRecords int) (*ChangeReport, error) {
	if opts.SnapshotID == "" {
		return nil, NewError(ErrInvalidOptions, "snapshot mode requires snapshotId")
	}
	if d.snapshots == nil {
		return nil, NewError(ErrSnapshot, "no snapshot store is configured")
	}

	snap, err := d.snapshots.Get(opts.SnapshotID)
	if err != nil {
		if errors.Is(err, snapshot.ErrNotFound) {
			return nil, WrapError(ErrSnapshotNotFound,
				fmt.Sprintf("snapshot %q does not exist", opts.SnapshotID), err)
		}
		return nil, WrapError(ErrSnapshot, "loading snapshot failed", err)
	}
	if snap.Meta.ConnectorID != conn.ID() {
		return nil, NewError(ErrConnectorMismatch,
			fmt.Sprintf("snapshot %q belongs to connector %q, not %q",
				opts.SnapshotID, snap.Meta.ConnectorID, conn.ID()))
	}

	started := time.Now()
	current, err := LoadRecords(ctx, conn, opts.Filter, maxRecords)
	if err != nil {
		return nil, WrapError(ErrBatchProcessing, "loading current records failed", err).
			WithContext("connector_id", conn.ID())
	}

	key := []string{opts.KeyField}
	currentByKey := make(map[string]base.Record, len(current))
	currentOrder := make([]string, 0, len(current))
	for i, rec := range current {
		k, ok := encodeKey(rec, key)
		if !ok {
			return nil, NewError(ErrKeyFieldMissing,
				fmt.Sprintf("current record %d is missing key field %q", i, opts.KeyField))
		}
		if _, dup := currentByKey[k]; !dup {
			currentByKey[k] = rec
			currentOrder = append(currentOrder, k)
		}
	}
	baselineByKey := make(map[string]base.Record, len(snap.Records))
	baselineOrder := make([]string, 0, len(snap.Records))
	for i, rec := range snap.Records {
		k, ok := encodeKey(rec, key)
		if !ok {
			return nil, NewError(ErrKeyFieldMissing,
				fmt.Sprintf("snapshot record %d is missing key field %q", i, opts.KeyField))
		}
		if _, dup := baselineByKey[k]; !dup {
			baselineByKey[k] = rec
			baselineOrder = append(baselineOrder, k)
		}
	}

	report := &ChangeReport{
		ConnectorID: conn.ID(),
		Mode:        ModeSnapshot,
		SnapshotID:  opts.SnapshotID,
		StartedAt:   started.UTC(),
	}

	for _, k := range currentOrder {
		rec := currentByKey[k]
		prev, existed := baselineByKey[k]
		if !existed {
			report.Added++
			report.Changes = append(report.Changes, Change{Type: ChangeAdded, Key: k, Record: rec})
			continue
		}
		changed := changedFields(prev, rec, opts.TrackFields)
		if len(changed) > 0 {
			report.Modified++
			report.Changes = append(report.Changes, Change{
				Type: ChangeModified, Key: k, Record: rec, Previous: prev, ChangedFields: changed,
			})
		}
	}
	for _, k := range baselineOrder {
		if _, stillThere := currentByKey[k]; !stillThere {
			report.Deleted++
			report.Changes = append(report.Changes, Change{
				Type: ChangeDeleted, Key: k, Previous: baselineByKey[k],
			})
		}
	}

	report.Total = report.Added + report.Deleted + report.Modified
	report.DurationMS = time.Since(started).Milliseconds()
	return report, nil
}

// changedFields lists the fields whose values differ between two versions of
// a record. With trackFields set, only those fields are examined.
func changedFields(prev, cur base.Record, trackFields []string) []string {
	var fields []string
	if len(trackFields) > 0 {
		fields = trackFields
	} else {
		seen := make(map[string]struct{}, len(prev)+len(cur))
		for f := range prev {
			seen[f] = struct{}{}
			fields = append(fields, f)
		}
		for f := range cur {
			if _, ok := seen[f]; !ok {
				fields = append(fields, f)
			}
		}
		sort.Strings(fields)
	}

	var changed []string
	for _, f := range fields {
		if !valuesEqual(prev[f], cur[f]) {
			changed = append(changed, f)
		}
	}
	return changed
}

// valuesEqual compares field values the way JSON round-trips see them:
// strict equality for primitives with numeric widening, dates by epoch
// milliseconds, nil and absent conflated, and deep JSON equality for
// objects and arrays.
func valuesEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if ta, oka := a.(time.Time); oka {
		if tb, okb := b.(time.Time); okb {
			return ta.UnixMilli() == tb.UnixMilli()
		}
		return false
	}
	switch a.(type) {
	case map[string]any, []any, []map[string]any:
		return deepEqualJSON(a, b)
	}
	return compareExact(a, b)
}
