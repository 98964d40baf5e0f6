// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"context"

	"datatrust/platform/connectors/base"
)

// memConnector serves an in-memory record slice with offset paging and just
// enough filter support for the detector tests.
type memConnector struct {
	id      string
	state   base.ConnectionState
	records []base.Record
}

func newMemConnector(id string, records []base.Record) *memConnector {
	return &memConnector{id: id, state: base.StateConnected, records: records}
}

func intp(n int) *int { return &n }

func floatp(f float64) *float64 { return &f }

func (m *memConnector) Connect(ctx context.Context) error        { return nil }
func (m *memConnector) Disconnect(ctx context.Context) error     { return nil }
func (m *memConnector) TestConnection(ctx context.Context) error { return nil }

func (m *memConnector) GetSchema(ctx context.Context, force bool) (*base.Schema, error) {
	return &base.Schema{Name: m.id}, nil
}

func (m *memConnector) ReadRecords(ctx context.Context, f *base.Filter) (*base.ReadResult, error) {
	matched := make([]base.Record, 0, len(m.records))
	for _, rec := range m.records {
		if matchesFilter(rec, f) {
			matched = append(matched, rec)
		}
	}
	offset, limit := 0, len(matched)
	if f != nil {
		offset = f.Offset
		if f.Limit > 0 {
			limit = f.Limit
		}
	}
	if offset > len(matched) {
		offset = len(matched)
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	total := len(matched)
	return &base.ReadResult{
		Records:    matched[offset:end],
		TotalCount: &total,
		HasMore:    end < len(matched),
	}, nil
}

func matchesFilter(rec base.Record, f *base.Filter) bool {
	if f == nil {
		return true
	}
	for _, cond := range f.Where {
		v, ok := rec[cond.Field]
		if !ok {
			return false
		}
		switch cond.Op {
		case base.OpEq:
			if !compareExact(v, cond.Value) {
				return false
			}
		case base.OpGt:
			fv, ok1 := toFloat(v)
			fc, ok2 := toFloat(cond.Value)
			if !ok1 || !ok2 || fv <= fc {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (m *memConnector) WriteRecords(ctx context.Context, records []base.Record, mode base.WriteMode) (*base.WriteResult, error) {
	return &base.WriteResult{Success: len(records)}, nil
}

func (m *memConnector) ValidateRecords(ctx context.Context, records []base.Record) (*base.ValidationResult, error) {
	return &base.ValidationResult{Valid: true}, nil
}

func (m *memConnector) ID() string                  { return m.id }
func (m *memConnector) Name() string                { return m.id }
func (m *memConnector) Type() string                { return "memory" }
func (m *memConnector) ReadOnly() bool              { return false }
func (m *memConnector) State() base.ConnectionState { return m.state }
