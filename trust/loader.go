// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

// Package trust builds verification primitives on top of the connector
// contract: consistency comparison between two sources, snapshot-based
// change detection, and rule-based record reconciliation.
package trust

import (
	"context"
	"encoding/json"
	"fmt"

	"datatrust/platform/connectors/base"
)

const (
	// DefaultMaxRecords bounds how many records a primitive loads per side
	// when the request does not set its own bound.
	DefaultMaxRecords = 100_000
	// AbsoluteMaxRecords is the hard ceiling no request can exceed.
	AbsoluteMaxRecords = 1_000_000

	loadPageSize = 1000
)

// clampMaxRecords resolves the record bound. An absent bound takes the
// default; an explicit zero loads nothing; anything above the ceiling is
// capped.
func clampMaxRecords(n *int) (int, error) {
	if n == nil {
		return DefaultMaxRecords, nil
	}
	if *n < 0 {
		return 0, NewError(ErrInvalidOptions, "maxRecords must not be negative")
	}
	if *n > AbsoluteMaxRecords {
		return AbsoluteMaxRecords, nil
	}
	return *n, nil
}

// requireConnected guards a primitive against a disconnected connector.
func requireConnected(c base.Connector, kind Kind) error {
	if c.State() != base.StateConnected {
		return NewError(kind, fmt.Sprintf("connector %q is not connected", c.ID())).
			WithContext("state", string(c.State()))
	}
	return nil
}

// LoadRecords pages through a connector until maxRecords or exhaustion.
// Cursor pagination is preferred; sources that never return a cursor are
// paged by offset.
func LoadRecords(ctx context.Context, c base.Connector, f *base.Filter, maxRecords int) ([]base.Record, error) {
	out := make([]base.Record, 0, loadPageSize)
	var page base.Filter
	if f != nil {
		page = *f
	}
	page.Limit = loadPageSize
	page.Cursor = ""

	for len(out) < maxRecords {
		if remaining := maxRecords - len(out); remaining < page.Limit {
			page.Limit = remaining
		}
		res, err := c.ReadRecords(ctx, &page)
		if err != nil {
			return nil, err
		}
		out = append(out, res.Records...)
		if !res.HasMore || len(res.Records) == 0 {
			break
		}
		if res.NextCursor != "" {
			page.Cursor = res.NextCursor
			page.Offset = 0
		} else {
			page.Offset += len(res.Records)
		}
	}
	if len(out) > maxRecords {
		out = out[:maxRecords]
	}
	return out, nil
}

// encodeKey derives a lookup key from one or more key fields. Single keys
// are stringified directly; composite keys are JSON-encoded for unambiguous
// joining. The boolean reports whether every key field was present.
func encodeKey(rec base.Record, fields []string) (string, bool) {
	if len(fields) == 1 {
		v, ok := rec[fields[0]]
		if !ok || v == nil {
			return "", false
		}
		return stringify(v), true
	}
	parts := make([]any, len(fields))
	for i, f := range fields {
		v, ok := rec[f]
		if !ok || v == nil {
			return "", false
		}
		parts[i] = v
	}
	raw, err := json.Marshal(parts)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// stringify renders a scalar for key building and display.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		// Integral floats print without the trailing ".0" JSON never had.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
