// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package base

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// In-memory filter evaluation. File-backed adapters and any connector
// without native query pushdown delegate here.

// MatchConditions reports whether a record satisfies every condition.
func MatchConditions(r Record, conds []Condition) bool {
	for _, c := range conds {
		if !matchCondition(r, c) {
			return false
		}
	}
	return true
}

func matchCondition(r Record, c Condition) bool {
	v, present := r[c.Field]
	switch c.Op {
	case OpEq:
		return present && compareEqual(v, c.Value)
	case OpNe:
		return !present || !compareEqual(v, c.Value)
	case OpGt, OpLt, OpGte, OpLte:
		if !present {
			return false
		}
		cmp, ok := compareOrder(v, c.Value)
		if !ok {
			return false
		}
		switch c.Op {
		case OpGt:
			return cmp > 0
		case OpLt:
			return cmp < 0
		case OpGte:
			return cmp >= 0
		default:
			return cmp <= 0
		}
	case OpContains:
		if !present {
			return false
		}
		return strings.Contains(
			strings.ToLower(stringify(v)),
			strings.ToLower(stringify(c.Value)),
		)
	case OpIn:
		if !present {
			return false
		}
		candidates, ok := c.Value.([]any)
		if !ok {
			return false
		}
		for _, cand := range candidates {
			if compareEqual(v, cand) {
				return true
			}
		}
		return false
	}
	return false
}

func compareEqual(a, b any) bool {
	if an, aok := toFloat(a); aok {
		if bn, bok := toFloat(b); bok {
			return an == bn
		}
	}
	if at, aok := toTime(a); aok {
		if bt, bok := toTime(b); bok {
			return at.Equal(bt)
		}
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return stringify(a) == stringify(b)
}

// compareOrder returns -1/0/+1 and whether the pair is orderable.
func compareOrder(a, b any) (int, bool) {
	if an, aok := toFloat(a); aok {
		if bn, bok := toFloat(b); bok {
			switch {
			case an < bn:
				return -1, true
			case an > bn:
				return 1, true
			}
			return 0, true
		}
	}
	if at, aok := toTime(a); aok {
		if bt, bok := toTime(b); bok {
			switch {
			case at.Before(bt):
				return -1, true
			case at.After(bt):
				return 1, true
			}
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := ParseTime(t)
		return parsed, err == nil
	}
	return time.Time{}, false
}

func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// SortRecords orders records in place by the given directives.
func SortRecords(records []Record, orderBy []OrderBy) {
	if len(orderBy) == 0 {
		return
	}
	sort.SliceStable(records, func(i, j int) bool {
		for _, ob := range orderBy {
			cmp, ok := compareOrder(records[i][ob.Field], records[j][ob.Field])
			if !ok {
				cmp = strings.Compare(stringify(records[i][ob.Field]), stringify(records[j][ob.Field]))
			}
			if cmp == 0 {
				continue
			}
			if ob.Direction == "desc" {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

// ProjectRecords applies a select list, keeping only the named fields.
func ProjectRecords(records []Record, fields []string) []Record {
	if len(fields) == 0 {
		return records
	}
	out := make([]Record, len(records))
	for i, rec := range records {
		proj := make(Record, len(fields))
		for _, f := range fields {
			if v, ok := rec[f]; ok {
				proj[f] = v
			}
		}
		out[i] = proj
	}
	return out
}

// ApplyFilter runs the full in-memory pipeline: where → order → project →
// paginate. Cursor pagination encodes the absolute offset as a decimal.
func ApplyFilter(records []Record, f *Filter) (*ReadResult, error) {
	if f == nil {
		f = &Filter{}
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}

	matched := make([]Record, 0, len(records))
	for _, rec := range records {
		if MatchConditions(rec, f.Where) {
			matched = append(matched, rec)
		}
	}
	SortRecords(matched, f.OrderBy)

	total := len(matched)
	offset := f.Offset
	if f.Cursor != "" {
		parsed, err := strconv.Atoi(f.Cursor)
		if err != nil || parsed < 0 {
			return nil, NewError(ErrValidation, "", "malformed cursor: "+f.Cursor,
				"pass the next_cursor value from the previous page unmodified")
		}
		offset = parsed
	}
	if offset > total {
		offset = total
	}
	end := total
	if f.Limit > 0 && offset+f.Limit < end {
		end = offset + f.Limit
	}

	page := ProjectRecords(matched[offset:end], f.Select)
	result := &ReadResult{
		Records:    page,
		TotalCount: &total,
		HasMore:    end < total,
	}
	if result.HasMore {
		result.NextCursor = strconv.Itoa(end)
	}
	return result, nil
}
