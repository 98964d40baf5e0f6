// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Transform is a named value normalization applied before comparison.
type Transform string

const (
	TransformLowercase           Transform = "lowercase"
	TransformUppercase           Transform = "uppercase"
	TransformTrim                Transform = "trim"
	TransformNormalizeWhitespace Transform = "normalizeWhitespace"
	TransformParseDate           Transform = "parseDate"
	TransformParseNumber         Transform = "parseNumber"
	TransformToString            Transform = "toString"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// ApplyTransform normalizes one value. Unknown transforms are rejected so a
// typo in a mapping fails loudly instead of comparing raw values.
func ApplyTransform(t Transform, v any) (any, error) {
	if t == "" || v == nil {
		return v, nil
	}
	switch t {
	case TransformLowercase:
		return strings.ToLower(stringify(v)), nil
	case TransformUppercase:
		return strings.ToUpper(stringify(v)), nil
	case TransformTrim:
		return strings.TrimSpace(stringify(v)), nil
	case TransformNormalizeWhitespace:
		return whitespaceRun.ReplaceAllString(strings.TrimSpace(stringify(v)), " "), nil
	case TransformParseDate:
		ts, ok := parseTime(v)
		if !ok {
			return nil, NewError(ErrMapping, fmt.Sprintf("cannot parse %q as a date", stringify(v)))
		}
		return ts, nil
	case TransformParseNumber:
		n, ok := parseLocaleNumber(v)
		if !ok {
			return nil, NewError(ErrMapping, fmt.Sprintf("cannot parse %q as a number", stringify(v)))
		}
		return n, nil
	case TransformToString:
		return stringify(v), nil
	default:
		return nil, NewError(ErrMapping, fmt.Sprintf("unknown transform %q", t))
	}
}

// Comparator decides whether two transformed values agree.
type Comparator func(a, b any) bool

// numericToleranceEpsilon is the built-in numericTolerance comparator bound.
const numericToleranceEpsilon = 0.001

// ComparatorRegistry holds built-in and user-registered comparators.
type ComparatorRegistry struct {
	mu     sync.RWMutex
	byName map[string]Comparator
}

// NewComparatorRegistry seeds the built-in comparators.
func NewComparatorRegistry() *ComparatorRegistry {
	r := &ComparatorRegistry{byName: make(map[string]Comparator)}
	r.byName["exact"] = compareExact
	r.byName["caseInsensitive"] = func(a, b any) bool {
		return strings.EqualFold(stringify(a), stringify(b))
	}
	r.byName["numericTolerance"] = func(a, b any) bool {
		fa, oka := toFloat(a)
		fb, okb := toFloat(b)
		return oka && okb && math.Abs(fa-fb) < numericToleranceEpsilon
	}
	r.byName["dateOnly"] = func(a, b any) bool {
		ta, oka := parseTime(a)
		tb, okb := parseTime(b)
		return oka && okb && ta.UTC().Format("2006-01-02") == tb.UTC().Format("2006-01-02")
	}
	r.byName["trimmedString"] = func(a, b any) bool {
		return strings.TrimSpace(stringify(a)) == strings.TrimSpace(stringify(b))
	}
	return r
}

// Register adds or replaces a named comparator.
func (r *ComparatorRegistry) Register(name string, c Comparator) error {
	if strings.TrimSpace(name) == "" {
		return NewError(ErrInvalidOptions, "comparator name is required")
	}
	if c == nil {
		return NewError(ErrInvalidOptions, "comparator function is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[name] = c
	return nil
}

// Get resolves a comparator by name; "" resolves to exact.
func (r *ComparatorRegistry) Get(name string) (Comparator, error) {
	if name == "" {
		name = "exact"
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[name]
	if !ok {
		return nil, NewError(ErrInvalidOptions, fmt.Sprintf("unknown comparator %q", name))
	}
	return c, nil
}

// compareExact is strict scalar equality with numeric cross-type agreement
// so 3 and 3.0 from different drivers compare equal. Maps and slices from
// decoded JSON would panic under interface equality, so they compare by
// their canonical encoding instead.
func compareExact(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if fa, oka := numericValue(a); oka {
		if fb, okb := numericValue(b); okb {
			return fa == fb
		}
		return false
	}
	if ta, oka := a.(time.Time); oka {
		if tb, okb := b.(time.Time); okb {
			return ta.Equal(tb)
		}
		return false
	}
	if !reflect.TypeOf(a).Comparable() || !reflect.TypeOf(b).Comparable() {
		return deepEqualJSON(a, b)
	}
	return a == b
}

// deepEqualJSON compares values by their JSON encoding. Map keys marshal in
// sorted order, so equal objects encode identically. Values that fail to
// marshal never compare equal.
func deepEqualJSON(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

// numericValue narrows to the numeric types drivers actually produce. It
// does not parse strings; that is parseNumber's job.
func numericValue(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

// toFloat coerces numbers and numeric strings.
func toFloat(v any) (float64, bool) {
	if f, ok := numericValue(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err == nil {
			return f, true
		}
	}
	return 0, false
}

// parseTime accepts time.Time, RFC 3339 strings, date-only strings, and
// epoch milliseconds.
func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, strings.TrimSpace(t)); err == nil {
				return ts, true
			}
		}
	case float64:
		return time.UnixMilli(int64(t)).UTC(), true
	case int64:
		return time.UnixMilli(t).UTC(), true
	case int:
		return time.UnixMilli(int64(t)).UTC(), true
	}
	return time.Time{}, false
}
