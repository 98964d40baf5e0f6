// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package base

// Operator enumerates filter comparison operators.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpLt       Operator = "lt"
	OpGte      Operator = "gte"
	OpLte      Operator = "lte"
	OpContains Operator = "contains" // case-insensitive substring
	OpIn       Operator = "in"       // membership in an array value
)

var knownOperators = map[Operator]struct{}{
	OpEq: {}, OpNe: {}, OpGt: {}, OpLt: {}, OpGte: {}, OpLte: {},
	OpContains: {}, OpIn: {},
}

// Condition is one field comparison; a filter's conditions are a conjunction.
type Condition struct {
	Field string   `json:"field"`
	Op    Operator `json:"op"`
	Value any      `json:"value"`
}

// OrderBy is one sort directive. Direction is "asc" (default) or "desc".
type OrderBy struct {
	Field     string `json:"field"`
	Direction string `json:"direction,omitempty"`
}

// Filter is the read-side query shape. Pagination is either offset+limit or
// cursor+limit, never both.
type Filter struct {
	Where   []Condition `json:"where,omitempty"`
	Select  []string    `json:"select,omitempty"`
	OrderBy []OrderBy   `json:"order_by,omitempty"`
	Offset  int         `json:"offset,omitempty"`
	Limit   int         `json:"limit,omitempty"`
	Cursor  string      `json:"cursor,omitempty"`
}

// Validate rejects malformed filters before any connector work happens.
func (f *Filter) Validate() error {
	if f == nil {
		return nil
	}
	for _, c := range f.Where {
		if c.Field == "" {
			return NewError(ErrValidation, "", "filter condition is missing a field name",
				"every where condition needs field, op, value")
		}
		if err := CheckFieldName(c.Field); err != nil {
			return err
		}
		if _, ok := knownOperators[c.Op]; !ok {
			return NewError(ErrValidation, "", "unknown filter operator: "+string(c.Op),
				"use one of eq, ne, gt, lt, gte, lte, contains, in")
		}
		if c.Op == OpIn {
			if _, ok := c.Value.([]any); !ok {
				return NewError(ErrValidation, "", "operator in requires an array value",
					"pass the candidate set as a JSON array")
			}
		}
	}
	for _, field := range f.Select {
		if err := CheckFieldName(field); err != nil {
			return err
		}
	}
	for _, ob := range f.OrderBy {
		if err := CheckFieldName(ob.Field); err != nil {
			return err
		}
		if ob.Direction != "" && ob.Direction != "asc" && ob.Direction != "desc" {
			return NewError(ErrValidation, "", "order_by direction must be asc or desc", "")
		}
	}
	if f.Offset < 0 || f.Limit < 0 {
		return NewError(ErrValidation, "", "offset and limit must be non-negative", "")
	}
	if f.Cursor != "" && f.Offset > 0 {
		return NewError(ErrValidation, "", "cursor and offset are mutually exclusive",
			"page with either cursor+limit or offset+limit")
	}
	return nil
}
