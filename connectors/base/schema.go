// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package base

import (
	"fmt"
	"math"
	"time"
)

// FieldType enumerates the value kinds a schema can declare.
type FieldType string

const (
	TypeString   FieldType = "string"
	TypeNumber   FieldType = "number"
	TypeInteger  FieldType = "integer"
	TypeBoolean  FieldType = "boolean"
	TypeDate     FieldType = "date"
	TypeDateTime FieldType = "datetime"
	TypeArray    FieldType = "array"
	TypeObject   FieldType = "object"
)

// FieldDef describes one schema field.
type FieldDef struct {
	Name        string    `json:"name"`
	Type        FieldType `json:"type"`
	Required    bool      `json:"required,omitempty"`
	Description string    `json:"description,omitempty"`
	PrimaryKey  bool      `json:"primary_key,omitempty"`
}

// Schema is a named, ordered field list. Either declared in config or
// inferred from data.
type Schema struct {
	Name   string     `json:"name"`
	Fields []FieldDef `json:"fields"`
}

// FieldSet returns a name-indexed view of the fields.
func (s *Schema) FieldSet() map[string]FieldDef {
	out := make(map[string]FieldDef, len(s.Fields))
	for _, f := range s.Fields {
		out[f.Name] = f
	}
	return out
}

// PrimaryKeys returns the (possibly composite) key fields in declared order.
func (s *Schema) PrimaryKeys() []string {
	var keys []string
	for _, f := range s.Fields {
		if f.PrimaryKey {
			keys = append(keys, f.Name)
		}
	}
	return keys
}

// ValidateAgainstSchema checks required presence and value-type conformance
// for every record. It never aborts early: callers get the full error list.
func ValidateAgainstSchema(s *Schema, records []Record) *ValidationResult {
	result := &ValidationResult{Valid: true}
	fields := s.FieldSet()
	for i, rec := range records {
		for name := range rec {
			if IsForbiddenKey(name) {
				result.Errors = append(result.Errors, RecordError{
					Index: i, Field: name, Message: "forbidden field name",
				})
			}
		}
		for _, f := range s.Fields {
			v, present := rec[f.Name]
			if !present || v == nil {
				if f.Required {
					result.Errors = append(result.Errors, RecordError{
						Index: i, Field: f.Name, Message: "required field is missing",
					})
				}
				continue
			}
			if !valueMatchesType(v, f.Type) {
				result.Errors = append(result.Errors, RecordError{
					Index: i, Field: f.Name,
					Message: fmt.Sprintf("expected %s, got %T", f.Type, v),
				})
			}
		}
		_ = fields
	}
	result.Valid = len(result.Errors) == 0
	return result
}

func valueMatchesType(v any, t FieldType) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeNumber:
		return isNumeric(v)
	case TypeInteger:
		switch n := v.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == math.Trunc(n)
		case float32:
			return float64(n) == math.Trunc(float64(n))
		}
		return false
	case TypeDate, TypeDateTime:
		switch d := v.(type) {
		case time.Time:
			return true
		case string:
			_, err := ParseTime(d)
			return err == nil
		}
		return false
	case TypeArray:
		_, ok := v.([]any)
		return ok
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	}
	return true
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int32, int64, float32, float64:
		return true
	}
	return false
}

// timeLayouts are tried in order when coercing string timestamps.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime coerces the timestamp formats connectors actually emit.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp: %q", s)
}

// InferSchema derives a schema from sample records. The type of a field is
// the first non-null type observed; conflicting later types widen to string.
func InferSchema(name string, records []Record) *Schema {
	s := &Schema{Name: name}
	seen := make(map[string]int) // name → index into s.Fields
	for _, rec := range records {
		for field, v := range rec {
			if v == nil || IsForbiddenKey(field) {
				continue
			}
			t := inferType(v)
			if idx, ok := seen[field]; ok {
				if s.Fields[idx].Type != t {
					s.Fields[idx].Type = TypeString
				}
				continue
			}
			seen[field] = len(s.Fields)
			s.Fields = append(s.Fields, FieldDef{Name: field, Type: t})
		}
	}
	return s
}

func inferType(v any) FieldType {
	switch n := v.(type) {
	case bool:
		return TypeBoolean
	case int, int32, int64:
		return TypeInteger
	case float32:
		if float64(n) == math.Trunc(float64(n)) {
			return TypeInteger
		}
		return TypeNumber
	case float64:
		if n == math.Trunc(n) {
			return TypeInteger
		}
		return TypeNumber
	case time.Time:
		return TypeDateTime
	case []any:
		return TypeArray
	case map[string]any:
		return TypeObject
	case string:
		if _, err := ParseTime(n); err == nil {
			return TypeDateTime
		}
		return TypeString
	}
	return TypeString
}
