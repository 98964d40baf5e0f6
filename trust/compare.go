// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"context"
	"fmt"
	"time"

	"datatrust/platform/connectors/base"
)

// FieldMapping pairs one source field with one target field, with an
// optional transform applied to both sides and an optional named comparator.
type FieldMapping struct {
	SourceField string    `json:"source_field"`
	TargetField string    `json:"target_field"`
	Transform   Transform `json:"transform,omitempty"`
	Comparator  string    `json:"comparator,omitempty"`
}

// KeyConfig names the join key on each side. Composite keys list several
// fields; both sides must have the same arity.
type KeyConfig struct {
	SourceFields []string `json:"source_fields"`
	TargetFields []string `json:"target_fields"`
}

// CompareOptions drives one consistency run.
type CompareOptions struct {
	Mappings     []FieldMapping `json:"mappings"`
	Key          KeyConfig      `json:"key"`
	MaxRecords   *int           `json:"max_records,omitempty"`
	SourceFilter *base.Filter   `json:"source_filter,omitempty"`
	TargetFilter *base.Filter   `json:"target_filter,omitempty"`
}

// DifferenceType classifies one field-level disagreement.
type DifferenceType string

const (
	DiffValueMismatch   DifferenceType = "value_mismatch"
	DiffMissingInSource DifferenceType = "missing_in_source"
	DiffMissingInTarget DifferenceType = "missing_in_target"
	DiffTypeMismatch    DifferenceType = "type_mismatch"
)

// FieldDifference is one disagreeing mapped field.
type FieldDifference struct {
	SourceField string         `json:"source_field"`
	TargetField string         `json:"target_field"`
	SourceValue any            `json:"source_value"`
	TargetValue any            `json:"target_value"`
	Type        DifferenceType `json:"type"`
}

// RecordStatus is the per-record comparison outcome.
type RecordStatus string

const (
	StatusMatch      RecordStatus = "match"
	StatusDifference RecordStatus = "difference"
	StatusSourceOnly RecordStatus = "source_only"
	StatusTargetOnly RecordStatus = "target_only"
)

// RecordComparison is one compared pair (or unpaired record).
type RecordComparison struct {
	Key         string            `json:"key"`
	Status      RecordStatus      `json:"status"`
	Differences []FieldDifference `json:"differences,omitempty"`
	Source      base.Record       `json:"source,omitempty"`
	Target      base.Record       `json:"target,omitempty"`
}

// CompareSummary aggregates a run.
type CompareSummary struct {
	SourceRecords int `json:"source_records"`
	TargetRecords int `json:"target_records"`
	Matches       int `json:"matches"`
	Differences   int `json:"differences"`
	SourceOnly    int `json:"source_only"`
	TargetOnly    int `json:"target_only"`
}

// CompareReport is the full consistency result.
type CompareReport struct {
	SourceID   string             `json:"source_id"`
	TargetID   string             `json:"target_id"`
	StartedAt  time.Time          `json:"started_at"`
	DurationMS int64              `json:"duration_ms"`
	Summary    CompareSummary     `json:"summary"`
	Records    []RecordComparison `json:"records"`
}

// Monitor is the consistency monitor.
type Monitor struct {
	comparators *ComparatorRegistry
}

// NewMonitor builds a monitor with the built-in comparator set.
func NewMonitor() *Monitor {
	return &Monitor{comparators: NewComparatorRegistry()}
}

// Comparators exposes the registry so callers can add their own.
func (m *Monitor) Comparators() *ComparatorRegistry { return m.comparators }

func (opts *CompareOptions) validate() error {
	if len(opts.Mappings) == 0 {
		return NewError(ErrInvalidOptions, "at least one field mapping is required")
	}
	for i, fm := range opts.Mappings {
		if fm.SourceField == "" || fm.TargetField == "" {
			return NewError(ErrMapping,
				fmt.Sprintf("mapping %d needs both source_field and target_field", i))
		}
	}
	if len(opts.Key.SourceFields) == 0 || len(opts.Key.TargetFields) == 0 {
		return NewError(ErrInvalidOptions, "key fields are required on both sides")
	}
	if len(opts.Key.SourceFields) != len(opts.Key.TargetFields) {
		return NewError(ErrInvalidOptions, "source and target key field lists must have the same length")
	}
	return nil
}

// Compare runs the consistency check between two connectors.
func (m *Monitor) Compare(ctx context.Context, source, target base.Connector, opts CompareOptions) (*CompareReport, error) {
	if err := requireConnected(source, ErrSourceNotConnected); err != nil {
		return nil, err
	}
	if err := requireConnected(target, ErrTargetNotConnected); err != nil {
		return nil, err
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	maxRecords, err := clampMaxRecords(opts.MaxRecords)
	if err != nil {
		return nil, err
	}

	// Resolve comparators up front so a bad name fails before any reads.
	cmps := make([]Comparator, len(opts.Mappings))
	for i, fm := range opts.Mappings {
		c, err := m.comparators.Get(fm.Comparator)
		if err != nil {
			return nil, err
		}
		cmps[i] = c
	}

	started := time.Now()
	sourceRecs, err := LoadRecords(ctx, source, opts.SourceFilter, maxRecords)
	if err != nil {
		return nil, WrapError(ErrComparisonFailed, "loading source records failed", err).
			WithContext("connector_id", source.ID())
	}
	targetRecs, err := LoadRecords(ctx, target, opts.TargetFilter, maxRecords)
	if err != nil {
		return nil, WrapError(ErrComparisonFailed, "loading target records failed", err).
			WithContext("connector_id", target.ID())
	}

	// Index targets by key; first record wins on duplicate keys.
	targetByKey := make(map[string]base.Record, len(targetRecs))
	claimed := make(map[string]bool, len(targetRecs))
	targetOrder := make([]string, 0, len(targetRecs))
	for i, rec := range targetRecs {
		key, ok := encodeKey(rec, opts.Key.TargetFields)
		if !ok {
			return nil, NewError(ErrKeyFieldMissing,
				fmt.Sprintf("target record %d is missing a key field", i)).
				WithContext("key_fields", opts.Key.TargetFields)
		}
		if _, dup := targetByKey[key]; !dup {
			targetByKey[key] = rec
			targetOrder = append(targetOrder, key)
		}
	}

	report := &CompareReport{
		SourceID:  source.ID(),
		TargetID:  target.ID(),
		StartedAt: started.UTC(),
		Summary: CompareSummary{
			SourceRecords: len(sourceRecs),
			TargetRecords: len(targetRecs),
		},
	}

	for i, src := range sourceRecs {
		key, ok := encodeKey(src, opts.Key.SourceFields)
		if !ok {
			return nil, NewError(ErrKeyFieldMissing,
				fmt.Sprintf("source record %d is missing a key field", i)).
				WithContext("key_fields", opts.Key.SourceFields)
		}
		tgt, found := targetByKey[key]
		if !found {
			report.Summary.SourceOnly++
			report.Records = append(report.Records, RecordComparison{
				Key: key, Status: StatusSourceOnly, Source: src,
			})
			continue
		}
		claimed[key] = true

		diffs, err := compareMapped(src, tgt, opts.Mappings, cmps)
		if err != nil {
			return nil, err
		}
		rc := RecordComparison{Key: key, Status: StatusMatch, Source: src, Target: tgt}
		if len(diffs) > 0 {
			rc.Status = StatusDifference
			rc.Differences = diffs
			report.Summary.Differences++
		} else {
			report.Summary.Matches++
		}
		report.Records = append(report.Records, rc)
	}

	for _, key := range targetOrder {
		if claimed[key] {
			continue
		}
		report.Summary.TargetOnly++
		report.Records = append(report.Records, RecordComparison{
			Key: key, Status: StatusTargetOnly, Target: targetByKey[key],
		})
	}

	report.DurationMS = time.Since(started).Milliseconds()
	return report, nil
}

// compareMapped evaluates every mapping on a paired record.
func compareMapped(src, tgt base.Record, mappings []FieldMapping, cmps []Comparator) ([]FieldDifference, error) {
	var diffs []FieldDifference
	for i, fm := range mappings {
		sv, sok := src[fm.SourceField]
		tv, tok := tgt[fm.TargetField]
		sPresent := sok && sv != nil
		tPresent := tok && tv != nil

		// Absent on both sides counts as agreement.
		if !sPresent && !tPresent {
			continue
		}
		if !sPresent {
			diffs = append(diffs, FieldDifference{
				SourceField: fm.SourceField, TargetField: fm.TargetField,
				SourceValue: nil, TargetValue: tv, Type: DiffMissingInSource,
			})
			continue
		}
		if !tPresent {
			diffs = append(diffs, FieldDifference{
				SourceField: fm.SourceField, TargetField: fm.TargetField,
				SourceValue: sv, TargetValue: nil, Type: DiffMissingInTarget,
			})
			continue
		}

		svt, err := ApplyTransform(fm.Transform, sv)
		if err != nil {
			return nil, err
		}
		tvt, err := ApplyTransform(fm.Transform, tv)
		if err != nil {
			return nil, err
		}
		if cmps[i](svt, tvt) {
			continue
		}
		diffType := DiffValueMismatch
		if valueKind(svt) != valueKind(tvt) {
			diffType = DiffTypeMismatch
		}
		diffs = append(diffs, FieldDifference{
			SourceField: fm.SourceField, TargetField: fm.TargetField,
			SourceValue: sv, TargetValue: tv, Type: diffType,
		})
	}
	return diffs, nil
}

// valueKind buckets values into broad JSON-ish kinds for type_mismatch
// classification.
func valueKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	case float64, float32, int, int32, int64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "other"
	}
}
