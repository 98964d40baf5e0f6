// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"fmt"
	"sort"
	"time"

	"datatrust/platform/audit"
	"datatrust/platform/connectors/base"
	"datatrust/platform/policy"
	"datatrust/platform/trust"
)

func missingArg(name string) error {
	return base.NewError(base.ErrValidation, "",
		fmt.Sprintf("argument %q is required", name),
		"check the argument schema for this tool")
}

func parseTimeArg(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, base.NewError(base.ErrValidation, "",
		fmt.Sprintf("argument %q is not a timestamp: %q", name, value),
		"use RFC 3339 or YYYY-MM-DD")
}

func selectFields(f *base.Filter) []string {
	if f == nil {
		return nil
	}
	return f.Select
}

func whereFields(f *base.Filter) []string {
	if f == nil {
		return nil
	}
	fields := make([]string, 0, len(f.Where))
	for _, c := range f.Where {
		fields = append(fields, c.Field)
	}
	return fields
}

// recordFields is the sorted union of field names across a batch.
func recordFields(records []base.Record) []string {
	seen := map[string]struct{}{}
	for _, rec := range records {
		for f := range rec {
			seen[f] = struct{}{}
		}
	}
	fields := make([]string, 0, len(seen))
	for f := range seen {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

func mappingFields(mappings []trust.FieldMapping) []string {
	fields := make([]string, 0, len(mappings))
	for _, fm := range mappings {
		fields = append(fields, fm.SourceField)
	}
	return fields
}

// recordKey extracts the record's natural key for audit entries.
func recordKey(rec base.Record) (string, bool) {
	for _, candidate := range []string{"id", "ID", "Id"} {
		if v, ok := rec[candidate]; ok && v != nil {
			return fmt.Sprintf("%v", v), true
		}
	}
	return "", false
}

func maskRecords(m *policy.Masker, records []base.Record) []base.Record {
	if m == nil || m.Empty() {
		return records
	}
	return m.MaskRecords(records)
}

func maskRecord(m *policy.Masker, rec base.Record) base.Record {
	if rec == nil || m == nil || m.Empty() {
		return rec
	}
	return m.MaskRecord(rec)
}

// maskCompareReport redacts every embedded record, including field-level
// difference values.
func maskCompareReport(m *policy.Masker, report *trust.CompareReport) {
	if m == nil || m.Empty() {
		return
	}
	for i := range report.Records {
		rc := &report.Records[i]
		rc.Source = maskRecord(m, rc.Source)
		rc.Target = maskRecord(m, rc.Target)
		for j := range rc.Differences {
			diff := &rc.Differences[j]
			masked := maskRecord(m, base.Record{
				diff.SourceField: diff.SourceValue,
				diff.TargetField: diff.TargetValue,
			})
			diff.SourceValue = masked[diff.SourceField]
			diff.TargetValue = masked[diff.TargetField]
		}
	}
}

func maskChangeReport(m *policy.Masker, report *trust.ChangeReport) {
	if m == nil || m.Empty() {
		return
	}
	for i := range report.Changes {
		report.Changes[i].Record = maskRecord(m, report.Changes[i].Record)
		report.Changes[i].Previous = maskRecord(m, report.Changes[i].Previous)
	}
}

func maskReconcileReport(m *policy.Masker, report *trust.ReconcileReport) {
	if m == nil || m.Empty() {
		return
	}
	for i := range report.Matches {
		report.Matches[i].Source = maskRecord(m, report.Matches[i].Source)
		report.Matches[i].Target = maskRecord(m, report.Matches[i].Target)
	}
	report.UnmatchedSource = maskRecords(m, report.UnmatchedSource)
	report.UnmatchedTarget = maskRecords(m, report.UnmatchedTarget)
}

func maskAuditEntries(m *policy.Masker, entries []audit.Entry) {
	if m == nil || m.Empty() {
		return
	}
	for i := range entries {
		entries[i].Before = maskRecord(m, entries[i].Before)
		entries[i].After = maskRecord(m, entries[i].After)
	}
}
