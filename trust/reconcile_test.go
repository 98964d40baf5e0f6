// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idRule(weight int, required bool) Rule {
	return Rule{
		Name: "id", SourceField: "id", TargetField: "id",
		Operator: OpRuleEquals, Weight: weight, Required: required,
	}
}

func TestReconcileIdenticalSetsFullConfidence(t *testing.T) {
	records := []map[string]any{
		{"id": "A", "amount": float64(100)},
		{"id": "B", "amount": float64(50)},
	}
	src := newMemConnector("ledger", records)
	tgt := newMemConnector("bank", records)

	report, err := NewReconciler().Reconcile(context.Background(), src, tgt, ReconcileOptions{
		Rules: []Rule{
			idRule(50, true),
			{Name: "amount", SourceField: "amount", TargetField: "amount",
				Operator: OpRuleEquals, Weight: 50},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Summary.MatchedCount)
	assert.Empty(t, report.UnmatchedSource)
	assert.Empty(t, report.UnmatchedTarget)
	assert.Equal(t, float64(100), report.Summary.AverageConfidence)
}

func TestReconcileToleranceAndMinConfidence(t *testing.T) {
	src := newMemConnector("ledger", []map[string]any{
		{"id": "A", "amount": float64(100.00)},
		{"id": "B", "amount": float64(50.00)},
	})
	tgt := newMemConnector("bank", []map[string]any{
		{"id": "A", "amount": float64(100.01)},
		{"id": "B", "amount": float64(49.90)},
	})
	rules := []Rule{
		idRule(50, true),
		{Name: "amount", SourceField: "amount", TargetField: "amount",
			Operator: OpRuleEqualsTolerance, Weight: 50,
			Options: RuleOptions{Tolerance: 0.01}},
	}

	report, err := NewReconciler().Reconcile(context.Background(), src, tgt, ReconcileOptions{
		Rules: rules, MinConfidence: floatp(50),
	})
	require.NoError(t, err)
	require.Equal(t, 2, report.Summary.MatchedCount)
	byID := map[string]MatchedPair{}
	for _, m := range report.Matches {
		byID[m.Source["id"].(string)] = m
	}
	assert.Equal(t, float64(100), byID["A"].Confidence)
	assert.Equal(t, float64(50), byID["B"].Confidence)

	report, err = NewReconciler().Reconcile(context.Background(), src, tgt, ReconcileOptions{
		Rules: rules, MinConfidence: floatp(75),
	})
	require.NoError(t, err)
	require.Equal(t, 1, report.Summary.MatchedCount)
	assert.Equal(t, "A", report.Matches[0].Source["id"])
	assert.Len(t, report.UnmatchedSource, 1)
	assert.Len(t, report.UnmatchedTarget, 1)
}

func TestReconcileRequiredRuleGatesRegardlessOfWeight(t *testing.T) {
	src := newMemConnector("a", []map[string]any{{"id": "A", "name": "Ada"}})
	tgt := newMemConnector("b", []map[string]any{{"id": "Z", "name": "Ada"}})

	report, err := NewReconciler().Reconcile(context.Background(), src, tgt, ReconcileOptions{
		Rules: []Rule{
			idRule(1, true),
			{Name: "name", SourceField: "name", TargetField: "name",
				Operator: OpRuleEquals, Weight: 99},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Summary.MatchedCount)
	assert.Len(t, report.UnmatchedSource, 1)
}

func TestReconcileGreedyOneToOneTiesByEncounterOrder(t *testing.T) {
	src := newMemConnector("a", []map[string]any{
		{"id": "1", "ref": "X"},
		{"id": "2", "ref": "X"},
	})
	tgt := newMemConnector("b", []map[string]any{
		{"id": "t1", "ref": "X"},
		{"id": "t2", "ref": "X"},
	})

	report, err := NewReconciler().Reconcile(context.Background(), src, tgt, ReconcileOptions{
		Rules: []Rule{{Name: "ref", SourceField: "ref", TargetField: "ref",
			Operator: OpRuleEquals, Weight: 10, Required: true}},
	})
	require.NoError(t, err)
	require.Equal(t, 2, report.Summary.MatchedCount)
	// First source claims the first target; the second cannot reuse it.
	assert.Equal(t, "t1", report.Matches[0].Target["id"])
	assert.Equal(t, "t2", report.Matches[1].Target["id"])
}

func TestReconcileContainsOperator(t *testing.T) {
	src := newMemConnector("a", []map[string]any{{"id": "1", "desc": "Invoice INV-42 paid"}})
	tgt := newMemConnector("b", []map[string]any{{"id": "1", "ref": "inv-42"}})

	report, err := NewReconciler().Reconcile(context.Background(), src, tgt, ReconcileOptions{
		Rules: []Rule{{Name: "ref", SourceField: "desc", TargetField: "ref",
			Operator: OpRuleContains, Weight: 10}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Summary.MatchedCount)
}

func TestRegexOperatorSafeByDefault(t *testing.T) {
	opts := RuleOptions{}
	// Without unsafeRegex the pattern is a literal, so metacharacters do
	// not match arbitrary text.
	assert.False(t, evalRegex(opts, "abc", ".*"))
	assert.True(t, evalRegex(opts, "order .* shipped", ".*"))

	unsafe := RuleOptions{UnsafeRegex: true}
	assert.True(t, evalRegex(unsafe, "abc", "^a.c$"))
	assert.False(t, evalRegex(unsafe, "abc", "[invalid"), "compile failure is a non-match")

	longPattern := strings.Repeat("a", maxRegexPatternLen+1)
	longInput := strings.Repeat("b", maxRegexInputLen+1)
	assert.False(t, evalRegex(unsafe, longInput, longPattern))
}

func TestDateRangeOperator(t *testing.T) {
	rule := Rule{Operator: OpRuleDateRange, Options: RuleOptions{DateRangeDays: 2}}
	assert.True(t, evalRule(rule, "2026-08-26", "2026-08-27"))
	assert.False(t, evalRule(rule, "2026-08-26", "2026-08-30"))
	assert.False(t, evalRule(rule, "not a date", "2026-08-26"))
}

func TestReconcileRuleValidation(t *testing.T) {
	src := newMemConnector("a", nil)
	tgt := newMemConnector("b", nil)
	r := NewReconciler()

	_, err := r.Reconcile(context.Background(), src, tgt, ReconcileOptions{})
	assert.Equal(t, ErrInvalidRule, KindOf(err))

	_, err = r.Reconcile(context.Background(), src, tgt, ReconcileOptions{
		Rules: []Rule{{Name: "w", SourceField: "a", TargetField: "a",
			Operator: OpRuleEquals, Weight: 0}},
	})
	assert.Equal(t, ErrInvalidRule, KindOf(err))

	_, err = r.Reconcile(context.Background(), src, tgt, ReconcileOptions{
		Rules: []Rule{{Name: "op", SourceField: "a", TargetField: "a",
			Operator: "fuzzy", Weight: 10}},
	})
	assert.Equal(t, ErrInvalidRule, KindOf(err))

	_, err = r.Reconcile(context.Background(), src, tgt, ReconcileOptions{
		Rules: []Rule{{Name: "alg", SourceField: "a", TargetField: "a",
			Operator: OpRuleSimilarity, Weight: 10,
			Options: RuleOptions{Algorithm: "metaphone"}}},
	})
	assert.Equal(t, ErrInvalidRule, KindOf(err))
}

func TestReconcileAutoBlockingStillFindsMatches(t *testing.T) {
	var srcRecs, tgtRecs []map[string]any
	for i := 0; i < 20; i++ {
		id := stringify(i)
		srcRecs = append(srcRecs, map[string]any{"id": id, "name": "Person " + id})
		tgtRecs = append(tgtRecs, map[string]any{"id": id, "name": "Person " + id})
	}
	src := newMemConnector("a", srcRecs)
	tgt := newMemConnector("b", tgtRecs)

	report, err := NewReconciler().Reconcile(context.Background(), src, tgt, ReconcileOptions{
		Rules: []Rule{
			idRule(50, true),
			{Name: "name", SourceField: "name", TargetField: "name",
				Operator: OpRuleEquals, Weight: 50},
		},
		Blocking: &BlockingConfig{Mode: BlockingAuto},
	})
	require.NoError(t, err)
	assert.Equal(t, 20, report.Summary.MatchedCount)
	assert.Equal(t, float64(100), report.Summary.AverageConfidence)
}

func TestReconcileConfiguredBlockingFallsBackOnEmptyBucket(t *testing.T) {
	src := newMemConnector("a", []map[string]any{
		{"id": "1", "name": "Meier", "city": "Köln"},
	})
	tgt := newMemConnector("b", []map[string]any{
		{"id": "1", "name": "Mayer", "city": ""}, // empty blocking value
	})

	report, err := NewReconciler().Reconcile(context.Background(), src, tgt, ReconcileOptions{
		Rules: []Rule{{Name: "name", SourceField: "name", TargetField: "name",
			Operator: OpRuleSimilarity, Weight: 10,
			Options: RuleOptions{Algorithm: "cologne_phonetic"}}},
		Blocking: &BlockingConfig{
			Mode: BlockingConfigured, SourceField: "city", TargetField: "city",
			Algorithm: "exact",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Summary.MatchedCount, "empty bucket must fall back to a full scan")
}

func TestReconcileConfiguredBlockingValidation(t *testing.T) {
	src := newMemConnector("a", nil)
	tgt := newMemConnector("b", nil)

	_, err := NewReconciler().Reconcile(context.Background(), src, tgt, ReconcileOptions{
		Rules:    []Rule{idRule(10, false)},
		Blocking: &BlockingConfig{Mode: BlockingConfigured, Algorithm: "exact"},
	})
	assert.Equal(t, ErrInvalidOptions, KindOf(err))

	_, err = NewReconciler().Reconcile(context.Background(), src, tgt, ReconcileOptions{
		Rules: []Rule{idRule(10, false)},
		Blocking: &BlockingConfig{
			Mode: BlockingConfigured, SourceField: "a", TargetField: "a",
			Algorithm: "hash",
		},
	})
	assert.Equal(t, ErrInvalidOptions, KindOf(err))
}

func TestReconcileMaxRecordsOmittedAndExplicitZero(t *testing.T) {
	src := newMemConnector("a", []map[string]any{{"id": "A"}})
	tgt := newMemConnector("b", []map[string]any{{"id": "A"}})

	// Omitted takes the default bound.
	report, err := NewReconciler().Reconcile(context.Background(), src, tgt, ReconcileOptions{
		Rules: []Rule{idRule(10, true)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Summary.MatchedCount)

	// An explicit zero loads no records at all.
	report, err = NewReconciler().Reconcile(context.Background(), src, tgt, ReconcileOptions{
		Rules: []Rule{idRule(10, true)}, MaxRecords: intp(0),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Summary.SourceRecords)
	assert.Equal(t, 0, report.Summary.TargetRecords)
	assert.Equal(t, 0, report.Summary.MatchedCount)
}

func TestReconcileMinConfidenceExplicitZero(t *testing.T) {
	src := newMemConnector("a", []map[string]any{{"id": "A", "amount": float64(10)}})
	tgt := newMemConnector("b", []map[string]any{{"id": "A", "amount": float64(99)}})
	rules := []Rule{
		idRule(10, true),
		{Name: "amount", SourceField: "amount", TargetField: "amount",
			Operator: OpRuleEquals, Weight: 90},
	}

	// Confidence 10 sits below the default threshold.
	report, err := NewReconciler().Reconcile(context.Background(), src, tgt, ReconcileOptions{
		Rules: rules,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Summary.MatchedCount)

	report, err = NewReconciler().Reconcile(context.Background(), src, tgt, ReconcileOptions{
		Rules: rules, MinConfidence: floatp(0),
	})
	require.NoError(t, err)
	require.Equal(t, 1, report.Summary.MatchedCount)
	assert.Equal(t, float64(10), report.Matches[0].Confidence)

	_, err = NewReconciler().Reconcile(context.Background(), src, tgt, ReconcileOptions{
		Rules: rules, MinConfidence: floatp(101),
	})
	assert.Equal(t, ErrInvalidOptions, KindOf(err))
}

func TestReconcileEqualsOnNestedObjectValues(t *testing.T) {
	src := newMemConnector("a", []map[string]any{
		{"id": "1", "address": map[string]any{"city": "Lyon", "zip": "69001"}},
	})
	tgt := newMemConnector("b", []map[string]any{
		{"id": "1", "address": map[string]any{"zip": "69001", "city": "Lyon"}},
		{"id": "2", "address": map[string]any{"city": "Bonn"}},
	})
	rules := []Rule{{Name: "addr", SourceField: "address", TargetField: "address",
		Operator: OpRuleEquals, Weight: 10, Required: true,
		Options: RuleOptions{CaseSensitive: true}}}

	report, err := NewReconciler().Reconcile(context.Background(), src, tgt, ReconcileOptions{
		Rules: rules,
	})
	require.NoError(t, err)
	require.Equal(t, 1, report.Summary.MatchedCount)
	assert.Equal(t, "1", report.Matches[0].Target["id"])

	// The case-insensitive path runs the same structural equality first.
	rules[0].Options.CaseSensitive = false
	report, err = NewReconciler().Reconcile(context.Background(), src, tgt, ReconcileOptions{
		Rules: rules,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Summary.MatchedCount)
}

func TestParseLocaleNumberFormats(t *testing.T) {
	cases := []struct {
		in   any
		want float64
		ok   bool
	}{
		{float64(12.5), 12.5, true},
		{"1,234.56", 1234.56, true},
		{"1.234,56", 1234.56, true},
		{"1.234.567", 1234567, true},
		{"€ 49,90", 49.90, true},
		{"$1,000", 1000, true},
		{"USD 12.50", 12.5, true},
		{"-3,5", -3.5, true},
		{"", 0, false},
		{"n/a", 0, false},
		{true, 0, false},
	}
	for _, tc := range cases {
		got, ok := parseLocaleNumber(tc.in)
		assert.Equal(t, tc.ok, ok, "%v", tc.in)
		if tc.ok {
			assert.InDelta(t, tc.want, got, 1e-9, "%v", tc.in)
		}
	}
}
