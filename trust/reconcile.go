// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"datatrust/platform/connectors/base"
)

// RuleOperator is one reconciliation matching operator.
type RuleOperator string

const (
	OpRuleEquals          RuleOperator = "equals"
	OpRuleEqualsTolerance RuleOperator = "equals_tolerance"
	OpRuleContains        RuleOperator = "contains"
	OpRuleRegex           RuleOperator = "regex"
	OpRuleSimilarity      RuleOperator = "similarity"
	OpRuleDateRange       RuleOperator = "date_range"
)

const (
	defaultMinConfidence = 50.0
	maxRegexPatternLen   = 200
	maxRegexInputLen     = 10_000
	blockingKeyMaxLen    = 256
	// blockingKeySep joins composite blocking key parts. The unit separator
	// cannot collide with business data the way "," or "|" can.
	blockingKeySep = "\u001f"
	millisPerDay   = 86_400_000
)

// RuleOptions tunes one rule's operator.
type RuleOptions struct {
	CaseSensitive bool    `json:"case_sensitive,omitempty"`
	Tolerance     float64 `json:"tolerance,omitempty"`
	UnsafeRegex   bool    `json:"unsafe_regex,omitempty"`
	Algorithm     string  `json:"algorithm,omitempty"`
	Threshold     float64 `json:"threshold,omitempty"`
	NGramSize     int     `json:"ngram_size,omitempty"`
	PrefixScale   float64 `json:"prefix_scale,omitempty"`
	DateRangeDays float64 `json:"date_range_days,omitempty"`
}

// Rule is one reconciliation matching rule.
type Rule struct {
	Name        string       `json:"name"`
	SourceField string       `json:"source_field"`
	TargetField string       `json:"target_field"`
	Operator    RuleOperator `json:"operator"`
	Weight      int          `json:"weight"`
	Required    bool         `json:"required,omitempty"`
	Options     RuleOptions  `json:"options,omitempty"`
}

// BlockingMode selects candidate-pair reduction.
type BlockingMode string

const (
	BlockingAuto       BlockingMode = "auto"
	BlockingConfigured BlockingMode = "configured"
	BlockingOff        BlockingMode = "off"
)

// BlockingConfig describes configured-mode blocking.
type BlockingConfig struct {
	Mode         BlockingMode `json:"mode,omitempty"`
	SourceField  string       `json:"source_field,omitempty"`
	TargetField  string       `json:"target_field,omitempty"`
	Algorithm    string       `json:"algorithm,omitempty"` // exact, prefix, cologne_phonetic, soundex
	PrefixLength int          `json:"prefix_length,omitempty"`
}

// ReconcileOptions drives one reconciliation run.
type ReconcileOptions struct {
	Rules         []Rule          `json:"rules"`
	MinConfidence *float64        `json:"min_confidence,omitempty"`
	MaxRecords    *int            `json:"max_records,omitempty"`
	Blocking      *BlockingConfig `json:"blocking,omitempty"`
	SourceFilter  *base.Filter    `json:"source_filter,omitempty"`
	TargetFilter  *base.Filter    `json:"target_filter,omitempty"`
}

// RuleResult is one rule's outcome on one candidate pair.
type RuleResult struct {
	Rule    string `json:"rule"`
	Matched bool   `json:"matched"`
}

// MatchedPair is one accepted source/target pairing.
type MatchedPair struct {
	Source      base.Record  `json:"source"`
	Target      base.Record  `json:"target"`
	Confidence  float64      `json:"confidence"`
	RuleResults []RuleResult `json:"rule_results"`
}

// ReconcileSummary aggregates a run.
type ReconcileSummary struct {
	SourceRecords     int     `json:"source_records"`
	TargetRecords     int     `json:"target_records"`
	MatchedCount      int     `json:"matched_count"`
	UnmatchedSource   int     `json:"unmatched_source"`
	UnmatchedTarget   int     `json:"unmatched_target"`
	AverageConfidence float64 `json:"average_confidence"`
}

// ReconcileReport is the full reconciliation result.
type ReconcileReport struct {
	SourceID        string           `json:"source_id"`
	TargetID        string           `json:"target_id"`
	StartedAt       time.Time        `json:"started_at"`
	DurationMS      int64            `json:"duration_ms"`
	Summary         ReconcileSummary `json:"summary"`
	Matches         []MatchedPair    `json:"matches"`
	UnmatchedSource []base.Record    `json:"unmatched_source,omitempty"`
	UnmatchedTarget []base.Record    `json:"unmatched_target,omitempty"`
}

// Reconciler pairs records across two connectors under a rule list.
type Reconciler struct{}

// NewReconciler builds a reconciler.
func NewReconciler() *Reconciler { return &Reconciler{} }

func validateRules(rules []Rule) error {
	if len(rules) == 0 {
		return NewError(ErrInvalidRule, "at least one rule is required")
	}
	for i, r := range rules {
		if r.SourceField == "" || r.TargetField == "" {
			return NewError(ErrInvalidRule,
				fmt.Sprintf("rule %d needs both source_field and target_field", i))
		}
		if r.Weight < 1 || r.Weight > 100 {
			return NewError(ErrInvalidRule,
				fmt.Sprintf("rule %q weight %d is outside 1..100", r.Name, r.Weight))
		}
		switch r.Operator {
		case OpRuleEquals, OpRuleEqualsTolerance, OpRuleContains,
			OpRuleRegex, OpRuleSimilarity, OpRuleDateRange:
		default:
			return NewError(ErrInvalidRule,
				fmt.Sprintf("rule %q has unknown operator %q", r.Name, r.Operator))
		}
		if r.Operator == OpRuleSimilarity {
			switch r.Options.Algorithm {
			case "", "levenshtein", "jaro", "jaro_winkler", "dice_sorensen",
				"jaccard", "cologne_phonetic", "soundex":
			default:
				return NewError(ErrInvalidRule,
					fmt.Sprintf("rule %q has unknown similarity algorithm %q",
						r.Name, r.Options.Algorithm))
			}
		}
	}
	return nil
}

// Reconcile runs one greedy one-to-one pairing.
func (r *Reconciler) Reconcile(ctx context.Context, source, target base.Connector, opts ReconcileOptions) (*ReconcileReport, error) {
	if err := requireConnected(source, ErrSourceNotConnected); err != nil {
		return nil, err
	}
	if err := requireConnected(target, ErrTargetNotConnected); err != nil {
		return nil, err
	}
	if err := validateRules(opts.Rules); err != nil {
		return nil, err
	}
	maxRecords, err := clampMaxRecords(opts.MaxRecords)
	if err != nil {
		return nil, err
	}
	minConfidence := defaultMinConfidence
	if opts.MinConfidence != nil {
		if *opts.MinConfidence < 0 || *opts.MinConfidence > 100 {
			return nil, NewError(ErrInvalidOptions, "minConfidence must be between 0 and 100")
		}
		minConfidence = *opts.MinConfidence
	}

	started := time.Now()
	sourceRecs, err := LoadRecords(ctx, source, opts.SourceFilter, maxRecords)
	if err != nil {
		return nil, WrapError(ErrReconciliation, "loading source records failed", err).
			WithContext("connector_id", source.ID())
	}
	targetRecs, err := LoadRecords(ctx, target, opts.TargetFilter, maxRecords)
	if err != nil {
		return nil, WrapError(ErrReconciliation, "loading target records failed", err).
			WithContext("connector_id", target.ID())
	}

	blocks, err := buildBlocks(targetRecs, opts)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{
		SourceID:  source.ID(),
		TargetID:  target.ID(),
		StartedAt: started.UTC(),
		Summary: ReconcileSummary{
			SourceRecords: len(sourceRecs),
			TargetRecords: len(targetRecs),
		},
	}

	claimed := make([]bool, len(targetRecs))
	var confidenceSum float64
	for _, src := range sourceRecs {
		candidates := blocks.candidatesFor(src, opts)

		bestIdx := -1
		var bestConfidence float64
		var bestResults []RuleResult
		for _, ti := range candidates {
			if claimed[ti] {
				continue
			}
			confidence, results, admissible := scorePair(src, targetRecs[ti], opts.Rules)
			if !admissible || confidence < minConfidence {
				continue
			}
			// Strict greater keeps encounter order on ties.
			if bestIdx == -1 || confidence > bestConfidence {
				bestIdx = ti
				bestConfidence = confidence
				bestResults = results
			}
		}

		if bestIdx == -1 {
			report.UnmatchedSource = append(report.UnmatchedSource, src)
			continue
		}
		claimed[bestIdx] = true
		confidenceSum += bestConfidence
		report.Matches = append(report.Matches, MatchedPair{
			Source:      src,
			Target:      targetRecs[bestIdx],
			Confidence:  bestConfidence,
			RuleResults: bestResults,
		})
	}

	for i, tgt := range targetRecs {
		if !claimed[i] {
			report.UnmatchedTarget = append(report.UnmatchedTarget, tgt)
		}
	}

	report.Summary.MatchedCount = len(report.Matches)
	report.Summary.UnmatchedSource = len(report.UnmatchedSource)
	report.Summary.UnmatchedTarget = len(report.UnmatchedTarget)
	if len(report.Matches) > 0 {
		report.Summary.AverageConfidence = confidenceSum / float64(len(report.Matches))
	}
	report.DurationMS = time.Since(started).Milliseconds()
	return report, nil
}

// scorePair evaluates every rule on one candidate pair. The pair is
// admissible only when every required rule matched.
func scorePair(src, tgt base.Record, rules []Rule) (float64, []RuleResult, bool) {
	totalWeight := 0
	matchedWeight := 0
	results := make([]RuleResult, 0, len(rules))
	admissible := true
	for _, rule := range rules {
		totalWeight += rule.Weight
		matched := evalRule(rule, src[rule.SourceField], tgt[rule.TargetField])
		if matched {
			matchedWeight += rule.Weight
		} else if rule.Required {
			admissible = false
		}
		results = append(results, RuleResult{Rule: rule.Name, Matched: matched})
	}
	if totalWeight == 0 {
		return 0, results, false
	}
	confidence := float64(matchedWeight) / float64(totalWeight) * 100
	return confidence, results, admissible
}

// evalRule applies one operator. A rule never matches when either value is
// absent.
func evalRule(rule Rule, sv, tv any) bool {
	if sv == nil || tv == nil {
		return false
	}
	switch rule.Operator {
	case OpRuleEquals:
		if rule.Options.CaseSensitive {
			return compareExact(sv, tv)
		}
		if compareExact(sv, tv) {
			return true
		}
		return strings.EqualFold(stringify(sv), stringify(tv))
	case OpRuleEqualsTolerance:
		a, oka := parseLocaleNumber(sv)
		b, okb := parseLocaleNumber(tv)
		return oka && okb && math.Abs(a-b) <= rule.Options.Tolerance
	case OpRuleContains:
		a, b := stringify(sv), stringify(tv)
		if !rule.Options.CaseSensitive {
			a, b = strings.ToLower(a), strings.ToLower(b)
		}
		return strings.Contains(a, b) || strings.Contains(b, a)
	case OpRuleRegex:
		return evalRegex(rule.Options, stringify(sv), stringify(tv))
	case OpRuleSimilarity:
		return evalSimilarity(rule.Options, stringify(sv), stringify(tv))
	case OpRuleDateRange:
		ta, oka := parseTime(sv)
		tb, okb := parseTime(tv)
		if !oka || !okb {
			return false
		}
		limit := rule.Options.DateRangeDays * millisPerDay
		return math.Abs(float64(ta.UnixMilli()-tb.UnixMilli())) <= limit
	}
	return false
}

// evalRegex treats the target value as a literal substring unless the rule
// explicitly opts into real regex matching. Oversized patterns or inputs
// and non-compiling patterns never match.
func evalRegex(opts RuleOptions, input, pattern string) bool {
	if !opts.UnsafeRegex {
		if opts.CaseSensitive {
			return strings.Contains(input, pattern)
		}
		return strings.Contains(strings.ToLower(input), strings.ToLower(pattern))
	}
	if len(pattern) > maxRegexPatternLen && len(input) > maxRegexInputLen {
		return false
	}
	if !opts.CaseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(input)
}

func evalSimilarity(opts RuleOptions, a, b string) bool {
	if len(a) > maxSimilarityInputLen || len(b) > maxSimilarityInputLen {
		return false
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = defaultSimilarityThreshold
	}
	var score float64
	switch opts.Algorithm {
	case "levenshtein":
		score = levenshteinSimilarity(a, b)
	case "jaro":
		score = jaroSimilarity(a, b)
	case "", "jaro_winkler":
		score = jaroWinklerSimilarity(a, b, opts.PrefixScale)
	case "dice_sorensen":
		score = diceSorensenSimilarity(a, b, opts.NGramSize)
	case "jaccard":
		score = jaccardSimilarity(a, b, opts.NGramSize)
	case "cologne_phonetic":
		score = phoneticSimilarity(colognePhoneticCode, a, b)
	case "soundex":
		score = phoneticSimilarity(soundexCode, a, b)
	default:
		return false
	}
	return score >= threshold
}
