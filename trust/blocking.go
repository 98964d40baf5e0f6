// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"strings"

	"datatrust/platform/connectors/base"
)

// blockIndex buckets target records on a cheap key so reconciliation does
// not have to score the full cross-product.
type blockIndex struct {
	active  bool
	buckets map[string][]int
	all     []int

	// auto mode
	autoRules []Rule

	// configured mode
	cfg *BlockingConfig
}

// buildBlocks prepares the target-side index for the requested mode.
func buildBlocks(targets []base.Record, opts ReconcileOptions) (*blockIndex, error) {
	all := make([]int, len(targets))
	for i := range targets {
		all[i] = i
	}
	idx := &blockIndex{all: all}

	mode := BlockingAuto
	if opts.Blocking != nil && opts.Blocking.Mode != "" {
		mode = opts.Blocking.Mode
	}

	switch mode {
	case BlockingOff:
		return idx, nil

	case BlockingAuto:
		// Required equals rules are exact predicates: any admissible pair
		// agrees on them, so their fields form a correct blocking key.
		for _, r := range opts.Rules {
			if r.Required && r.Operator == OpRuleEquals {
				idx.autoRules = append(idx.autoRules, r)
			}
		}
		if len(idx.autoRules) == 0 {
			return idx, nil
		}
		idx.active = true
		idx.buckets = make(map[string][]int)
		for i, rec := range targets {
			key, ok := autoKey(rec, idx.autoRules, func(r Rule) string { return r.TargetField })
			if !ok {
				continue // a missing required field can never match anyway
			}
			idx.buckets[key] = append(idx.buckets[key], i)
		}
		return idx, nil

	case BlockingConfigured:
		cfg := opts.Blocking
		if cfg.SourceField == "" || cfg.TargetField == "" {
			return nil, NewError(ErrInvalidOptions,
				"configured blocking needs both source_field and target_field")
		}
		switch cfg.Algorithm {
		case "exact", "prefix", "cologne_phonetic", "soundex":
		default:
			return nil, NewError(ErrInvalidOptions,
				"blocking algorithm must be one of exact, prefix, cologne_phonetic, soundex")
		}
		idx.active = true
		idx.cfg = cfg
		idx.buckets = make(map[string][]int)
		for i, rec := range targets {
			key, ok := configuredKey(rec[cfg.TargetField], cfg)
			if !ok {
				continue
			}
			idx.buckets[key] = append(idx.buckets[key], i)
		}
		return idx, nil

	default:
		return nil, NewError(ErrInvalidOptions,
			"blocking mode must be one of auto, configured, off")
	}
}

// candidatesFor returns the target indices worth scoring against src.
func (idx *blockIndex) candidatesFor(src base.Record, opts ReconcileOptions) []int {
	if !idx.active {
		return idx.all
	}
	if idx.cfg != nil {
		key, ok := configuredKey(src[idx.cfg.SourceField], idx.cfg)
		if !ok {
			return idx.all
		}
		if bucket := idx.buckets[key]; len(bucket) > 0 {
			return bucket
		}
		// An empty configured bucket falls back to a full scan so a coarse
		// blocking key cannot hide true matches.
		return idx.all
	}
	key, ok := autoKey(src, idx.autoRules, func(r Rule) string { return r.SourceField })
	if !ok {
		return nil
	}
	return idx.buckets[key]
}

// autoKey joins the blocking fields with the unit separator, honoring each
// rule's case sensitivity.
func autoKey(rec base.Record, rules []Rule, field func(Rule) string) (string, bool) {
	parts := make([]string, len(rules))
	for i, r := range rules {
		v, ok := rec[field(r)]
		if !ok || v == nil {
			return "", false
		}
		s := stringify(v)
		if !r.Options.CaseSensitive {
			s = strings.ToLower(s)
		}
		parts[i] = s
	}
	return capKey(strings.Join(parts, blockingKeySep)), true
}

// configuredKey derives one side's blocking key.
func configuredKey(v any, cfg *BlockingConfig) (string, bool) {
	if v == nil {
		return "", false
	}
	s := strings.ToLower(stringify(v))
	switch cfg.Algorithm {
	case "exact":
	case "prefix":
		n := cfg.PrefixLength
		if n <= 0 {
			n = 3
		}
		runes := []rune(s)
		if len(runes) > n {
			s = string(runes[:n])
		}
	case "cologne_phonetic":
		s = colognePhoneticCode(s)
	case "soundex":
		s = soundexCode(s)
	}
	if s == "" {
		return "", false
	}
	return capKey(s), true
}

func capKey(s string) string {
	if len(s) > blockingKeyMaxLen {
		return s[:blockingKeyMaxLen]
	}
	return s
}
