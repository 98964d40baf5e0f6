// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Matcher is one pattern in a rule predicate. In policy documents it is
// either a plain string (literal, or glob when it contains `*`) or an
// object {"regex": "..."}. The bare string "*" matches anything.
type Matcher struct {
	raw     string
	isGlob  bool
	compile *regexp.Regexp // set for glob and regex forms
}

// NewLiteral builds a matcher from the string form.
func NewLiteral(s string) (Matcher, error) {
	m := Matcher{raw: s}
	if strings.Contains(s, "*") && s != "*" {
		re, err := compileGlob(s)
		if err != nil {
			return Matcher{}, err
		}
		m.isGlob = true
		m.compile = re
	}
	return m, nil
}

// NewRegex builds a matcher from the {"regex": ...} form.
func NewRegex(pattern string) (Matcher, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Matcher{}, fmt.Errorf("invalid regex matcher %q: %w", pattern, err)
	}
	return Matcher{raw: pattern, compile: re}, nil
}

func compileGlob(pattern string) (*regexp.Regexp, error) {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.Compile("^" + strings.Join(parts, ".*") + "$")
}

// Matches reports whether the matcher accepts the value.
func (m Matcher) Matches(value string) bool {
	if m.raw == "*" && m.compile == nil {
		return true
	}
	if m.compile != nil {
		return m.compile.MatchString(value)
	}
	return m.raw == value
}

// String returns the document form for reasons and logs.
func (m Matcher) String() string { return m.raw }

type regexForm struct {
	Regex string `json:"regex" yaml:"regex"`
}

// UnmarshalJSON accepts "literal", "glob*" or {"regex": "..."}.
func (m *Matcher) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := NewLiteral(s)
		if err != nil {
			return err
		}
		*m = parsed
		return nil
	}
	var obj regexForm
	if err := json.Unmarshal(data, &obj); err != nil || obj.Regex == "" {
		return fmt.Errorf("matcher must be a string or {\"regex\": ...}")
	}
	parsed, err := NewRegex(obj.Regex)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// UnmarshalYAML mirrors the JSON forms for YAML policy bundles.
func (m *Matcher) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		parsed, err := NewLiteral(s)
		if err != nil {
			return err
		}
		*m = parsed
		return nil
	}
	var obj regexForm
	if err := node.Decode(&obj); err != nil || obj.Regex == "" {
		return fmt.Errorf("matcher must be a string or {regex: ...}")
	}
	parsed, err := NewRegex(obj.Regex)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// MarshalJSON emits the document form.
func (m Matcher) MarshalJSON() ([]byte, error) {
	if m.compile != nil && !m.isGlob && m.raw != "*" {
		return json.Marshal(regexForm{Regex: m.raw})
	}
	return json.Marshal(m.raw)
}

// anyMatch reports whether any matcher accepts any of the values.
func anyMatch(matchers []Matcher, values []string) bool {
	for _, v := range values {
		for _, m := range matchers {
			if m.Matches(v) {
				return true
			}
		}
	}
	return false
}

// allMatch reports whether every value is accepted by at least one matcher.
func allMatch(matchers []Matcher, values []string) bool {
	for _, v := range values {
		ok := false
		for _, m := range matchers {
			if m.Matches(v) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// oneMatch reports whether any matcher accepts the single value.
func oneMatch(matchers []Matcher, value string) bool {
	for _, m := range matchers {
		if m.Matches(value) {
			return true
		}
	}
	return false
}
