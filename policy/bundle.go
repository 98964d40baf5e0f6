// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadBundle reads a policy bundle from disk. YAML and JSON are both
// accepted; the extension decides the parser.
func LoadBundle(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy bundle: %w", err)
	}

	var p Policy
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &p)
	default:
		err = yaml.Unmarshal(data, &p)
	}
	if err != nil {
		return nil, fmt.Errorf("parse policy bundle %s: %w", path, err)
	}

	if err := validateBundle(&p); err != nil {
		return nil, fmt.Errorf("invalid policy bundle %s: %w", path, err)
	}
	return &p, nil
}

func validateBundle(p *Policy) error {
	if p.Version == "" {
		return fmt.Errorf("version is required")
	}
	switch p.DefaultAction {
	case "allow", "deny":
	default:
		return fmt.Errorf("defaultAction must be allow or deny, got %q", p.DefaultAction)
	}
	for i, r := range p.Rules {
		if r.ID == "" {
			return fmt.Errorf("rule %d has no id", i)
		}
		switch r.Action {
		case "allow", "deny":
		default:
			return fmt.Errorf("rule %q action must be allow or deny, got %q", r.ID, r.Action)
		}
	}
	for tenant, overlay := range p.Tenants {
		if overlay == nil {
			return fmt.Errorf("tenant %q overlay is empty", tenant)
		}
	}
	return nil
}
