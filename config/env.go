// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

// envPattern matches ${NAME} and ${NAME:-default}.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandEnv substitutes environment references in the raw config text.
// A reference without a default whose variable is unset fails the load:
// a silently empty credential is worse than a startup error.
func expandEnv(data []byte) ([]byte, error) {
	var missing []string
	out := envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		groups := envPattern.FindSubmatch(match)
		name := string(groups[1])
		if value, ok := os.LookupEnv(name); ok {
			return []byte(value)
		}
		if len(groups[2]) > 0 {
			return groups[3]
		}
		missing = append(missing, name)
		return match
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("unset environment variables referenced in config: %s",
			strings.Join(dedupe(missing), ", "))
	}
	return out, nil
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}
