// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package base

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var sqlIdentifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateSQLIdentifier checks that a string is safe to interpolate as a SQL
// identifier (table, schema, column). Values are never interpolated; they go
// through bound parameters.
func ValidateSQLIdentifier(identifier string) error {
	if identifier == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if !sqlIdentifierRe.MatchString(identifier) {
		return fmt.Errorf("invalid SQL identifier: %q", identifier)
	}
	return nil
}

var entityIDRe = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeEntityID maps an arbitrary connector or snapshot id to a string
// safe for use as a filesystem path segment.
func SanitizeEntityID(id string) string {
	return entityIDRe.ReplaceAllString(id, "_")
}

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// SanitizeLogString escapes newlines and strips ANSI sequences so untrusted
// values cannot forge log entries, and truncates to bound log volume.
func SanitizeLogString(s string) string {
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "\\r")
	s = ansiRe.ReplaceAllString(s, "")
	const maxLogLength = 500
	if len(s) > maxLogLength {
		s = s[:maxLogLength] + "...[truncated]"
	}
	return s
}

// ValidateBaseURL checks a configured SaaS endpoint: http(s) scheme and a
// hostname are required.
func ValidateBaseURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URL cannot be empty")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme %q is not allowed; use http or https", parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return fmt.Errorf("URL must contain a hostname")
	}
	return nil
}

// ValidateFilePath rejects traversal and null bytes in configured file paths.
func ValidateFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("path traversal not allowed: %q", path)
	}
	if strings.Contains(path, "\x00") {
		return fmt.Errorf("null bytes not allowed in path")
	}
	return nil
}
