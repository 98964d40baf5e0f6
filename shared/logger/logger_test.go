// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	l := New("gateway")
	if l.Component != "gateway" {
		t.Errorf("expected component gateway, got %s", l.Component)
	}
}

func TestLogLevels(t *testing.T) {
	tests := []struct {
		name    string
		logFunc func(*Logger, string, string, string, map[string]any)
		level   LogLevel
		message string
		fields  map[string]any
	}{
		{
			name:    "Info log",
			logFunc: (*Logger).Info,
			level:   INFO,
			message: "tool dispatched",
			fields:  map[string]any{"tool": "read_records"},
		},
		{
			name:    "Error log",
			logFunc: (*Logger).Error,
			level:   ERROR,
			message: "tool failed",
			fields:  map[string]any{"error_kind": "TIMEOUT"},
		},
		{
			name:    "Warn log",
			logFunc: (*Logger).Warn,
			level:   WARN,
			message: "policy sink degraded",
			fields:  nil,
		},
		{
			name:    "Debug log",
			logFunc: (*Logger).Debug,
			level:   DEBUG,
			message: "cache hit",
			fields:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := NewWithWriter("gateway", &buf)
			tt.logFunc(l, "trace-1", "dec-1", tt.message, tt.fields)

			var entry LogEntry
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("output is not JSON: %v", err)
			}
			if entry.Level != tt.level {
				t.Errorf("expected level %s, got %s", tt.level, entry.Level)
			}
			if entry.Message != tt.message {
				t.Errorf("expected message %q, got %q", tt.message, entry.Message)
			}
			if entry.Component != "gateway" {
				t.Errorf("expected component gateway, got %s", entry.Component)
			}
			if entry.TraceID != "trace-1" || entry.DecisionID != "dec-1" {
				t.Errorf("trace context not carried: %+v", entry)
			}
			if _, err := time.Parse(time.RFC3339Nano, entry.Timestamp); err != nil {
				t.Errorf("timestamp not RFC3339Nano: %v", err)
			}
		})
	}
}

func TestSingleLineOutput(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("registry", &buf)
	l.Info("t", "d", "multi\nline\nmessage", nil)

	out := strings.TrimRight(buf.String(), "\n")
	if strings.Contains(out, "\n") {
		t.Error("log entry must be a single line")
	}
}

func TestInfoWithDuration(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("gateway", &buf)
	l.InfoWithDuration("t", "d", "tool completed", 12.5, nil)

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry.Fields["duration_ms"] != 12.5 {
		t.Errorf("expected duration_ms 12.5, got %v", entry.Fields["duration_ms"])
	}
}

func TestErrorWithErr(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("gateway", &buf)
	l.ErrorWithErr("t", "d", "write rejected", errTest, nil)

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry.Fields["error"] != "boom" {
		t.Errorf("expected error field boom, got %v", entry.Fields["error"])
	}
}

type testErr struct{}

func (testErr) Error() string { return "boom" }

var errTest = testErr{}

func TestOmitsEmptyTraceFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("gateway", &buf)
	l.Info("", "", "startup", nil)

	out := buf.String()
	if strings.Contains(out, "trace_id") || strings.Contains(out, "decision_id") {
		t.Errorf("empty trace fields should be omitted: %s", out)
	}
}
