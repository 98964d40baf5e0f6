// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// Logger provides structured JSON logging scoped to one component.
// Entries go to stderr: stdout is reserved for the stdio tool channel.
type Logger struct {
	Component string

	mu  sync.Mutex
	out io.Writer
}

// LogEntry is one structured log line.
type LogEntry struct {
	Timestamp  string         `json:"timestamp"`
	Level      LogLevel       `json:"level"`
	Component  string         `json:"component"`
	TraceID    string         `json:"trace_id,omitempty"`
	DecisionID string         `json:"decision_id,omitempty"`
	Message    string         `json:"message"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// New creates a new Logger for the specified component.
func New(component string) *Logger {
	return &Logger{Component: component, out: os.Stderr}
}

// NewWithWriter routes output elsewhere; used by tests.
func NewWithWriter(component string, out io.Writer) *Logger {
	return &Logger{Component: component, out: out}
}

// Log writes one structured entry.
func (l *Logger) Log(level LogLevel, traceID, decisionID, message string, fields map[string]any) {
	entry := LogEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Level:      level,
		Component:  l.Component,
		TraceID:    traceID,
		DecisionID: decisionID,
		Message:    message,
		Fields:     fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Fallback to plain text if a field is not serializable.
		l.mu.Lock()
		fmt.Fprintf(l.out, "ERROR: failed to marshal log entry: %v\n", err)
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	l.out.Write(append(jsonBytes, '\n'))
	l.mu.Unlock()
}

// Info logs an informational message
func (l *Logger) Info(traceID, decisionID, message string, fields map[string]any) {
	l.Log(INFO, traceID, decisionID, message, fields)
}

// Error logs an error message
func (l *Logger) Error(traceID, decisionID, message string, fields map[string]any) {
	l.Log(ERROR, traceID, decisionID, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(traceID, decisionID, message string, fields map[string]any) {
	l.Log(WARN, traceID, decisionID, message, fields)
}

// Debug logs a debug message
func (l *Logger) Debug(traceID, decisionID, message string, fields map[string]any) {
	l.Log(DEBUG, traceID, decisionID, message, fields)
}

// InfoWithDuration logs an info message with a duration field.
func (l *Logger) InfoWithDuration(traceID, decisionID, message string, durationMS float64, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}
	fields["duration_ms"] = durationMS
	l.Info(traceID, decisionID, message, fields)
}

// ErrorWithErr logs an error message with the error string attached.
func (l *Logger) ErrorWithErr(traceID, decisionID, message string, err error, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(traceID, decisionID, message, fields)
}
