// Copyright 2025 DataTrust
// SPDX-License-Identifier: Apache-2.0

// Package audit records the operation trail: one NDJSON entry per mutating
// connector operation, grouped into daily files under a per-connector
// directory. Unlike the policy decision log, a failed trail write fails the
// tool call: no modification without audit.
package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Operation is the kind of mutation an entry records.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Entry is one operation trail record.
type Entry struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	ConnectorID   string         `json:"connector_id"`
	Operation     Operation      `json:"operation"`
	RecordKey     string         `json:"record_key"`
	User          string         `json:"user,omitempty"`
	Before        map[string]any `json:"before,omitempty"`
	After         map[string]any `json:"after,omitempty"`
	ChangedFields []string       `json:"changed_fields,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Filter selects entries for a query.
type Filter struct {
	ConnectorID string
	Operations  []Operation
	RecordKey   string
	User        string
	From        time.Time
	To          time.Time
	Limit       int
	Offset      int
}

// Counts breaks down matching entries before pagination.
type Counts struct {
	Create int `json:"create"`
	Update int `json:"update"`
	Delete int `json:"delete"`
	Total  int `json:"total"`
}

// QueryResult is the paged query answer.
type QueryResult struct {
	Entries []Entry `json:"entries"`
	Counts  Counts  `json:"counts"`
}

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeID maps a connector id to a filesystem-safe directory name.
func SanitizeID(id string) string {
	return unsafeIDChars.ReplaceAllString(id, "_")
}

// Trail is the operation audit sink and query engine.
type Trail struct {
	base          string
	retentionDays int

	mu    sync.Mutex
	paths map[string]*sync.Mutex // per-path serialization
}

// New creates the trail under base. retentionDays <= 0 disables the sweep.
func New(base string, retentionDays int) (*Trail, error) {
	if err := os.MkdirAll(base, 0o700); err != nil {
		return nil, fmt.Errorf("create audit base dir: %w", err)
	}
	return &Trail{
		base:          base,
		retentionDays: retentionDays,
		paths:         make(map[string]*sync.Mutex),
	}, nil
}

func (t *Trail) pathLock(path string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.paths[path]; ok {
		return m
	}
	m := &sync.Mutex{}
	t.paths[path] = m
	return m
}

func (t *Trail) connectorDir(connectorID string) string {
	return filepath.Join(t.base, SanitizeID(connectorID))
}

// Append writes one entry, assigning id and timestamp when absent.
// The caller must treat an error as a failed operation.
func (t *Trail) Append(entry *Entry) error {
	if entry.ConnectorID == "" {
		return fmt.Errorf("audit entry requires a connector id")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	dir := t.connectorDir(entry.ConnectorID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	path := filepath.Join(dir, entry.Timestamp.UTC().Format("2006-01-02")+".ndjson")

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	line = append(line, '\n')

	lock := t.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append audit entry: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close audit file: %w", err)
	}

	if t.retentionDays > 0 {
		t.sweep(dir)
	}
	return nil
}

// sweep removes files older than the retention horizon. Best effort.
func (t *Trail) sweep(dir string) {
	cutoff := time.Now().UTC().AddDate(0, 0, -t.retentionDays).Format("2006-01-02")
	names, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range names {
		name := e.Name()
		if !strings.HasSuffix(name, ".ndjson") && !strings.HasSuffix(name, ".json") {
			continue
		}
		date := strings.TrimSuffix(strings.TrimSuffix(name, ".ndjson"), ".json")
		if len(date) >= 10 && date[:10] < cutoff {
			os.Remove(filepath.Join(dir, name))
		}
	}
}

// Query loads, filters, sorts (timestamp desc) and paginates entries.
// Counts cover all matches before limit/offset are applied.
func (t *Trail) Query(f Filter) (*QueryResult, error) {
	if f.ConnectorID == "" {
		return nil, fmt.Errorf("audit query requires a connector id")
	}
	dir := t.connectorDir(f.ConnectorID)
	names, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &QueryResult{Entries: []Entry{}}, nil
		}
		return nil, fmt.Errorf("read audit dir: %w", err)
	}

	ops := make(map[Operation]struct{}, len(f.Operations))
	for _, op := range f.Operations {
		ops[op] = struct{}{}
	}

	var matched []Entry
	var counts Counts
	for _, e := range names {
		name := e.Name()
		if !strings.HasSuffix(name, ".ndjson") && !strings.HasSuffix(name, ".json") {
			continue
		}
		if skipFileByDate(name, f.From, f.To) {
			continue
		}
		entries, err := readFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if !matches(&entry, &f, ops) {
				continue
			}
			switch entry.Operation {
			case OpCreate:
				counts.Create++
			case OpUpdate:
				counts.Update++
			case OpDelete:
				counts.Delete++
			}
			counts.Total++
			matched = append(matched, entry)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	start := f.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}
	out := matched[start:end]
	if out == nil {
		out = []Entry{}
	}
	return &QueryResult{Entries: out, Counts: counts}, nil
}

// skipFileByDate prunes whole daily files outside the query window.
func skipFileByDate(name string, from, to time.Time) bool {
	date := strings.TrimSuffix(strings.TrimSuffix(name, ".ndjson"), ".json")
	if len(date) < 10 {
		return false
	}
	day, err := time.Parse("2006-01-02", date[:10])
	if err != nil {
		return false
	}
	if !from.IsZero() && day.Before(from.UTC().Truncate(24*time.Hour)) {
		return true
	}
	if !to.IsZero() && day.After(to.UTC()) {
		return true
	}
	return false
}

func matches(entry *Entry, f *Filter, ops map[Operation]struct{}) bool {
	if len(ops) > 0 {
		if _, ok := ops[entry.Operation]; !ok {
			return false
		}
	}
	if f.RecordKey != "" && entry.RecordKey != f.RecordKey {
		return false
	}
	if f.User != "" && entry.User != f.User {
		return false
	}
	if !f.From.IsZero() && entry.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && entry.Timestamp.After(f.To) {
		return false
	}
	return true
}

// readFile parses one audit file: NDJSON lines, or a legacy JSON array.
func readFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read audit file: %w", err)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var entries []Entry
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, fmt.Errorf("parse legacy audit file %s: %w", filepath.Base(path), err)
		}
		return entries, nil
	}
	var entries []Entry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("parse audit file %s: %w", filepath.Base(path), err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
